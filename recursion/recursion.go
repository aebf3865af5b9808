// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package recursion implements RecursionGuard (spec §4.6): detecting
// whether an update-hook invocation was itself triggered by a push
// this module made, so the two mutually-triggering hooks (subgit
// update, upstream post-receive) don't loop forever. Grounded on
// samsieber/subgit-sync's RecursionDetection/PushListener
// (subgit-sync/src/action.rs).
package recursion

import (
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/log"

	"github.com/grailbio/subgit/git"
)

// Mode selects how a Guard decides it's seeing its own echo.
type Mode int

const (
	Disabled Mode = iota
	PushOption
	EnvBased
	UpdateWhitelist
)

// ignoreSubgitUpdate is the push option value PushOption mode looks
// for, attached by RefSyncEngine to every destination push (import and
// export alike) via GetPushOptions/push.
const ignoreSubgitUpdate = "IGNORE_SUBGIT_UPDATE"

// Guard decides, for one hook invocation, whether it was caused by a
// push this module itself made, and (for UpdateWhitelist) marks
// outgoing pushes so the triggered hook can recognize them.
type Guard struct {
	Mode Mode

	// Git supplies GetPushOptions for PushOption mode. Required only
	// for that mode; nil is fine otherwise.
	Git git.Port

	// EnvName/EnvValue are used when Mode == EnvBased: recursion is
	// detected when the process environment has EnvName set to
	// EnvValue.
	EnvName  string
	EnvValue string

	// WhitelistDir is used when Mode == UpdateWhitelist: the directory
	// marker files are created in before a push and checked for by the
	// triggered hook.
	WhitelistDir string
}

// Status reports a Guard's recursion determination and the reason,
// carried through to logs the way the original surfaces `reason` in
// every branch of detect_recursion.
type Status struct {
	Recursing bool
	Reason    string
}

// GetPushOptions returns the `-o` push options RefSyncEngine should
// attach to a destination push so the receiving hook can recognize it
// as one of this module's own, for modes that use this mechanism.
func (g Guard) GetPushOptions() []string {
	if g.Mode == PushOption {
		return []string{ignoreSubgitUpdate}
	}
	return nil
}

// markerFile returns the whitelist marker path for a given ref/sha
// pair, matching UpdateWhitelist::get_handle's "ref-with-slashes-
// replaced-by-colons-sha" naming.
func (g Guard) markerFile(refName string, sha git.CommitID) string {
	name := strings.ReplaceAll(refName, "/", ":") + "-" + sha.Hex()
	return g.WhitelistDir + "/" + name
}

// Detect classifies the current hook invocation, using updateArgs (the
// positional arguments an update hook receives: ref name, old sha, new
// sha) for UpdateWhitelist mode, which needs to know the exact ref/sha
// pair being pushed to look up its marker file.
func (g Guard) Detect(updateArgs []string) Status {
	switch g.Mode {
	case Disabled:
		return Status{Recursing: false, Reason: "recursion detection disabled"}
	case PushOption:
		for _, opt := range g.Git.GetPushOptions() {
			if opt == ignoreSubgitUpdate {
				return Status{Recursing: true, Reason: "found " + ignoreSubgitUpdate + " push option"}
			}
		}
		return Status{Recursing: false, Reason: "did not find " + ignoreSubgitUpdate + " push option"}
	case EnvBased:
		if value, ok := os.LookupEnv(g.EnvName); ok {
			if value == g.EnvValue {
				return Status{Recursing: true, Reason: fmt.Sprintf("found %s=%s", g.EnvName, g.EnvValue)}
			}
			return Status{Recursing: false, Reason: fmt.Sprintf("found %s=%s, needed %s", g.EnvName, value, g.EnvValue)}
		}
		return Status{Recursing: false, Reason: fmt.Sprintf("no env variable named %s", g.EnvName)}
	case UpdateWhitelist:
		if len(updateArgs) < 3 {
			return Status{Recursing: false, Reason: "no update hook arguments to check"}
		}
		refName, newSHA := updateArgs[0], updateArgs[2]
		sha, err := git.ParseCommitID(newSHA)
		if err != nil {
			sha = git.NoSHA()
		}
		path := g.markerFile(refName, sha)
		if _, err := os.Stat(path); err == nil {
			return Status{Recursing: true, Reason: "found marker file " + path}
		}
		return Status{Recursing: false, Reason: "no marker file " + path}
	default:
		return Status{Recursing: false, Reason: "unknown recursion detection mode"}
	}
}

// lockPath is a single file within WhitelistDir that serializes marker
// creation/removal across concurrent hook invocations - distinct from
// the workspace's primary data/lock (github.com/grailbio/base/flock),
// since this only needs to guard one directory's worth of marker
// bookkeeping rather than a whole sync operation.
func (g Guard) lockPath() string {
	return g.WhitelistDir + "/.lock"
}

// PrePush marks an outgoing push before it happens, a no-op except in
// UpdateWhitelist mode, matching PushListener::pre_push.
func (g Guard) PrePush(refName string, sha git.CommitID) error {
	if g.Mode != UpdateWhitelist {
		return nil
	}
	lock := git.NewFileLock(g.lockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("recursion: lock whitelist dir: %w", err)
	}
	defer lock.Unlock()

	path := g.markerFile(refName, sha)
	log.Debug.Printf("recursion: creating whitelist marker %s", path)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recursion: create marker %s: %w", path, err)
	}
	return f.Close()
}

// PostPush clears an outgoing push's marker once it completes,
// matching PushListener::post_push.
func (g Guard) PostPush(refName string, sha git.CommitID) error {
	if g.Mode != UpdateWhitelist {
		return nil
	}
	lock := git.NewFileLock(g.lockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("recursion: lock whitelist dir: %w", err)
	}
	defer lock.Unlock()

	path := g.markerFile(refName, sha)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("recursion: remove marker %s: %w", path, err)
	}
	return nil
}
