// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package workspace owns the four git handles a running subgit
// operates on and the exclusive lock serializing mutating hook
// invocations (spec §4.7). Locking is grounded on grit's git/repo.go,
// which already takes a github.com/grailbio/base/flock.T over its
// cache directory for the same reason: one process-exclusive section
// per logical repository.
package workspace

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/grailbio/base/flock"

	"github.com/grailbio/subgit/commitmap"
	"github.com/grailbio/subgit/git"
	"github.com/grailbio/subgit/settings"
)

// Paths locates every file and directory under a subgit's <subgit>/data
// tree (spec §6.2).
type Paths struct {
	// Root is <subgit>/data.
	Root string
}

func (p Paths) UpstreamBare() string    { return filepath.Join(p.Root, "upstream.git") }
func (p Paths) LocalBare() string       { return filepath.Join(p.Root, "local.git") }
func (p Paths) UpstreamWorking() string { return filepath.Join(p.Root, "upstream") }
func (p Paths) LocalWorking() string    { return filepath.Join(p.Root, "local") }
func (p Paths) SettingsFile() string    { return filepath.Join(p.Root, "settings.json") }
func (p Paths) LockFile() string        { return filepath.Join(p.Root, "lock") }
func (p Paths) MapFile() string         { return filepath.Join(p.Root, "map.db") }
func (p Paths) LogFile() string         { return filepath.Join(p.Root, "logs", "sync.log") }
func (p Paths) WhitelistDir() string    { return filepath.Join(p.Root, "whitelist") }
func (p Paths) HookFile() string        { return filepath.Join(p.Root, "hook") }

// Handle is a live, lock-held view of one subgit's data directory:
// the four git working areas, the commit map, and the settings that
// describe them. Callers must call Close when done to release the
// lock.
type Handle struct {
	Paths    Paths
	Settings settings.Settings
	Map      *commitmap.Map
	Git      git.Port

	lock *flock.T
}

// Close releases the map handle and the exclusive lock. Safe to call
// once.
func (h *Handle) Close() error {
	mapErr := h.Map.Close()
	lockErr := h.lock.Unlock()
	if mapErr != nil {
		return fmt.Errorf("workspace: close map: %w", mapErr)
	}
	if lockErr != nil {
		return fmt.Errorf("workspace: unlock: %w", lockErr)
	}
	return nil
}

// UpstreamLocation and SubgitLocation return the bare/working-clone
// path pairs a copier.Location needs to translate commits between the
// two sides.
func (h *Handle) UpstreamLocation() (bare, working string) {
	return h.Paths.UpstreamBare(), h.Paths.UpstreamWorking()
}

func (h *Handle) SubgitLocation() (bare, working string) {
	return h.Paths.LocalBare(), h.Paths.LocalWorking()
}

// Open loads settings from root, evaluates the configured
// RecursionGuard against updateArgs (the update hook's positional
// arguments, nil for non-update invocations), and either returns a
// live, lock-held Handle or (nil, false, nil) when recursion was
// detected — in which case the caller must return success immediately
// without taking the lock (spec §4.6's invariant).
func Open(root string, gitPort git.Port, updateArgs []string) (h *Handle, ok bool, err error) {
	paths := Paths{Root: root}
	s, err := settings.Load(paths.SettingsFile())
	if err != nil {
		return nil, false, err
	}

	guard := s.RecursionDetection.Guard()
	guard.Git = gitPort
	if status := guard.Detect(updateArgs); status.Recursing {
		return nil, false, nil
	}

	lock := flock.New(paths.LockFile())
	if err := lock.Lock(context.Background()); err != nil {
		return nil, false, fmt.Errorf("workspace: lock %s: %w", paths.LockFile(), err)
	}

	m, err := commitmap.Open(paths.MapFile())
	if err != nil {
		lock.Unlock()
		return nil, false, err
	}

	return &Handle{
		Paths:    paths,
		Settings: s,
		Map:      m,
		Git:      gitPort,
		lock:     lock,
	}, true, nil
}

// EnsureWorkingClonesConfigured applies the GC-disabled,
// push.default=simple configuration spec §4.7 requires on both
// working clones. SetupBuilder calls this once at bootstrap; it's
// idempotent so re-running it (e.g. after restoring a workspace from
// backup) is harmless.
func EnsureWorkingClonesConfigured(configure func(workdir, key, value string) error, workingDirs ...string) error {
	for _, dir := range workingDirs {
		if err := configure(dir, "gc.auto", "0"); err != nil {
			return err
		}
		if err := configure(dir, "push.default", "simple"); err != nil {
			return err
		}
	}
	return nil
}
