// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package setup implements SetupBuilder (spec §4.8): the one-shot
// bootstrap that turns an existing upstream bare repository and a
// fresh subgit bare repository into a linked pair. Grounded on
// samsieber/subgit-sync's run_creation (subgit-sync/src/model/mod.rs).
package setup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/grailbio/base/log"

	"github.com/grailbio/subgit/commitmap"
	"github.com/grailbio/subgit/git"
	"github.com/grailbio/subgit/settings"
	"github.com/grailbio/subgit/workspace"
)

// gitCommand builds a "git" invocation for the one-shot plumbing
// SetupBuilder needs (init/clone/config) that isn't part of the
// abstract git.Port surface the running core depends on.
func gitCommand(dir string, arg ...string) *exec.Cmd {
	args := arg
	if dir != "" {
		args = append([]string{"-C", dir}, arg...)
	}
	return exec.Command("git", args...)
}

// symlinkedEntries are the standard bare-repository directory entries
// the hybrid local.git handle shares with the real subgit bare,
// leaving only hooks/ independently owned (spec §4.8 step 4).
var symlinkedEntries = []string{
	"config", "description", "info", "logs", "objects", "refs", "packed-refs",
}

// Request is the Setup invocation's parsed flag surface (spec §6.1).
type Request struct {
	UpstreamBarePath string
	SubgitBarePath   string
	UpstreamSubdir   string
	SubgitSubdir     string

	SubgitMapPath string
	LogLevel      settings.LogLevel
	LogFile       string

	UpstreamHookPath        string
	SubgitHookPath          string
	UpstreamWorkingCloneURL string
	SubgitWorkingCloneURL   string

	RecursionDetection settings.RecursionDetection
	MatchRef           []string

	// HookBinaryPath is the path to this executable, installed into
	// <data>/hook and symlinked from both repositories' hook paths.
	HookBinaryPath string
}

// Builder runs a Request against a concrete git.Port.
type Builder struct {
	Git git.Port
}

// Run executes the 7-step bootstrap and returns the resulting
// workspace paths, ready for workspace.Open.
func (b Builder) Run(req Request) (workspace.Paths, error) {
	paths := workspace.Paths{Root: filepath.Join(req.SubgitBarePath, "data")}

	// Step 1: data tree.
	for _, dir := range []string{paths.Root, filepath.Join(paths.Root, "logs"), paths.WhitelistDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, fmt.Errorf("setup: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.Create(paths.LockFile())
	if err != nil {
		return paths, fmt.Errorf("setup: create lock file: %w", err)
	}
	f.Close()

	// Step 2: subgit bare + symlink to upstream.
	if err := initBare(req.SubgitBarePath); err != nil {
		return paths, err
	}
	upstreamAbs, err := filepath.Abs(req.UpstreamBarePath)
	if err != nil {
		return paths, fmt.Errorf("setup: resolve %s: %w", req.UpstreamBarePath, err)
	}
	if err := os.Symlink(upstreamAbs, paths.UpstreamBare()); err != nil {
		return paths, fmt.Errorf("setup: symlink upstream bare: %w", err)
	}

	// Step 3: working clones.
	upstreamCloneFrom := req.UpstreamWorkingCloneURL
	if upstreamCloneFrom == "" {
		upstreamCloneFrom = upstreamAbs
	}
	if err := cloneInto(upstreamCloneFrom, paths.UpstreamWorking()); err != nil {
		return paths, err
	}
	if err := workspace.EnsureWorkingClonesConfigured(gitConfigSet, paths.UpstreamWorking()); err != nil {
		return paths, err
	}

	// Step 4: hybrid local.git.
	if err := buildHybridBare(req.SubgitBarePath, paths.LocalBare()); err != nil {
		return paths, err
	}

	subgitCloneFrom := req.SubgitWorkingCloneURL
	if subgitCloneFrom == "" {
		localAbs, err := filepath.Abs(paths.LocalBare())
		if err != nil {
			return paths, fmt.Errorf("setup: resolve %s: %w", paths.LocalBare(), err)
		}
		subgitCloneFrom = localAbs
	}
	if err := cloneInto(subgitCloneFrom, paths.LocalWorking()); err != nil {
		return paths, err
	}
	if err := workspace.EnsureWorkingClonesConfigured(gitConfigSet, paths.LocalWorking()); err != nil {
		return paths, err
	}

	// Step 5: empty-anchor commits, recorded in the map.
	m, err := commitmap.Open(paths.MapFile())
	if err != nil {
		return paths, err
	}
	defer m.Close()

	earliest, err := findEarliestCommit(b.Git, paths.UpstreamBare())
	if err != nil {
		return paths, err
	}
	anchorMessage := "Empty base commit - autogenerated"

	subgitAnchor, err := b.Git.CommitEmpty(paths.LocalWorking(), "refs/sync/empty", earliest.Author, earliest.Committer, anchorMessage, nil)
	if err != nil {
		return paths, fmt.Errorf("setup: anchor subgit: %w", err)
	}
	if err := b.Git.Push(paths.LocalWorking(), "refs/sync/empty:refs/sync/empty", false, nil); err != nil {
		return paths, fmt.Errorf("setup: push subgit anchor: %w", err)
	}

	upstreamAnchor, err := b.Git.CommitEmpty(paths.UpstreamWorking(), "refs/sync/empty", earliest.Author, earliest.Committer, anchorMessage, nil)
	if err != nil {
		return paths, fmt.Errorf("setup: anchor upstream: %w", err)
	}
	if err := b.Git.Push(paths.UpstreamWorking(), "refs/sync/empty:refs/sync/empty", false, nil); err != nil {
		return paths, fmt.Errorf("setup: push upstream anchor: %w", err)
	}

	if err := m.Update(func(tx *commitmap.Tx) error {
		return tx.Put(commitmap.Upstream, upstreamAnchor, subgitAnchor, time.Now())
	}); err != nil {
		return paths, fmt.Errorf("setup: record anchor mapping: %w", err)
	}

	// Step 6: settings.json.
	filters := req.MatchRef
	if len(filters) == 0 {
		filters = settings.DefaultFilters
	}
	s := settings.Settings{
		UpstreamPath:       req.UpstreamSubdir,
		SubgitPath:         req.SubgitSubdir,
		FileLogLevel:       req.LogLevel,
		RecursionDetection: req.RecursionDetection,
		Filters:            filters,
	}
	if err := s.Save(paths.SettingsFile()); err != nil {
		return paths, err
	}

	// Step 7: hook binary.
	upstreamHookPath := req.UpstreamHookPath
	if upstreamHookPath == "" {
		upstreamHookPath = "hooks/post-receive"
	}
	subgitHookPath := req.SubgitHookPath
	if subgitHookPath == "" {
		subgitHookPath = "hooks/update"
	}
	if err := installHook(req.HookBinaryPath, paths.HookFile()); err != nil {
		return paths, err
	}
	hookAbs, err := filepath.Abs(paths.HookFile())
	if err != nil {
		return paths, fmt.Errorf("setup: resolve %s: %w", paths.HookFile(), err)
	}
	if err := symlinkHook(hookAbs, filepath.Join(req.SubgitBarePath, subgitHookPath)); err != nil {
		return paths, err
	}
	if err := symlinkHook(hookAbs, filepath.Join(req.UpstreamBarePath, upstreamHookPath)); err != nil {
		return paths, err
	}

	log.Printf("setup: initialized subgit at %s tracking %s", req.SubgitBarePath, req.UpstreamBarePath)
	return paths, nil
}

func initBare(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("setup: mkdir %s: %w", path, err)
	}
	cmd := gitCommand(path, "init", "--bare")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("setup: git init --bare %s: %w\n%s", path, err, out)
	}
	return nil
}

func cloneInto(from, to string) error {
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("setup: mkdir %s: %w", filepath.Dir(to), err)
	}
	cmd := gitCommand("", "clone", from, to)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("setup: git clone %s %s: %w\n%s", from, to, err, out)
	}
	return nil
}

// gitConfigSet is the configure callback workspace.EnsureWorkingClonesConfigured
// drives to apply the GC-disabled, push.default=simple settings every
// working clone needs (spec §4.7).
func gitConfigSet(workdir, key, value string) error {
	cmd := gitCommand(workdir, "config", key, value)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("setup: git config %s %s in %s: %w\n%s", key, value, workdir, err, out)
	}
	return nil
}

// buildHybridBare constructs the hybrid local.git handle: symlinks for
// the standard bare-repository entries, a copied HEAD (git refuses a
// symlinked HEAD), and a fresh, independently-owned hooks/ directory
// so traffic through this handle never triggers the real subgit
// bare's update hook.
func buildHybridBare(subgitBare, hybridPath string) error {
	if err := os.MkdirAll(hybridPath, 0o755); err != nil {
		return fmt.Errorf("setup: mkdir %s: %w", hybridPath, err)
	}
	for _, entry := range symlinkedEntries {
		target := filepath.Join(subgitBare, entry)
		switch _, err := os.Lstat(target); {
		case os.IsNotExist(err):
			continue
		case err != nil:
			return fmt.Errorf("setup: stat %s: %w", target, err)
		}
		absTarget, err := filepath.Abs(target)
		if err != nil {
			return fmt.Errorf("setup: resolve %s: %w", target, err)
		}
		if err := os.Symlink(absTarget, filepath.Join(hybridPath, entry)); err != nil {
			return fmt.Errorf("setup: symlink %s: %w", entry, err)
		}
	}
	head, err := os.ReadFile(filepath.Join(subgitBare, "HEAD"))
	if err != nil {
		return fmt.Errorf("setup: read HEAD: %w", err)
	}
	if err := os.WriteFile(filepath.Join(hybridPath, "HEAD"), head, 0o644); err != nil {
		return fmt.Errorf("setup: write HEAD: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(hybridPath, "hooks"), 0o755); err != nil {
		return fmt.Errorf("setup: mkdir hooks: %w", err)
	}
	return nil
}

func installHook(binaryPath, dest string) error {
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return fmt.Errorf("setup: read hook binary %s: %w", binaryPath, err)
	}
	if err := os.WriteFile(dest, data, 0o755); err != nil {
		return fmt.Errorf("setup: install hook binary %s: %w", dest, err)
	}
	return nil
}

func symlinkHook(hookAbs, linkPath string) error {
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return fmt.Errorf("setup: mkdir %s: %w", filepath.Dir(linkPath), err)
	}
	os.Remove(linkPath)
	if err := os.Symlink(hookAbs, linkPath); err != nil {
		return fmt.Errorf("setup: symlink hook at %s: %w", linkPath, err)
	}
	return nil
}

// findEarliestCommit locates the oldest commit reachable from any ref
// in bare, used to seed the anchor commits' author/committer identity
// (spec §4.8 step 5 via the original's find_earliest_commit).
func findEarliestCommit(g git.Port, bare string) (git.Commit, error) {
	refs, err := g.GetRefs(bare, "refs/")
	if err != nil {
		return git.Commit{}, fmt.Errorf("setup: list refs of %s: %w", bare, err)
	}
	if len(refs) == 0 {
		return git.Commit{
			Author:    git.Signature{Name: "subgit", Email: "subgit@localhost", When: time.Now()},
			Committer: git.Signature{Name: "subgit", Email: "subgit@localhost", When: time.Now()},
		}, nil
	}
	var earliest *git.Commit
	for _, ref := range refs {
		ids, err := g.RevList(bare, ref.Target.Hex(), git.ReverseTopologicalByTime)
		if err != nil {
			return git.Commit{}, fmt.Errorf("setup: rev-list %s: %w", ref.Name, err)
		}
		if len(ids) == 0 {
			continue
		}
		c, err := g.FindCommit(bare, ids[0])
		if err != nil {
			return git.Commit{}, err
		}
		if earliest == nil || c.Author.When.Before(earliest.Author.When) {
			earliest = &c
		}
	}
	if earliest == nil {
		return git.Commit{}, fmt.Errorf("setup: %s has no commits", bare)
	}
	return *earliest, nil
}
