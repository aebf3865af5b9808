// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package action implements HookDispatcher's four outcomes (spec
// §4.5): Setup, UpdateHook, SyncAll and SyncRefs. Grounded on
// samsieber/subgit-sync's action.rs, whose Action enum and per-variant
// run() methods this package's Action interface and implementations
// mirror.
package action

import (
	"fmt"

	"github.com/grailbio/base/log"

	"github.com/grailbio/subgit/commitmap"
	"github.com/grailbio/subgit/copier"
	"github.com/grailbio/subgit/git"
	"github.com/grailbio/subgit/pathfilter"
	"github.com/grailbio/subgit/refsync"
	"github.com/grailbio/subgit/setup"
	"github.com/grailbio/subgit/workspace"
)

// Action is one of the four outcomes HookDispatcher can resolve an
// invocation to.
type Action interface {
	Run() error
}

// buildEngine assembles the RefSyncEngine a live workspace Handle
// needs to run imports and exports, reading the upstream/subgit
// subdir mapping and ref filter from the handle's loaded settings.
func buildEngine(h *workspace.Handle) *refsync.Engine {
	guard := h.Settings.RecursionDetection.Guard()
	guard.Git = h.Git
	return &refsync.Engine{
		Upstream:  copier.Location{Side: commitmap.Upstream, Bare: h.Paths.UpstreamBare(), Working: h.Paths.UpstreamWorking()},
		Subgit:    copier.Location{Side: commitmap.Subgit, Bare: h.Paths.LocalBare(), Working: h.Paths.LocalWorking()},
		Filter:    pathfilter.New(h.Settings.UpstreamPath, h.Settings.SubgitPath),
		Map:       h.Map,
		Git:       h.Git,
		Guard:     guard,
		RefFilter: h.Settings.MatchesRef,
	}
}

func fetchBothSides(h *workspace.Handle) error {
	if err := h.Git.FetchAll(h.Paths.UpstreamWorking()); err != nil {
		return fmt.Errorf("action: fetch upstream working clone: %w", err)
	}
	if err := h.Git.FetchAll(h.Paths.LocalWorking()); err != nil {
		return fmt.Errorf("action: fetch subgit working clone: %w", err)
	}
	return nil
}

// Setup runs SetupBuilder and then an initial SyncAll, matching the
// original's Setup::run (run_creation followed by
// import_initial_empty_commits + update_all_from_upstream — the
// empty-commit import is a no-op here since SetupBuilder already
// records the anchor pair directly).
type Setup struct {
	Builder setup.Builder
	Request setup.Request
	Git     git.Port
}

func (s Setup) Run() error {
	paths, err := s.Builder.Run(s.Request)
	if err != nil {
		return fmt.Errorf("action: setup: %w", err)
	}
	h, ok, err := workspace.Open(paths.Root, s.Git, nil)
	if err != nil {
		return fmt.Errorf("action: open freshly created workspace: %w", err)
	}
	if !ok {
		return fmt.Errorf("action: recursion guard unexpectedly suppressed the post-setup sync")
	}
	defer h.Close()
	return buildEngine(h).SyncAll()
}

// UpdateHook is the synchronous subgit-side export triggered by git's
// server-side `update` hook (spec §4.5's 4-arg dispatch).
type UpdateHook struct {
	DataRoot string
	RefName  string
	OldSHA   git.CommitID
	NewSHA   git.CommitID
	Git      git.Port
}

func (u UpdateHook) Run() error {
	h, ok, err := workspace.Open(u.DataRoot, u.Git, []string{u.RefName, u.OldSHA.Hex(), u.NewSHA.Hex()})
	if err != nil {
		return fmt.Errorf("action: open workspace %s: %w", u.DataRoot, err)
	}
	if !ok {
		log.Debug.Printf("action: update hook on %s recognized as our own push, skipping", u.RefName)
		return nil
	}
	defer h.Close()
	if err := fetchBothSides(h); err != nil {
		return err
	}
	return buildEngine(h).Export(u.RefName, git.OptionalID(u.OldSHA), git.OptionalID(u.NewSHA))
}

// SyncAll is the subgit-side `sync-all` dispatch (spec §4.5's 2-arg
// case): reconcile every filtered ref from the upstream's current
// state.
type SyncAll struct {
	DataRoot string
	Git      git.Port
}

func (s SyncAll) Run() error {
	h, ok, err := workspace.Open(s.DataRoot, s.Git, nil)
	if err != nil {
		return fmt.Errorf("action: open workspace %s: %w", s.DataRoot, err)
	}
	if !ok {
		log.Debug.Printf("action: sync-all recognized as our own push, skipping")
		return nil
	}
	defer h.Close()
	if err := fetchBothSides(h); err != nil {
		return err
	}
	return buildEngine(h).SyncAll()
}
