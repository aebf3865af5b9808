// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package refsync implements RefSyncEngine (spec §4.4): the ref-level
// import/export orchestration built on top of a CommitCopier. Grounded
// on samsieber/subgit-sync's Workspace::push_ref_change_upstream,
// import_upstream_commits and update_all_from_upstream
// (subgit-sync/src/model/mod.rs).
package refsync

import (
	"fmt"

	"github.com/grailbio/base/log"

	"github.com/grailbio/subgit/commitmap"
	"github.com/grailbio/subgit/copier"
	"github.com/grailbio/subgit/git"
	"github.com/grailbio/subgit/pathfilter"
	"github.com/grailbio/subgit/recursion"
)

// recentHeadsSeed is N in "the N most recent heads on the destination"
// (spec §4.4), bounding the walk on a branch this engine has never
// seen before.
const recentHeadsSeed = 10

// OutOfSyncError reports that an export's claimed old sha no longer
// matches the local tip after importing upstream's current state,
// meaning the push must be rejected.
type OutOfSyncError struct {
	RefName string
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("refsync: %s is out of sync with the upstream repository", e.RefName)
}

// Engine drives import and export between one upstream/subgit pair.
type Engine struct {
	Upstream copier.Location
	Subgit   copier.Location
	Filter   pathfilter.Filter
	Map      *commitmap.Map
	Git      git.Port
	Guard    recursion.Guard

	// RefFilter reports whether a ref name should be synchronized at
	// all (settings.Settings.MatchesRef).
	RefFilter func(refName string) bool
}

// direction bundles the location/side/force parameters that
// distinguish an import from an export; the walk-copy-push algorithm
// beneath both is identical.
type direction struct {
	source, dest         copier.Location
	sourceSide, destSide commitmap.Side
	force                bool
}

func (e *Engine) importDirection() direction {
	return direction{source: e.Upstream, dest: e.Subgit, sourceSide: commitmap.Upstream, destSide: commitmap.Subgit, force: true}
}

func (e *Engine) exportDirection() direction {
	return direction{source: e.Subgit, dest: e.Upstream, sourceSide: commitmap.Subgit, destSide: commitmap.Upstream, force: false}
}

func (e *Engine) copier(dir direction) *copier.Copier {
	return &copier.Copier{
		Source: dir.source,
		Dest:   dir.dest,
		Filter: e.Filter,
		Map:    e.Map,
		Git:    e.Git,
	}
}

// Import copies commits reachable from newSrc (a commit id on the
// upstream side) onto the subgit side, updating refName there, and
// returns the resulting subgit-side tip. newSrc == nil deletes
// refName on the subgit side instead.
func (e *Engine) Import(refName string, oldSrc, newSrc *git.CommitID) (git.CommitID, error) {
	return e.syncRef(e.importDirection(), refName, oldSrc, newSrc)
}

// Export copies commits reachable from newSrc (a commit id on the
// subgit side) onto the upstream side, updating refName there. Before
// doing so it checks whether the upstream ref has moved independently
// since the last export (the out-of-sync check, spec §4.4); if so it
// imports the new upstream commits first and fails with
// *OutOfSyncError when the caller's claimed oldSrc no longer matches
// the resulting local tip.
func (e *Engine) Export(refName string, oldSrc, newSrc *git.CommitID) error {
	if e.RefFilter != nil && !e.RefFilter(refName) {
		log.Debug.Printf("refsync: skipping non-applicable ref %s", refName)
		return nil
	}

	if newSrc != nil {
		var oldUpstream *git.CommitID
		if oldSrc != nil {
			if translated, ok, err := e.Map.Get(commitmap.Subgit, *oldSrc); err == nil && ok {
				oldUpstream = &translated
			} else if err != nil {
				return fmt.Errorf("refsync: translate %s: %w", oldSrc.Hex(), err)
			}
		}

		realUpstream, err := e.currentRef(e.Upstream.Bare, refName)
		if err != nil {
			return err
		}

		if realUpstream != nil && !sameID(oldUpstream, realUpstream) {
			log.Printf("refsync: importing new upstream commits on %s before export (expected %v, found %v)", refName, oldUpstream, realUpstream)
			newOldLocal, err := e.Import(refName, oldUpstream, realUpstream)
			if err != nil {
				return err
			}
			if !sameID(oldSrc, &newOldLocal) {
				return &OutOfSyncError{RefName: refName}
			}
		}
	}

	_, err := e.syncRef(e.exportDirection(), refName, oldSrc, newSrc)
	return err
}

// SyncAll imports every upstream ref matching RefFilter, and deletes
// any subgit ref that matches the filter but no longer exists
// upstream (closing the original tool's "iterate over the leftover
// keys" TODO in update_all_from_upstream).
func (e *Engine) SyncAll() error {
	upstreamRefs, err := e.Git.GetRefs(e.Upstream.Bare, "refs/")
	if err != nil {
		return fmt.Errorf("refsync: list upstream refs: %w", err)
	}
	localRefs, err := e.Git.GetRefs(e.Subgit.Bare, "refs/")
	if err != nil {
		return fmt.Errorf("refsync: list subgit refs: %w", err)
	}
	localByName := make(map[string]git.CommitID, len(localRefs))
	for _, r := range localRefs {
		localByName[r.Name] = r.Target
	}

	seen := make(map[string]bool, len(upstreamRefs))
	for _, ref := range upstreamRefs {
		if e.RefFilter != nil && !e.RefFilter(ref.Name) {
			continue
		}
		seen[ref.Name] = true

		var oldUpstream *git.CommitID
		if localSha, ok := localByName[ref.Name]; ok {
			if translated, ok, err := e.Map.Get(commitmap.Subgit, localSha); err == nil && ok {
				oldUpstream = &translated
			}
		}
		newUpstream := ref.Target
		if _, err := e.Import(ref.Name, oldUpstream, &newUpstream); err != nil {
			return fmt.Errorf("refsync: sync-all import %s: %w", ref.Name, err)
		}
	}

	for _, ref := range localRefs {
		if e.RefFilter != nil && !e.RefFilter(ref.Name) {
			continue
		}
		if seen[ref.Name] {
			continue
		}
		log.Printf("refsync: %s disappeared upstream, deleting on the subgit side", ref.Name)
		if _, err := e.Import(ref.Name, nil, nil); err != nil {
			return fmt.Errorf("refsync: sync-all delete %s: %w", ref.Name, err)
		}
	}
	return nil
}

// currentRef returns the current target of refName on bare, or nil if
// the ref doesn't exist.
func (e *Engine) currentRef(bare, refName string) (*git.CommitID, error) {
	refs, err := e.Git.GetRefs(bare, refName)
	if err != nil {
		return nil, fmt.Errorf("refsync: resolve %s on %s: %w", refName, bare, err)
	}
	for _, r := range refs {
		if r.Name == refName {
			id := r.Target
			return &id, nil
		}
	}
	return nil, nil
}

func sameID(a, b *git.CommitID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// syncRef is the shared deletion/enumeration/copy-loop/push algorithm
// behind both Import and Export (spec §4.4).
func (e *Engine) syncRef(dir direction, refName string, oldSrc, newSrc *git.CommitID) (git.CommitID, error) {
	pushOpts := e.Guard.GetPushOptions()

	if newSrc == nil {
		if err := e.Guard.PrePush(refName, git.NoSHA()); err != nil {
			return git.CommitID{}, err
		}
		err := e.Git.DeleteRemoteRef(dir.dest.Working, refName, pushOpts)
		if postErr := e.Guard.PostPush(refName, git.NoSHA()); postErr != nil && err == nil {
			err = postErr
		}
		if err != nil {
			return git.CommitID{}, fmt.Errorf("refsync: delete %s: %w", refName, err)
		}
		return git.CommitID{}, nil
	}

	toCopy, err := e.commitsToCopy(dir, oldSrc, *newSrc)
	if err != nil {
		return git.CommitID{}, err
	}

	c := e.copier(dir)
	var destTip git.CommitID
	for _, sourceSha := range toCopy {
		destTip, err = c.CopyCommit(sourceSha)
		if err != nil {
			return git.CommitID{}, fmt.Errorf("refsync: copy %s: %w", sourceSha.Hex(), err)
		}
	}
	if len(toCopy) == 0 {
		translated, ok, err := e.Map.Get(dir.sourceSide, *newSrc)
		if err != nil {
			return git.CommitID{}, fmt.Errorf("refsync: translate %s: %w", newSrc.Hex(), err)
		}
		if !ok {
			return git.CommitID{}, fmt.Errorf("refsync: %s has no recorded translation and nothing to copy", newSrc.Hex())
		}
		destTip = translated
	}

	current, err := e.currentRef(dir.dest.Bare, refName)
	if err != nil {
		return git.CommitID{}, err
	}
	if current != nil && *current == destTip {
		log.Debug.Printf("refsync: %s already at %s, nothing to push", refName, destTip.Hex())
		return destTip, nil
	}

	if err := e.Git.ResetHard(dir.dest.Working, destTip); err != nil {
		return git.CommitID{}, fmt.Errorf("refsync: reset %s to %s: %w", dir.dest.Working, destTip.Hex(), err)
	}
	if err := e.Guard.PrePush(refName, destTip); err != nil {
		return git.CommitID{}, err
	}
	pushErr := e.Git.Push(dir.dest.Working, "HEAD:"+refName, dir.force, pushOpts)
	if postErr := e.Guard.PostPush(refName, destTip); postErr != nil && pushErr == nil {
		pushErr = postErr
	}
	if pushErr != nil {
		return git.CommitID{}, fmt.Errorf("refsync: push %s to %s: %w", refName, dir.dest.Working, pushErr)
	}
	return destTip, nil
}

// commitsToCopy walks every ancestor of newSrc on the source side not
// already recorded in Map, excluding the ancestry of oldSrc when
// known, or else the ancestry (translated back to the source side) of
// the destination's N most recent heads — bounding the walk the first
// time this engine encounters a branch (spec §4.4).
func (e *Engine) commitsToCopy(dir direction, oldSrc *git.CommitID, newSrc git.CommitID) ([]git.CommitID, error) {
	all, err := e.Git.RevList(dir.source.Bare, newSrc.Hex(), git.ReverseTopological)
	if err != nil {
		return nil, fmt.Errorf("refsync: rev-list %s: %w", newSrc.Hex(), err)
	}

	excluded := map[git.CommitID]bool{}
	addAncestry := func(id git.CommitID) {
		anc, err := e.Git.RevList(dir.source.Bare, id.Hex(), git.ReverseTopological)
		if err != nil {
			return
		}
		for _, a := range anc {
			excluded[a] = true
		}
	}

	if oldSrc != nil {
		addAncestry(*oldSrc)
	} else {
		heads, err := e.Git.NRecentHeads(dir.dest.Bare, recentHeadsSeed)
		if err != nil {
			return nil, fmt.Errorf("refsync: recent heads of %s: %w", dir.dest.Bare, err)
		}
		for _, h := range heads {
			if srcID, ok, err := e.Map.Get(dir.destSide, h); err == nil && ok {
				addAncestry(srcID)
			}
		}
	}

	result := make([]git.CommitID, 0, len(all))
	for _, id := range all {
		if excluded[id] {
			continue
		}
		if ok, err := e.Map.Has(dir.sourceSide, id); err != nil {
			return nil, fmt.Errorf("refsync: check %s: %w", id.Hex(), err)
		} else if ok {
			continue
		}
		result = append(result, id)
	}
	return result, nil
}
