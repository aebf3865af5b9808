// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package copier implements CommitCopier (spec §4.3): reproducing one
// commit from one side of a sync onto the other, translating parents
// through the commit map and projecting paths through a Filter. It is
// grounded on samsieber/subgit-sync's src/model/copier.rs, translated
// from libgit2's in-process object graph to the exec.Command-based
// git.Port this module uses instead.
package copier

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grailbio/base/log"

	"github.com/grailbio/subgit/commitmap"
	"github.com/grailbio/subgit/git"
	"github.com/grailbio/subgit/pathfilter"
)

// Location is one side's git handles as CommitCopier needs them: a
// bare repository for read-only plumbing (find_commit, diff_tree,
// read_blob, get_refs) and a working clone to stage and commit into.
type Location struct {
	Side    commitmap.Side
	Bare    string
	Working string
}

// Copier copies commits from Source to Dest, recording every
// translation into Map so later copies (and the opposite direction)
// can resolve already-translated parents.
type Copier struct {
	Source Location
	Dest   Location
	Filter pathfilter.Filter
	Map    *commitmap.Map
	Git    git.Port

	// Now stamps CommitMap entries; defaults to time.Now when nil.
	Now func() time.Time
}

func (c *Copier) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// project maps a source-relative path to its destination-relative
// counterpart, choosing ProjectDown or ProjectUp according to which
// side is upstream.
func (c *Copier) project(p string) (string, bool) {
	if c.Source.Side == commitmap.Upstream {
		return c.Filter.ProjectDown(p)
	}
	return c.Filter.ProjectUp(p)
}

// dedupStable drops second-and-later occurrences of a value,
// preserving first-occurrence order (spec §4.3 step 1).
func dedupStable(ids []git.CommitID) []git.CommitID {
	seen := make(map[git.CommitID]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// emptyAnchor resolves the anchor commit SetupBuilder created on the
// destination side (refs/sync/empty), used as the synthetic parent of
// translated root commits.
func (c *Copier) emptyAnchor() (git.CommitID, error) {
	refs, err := c.Git.GetRefs(c.Dest.Bare, "refs/sync/empty")
	if err != nil {
		return git.CommitID{}, fmt.Errorf("copier: resolve empty anchor: %w", err)
	}
	if len(refs) == 0 {
		return git.CommitID{}, fmt.Errorf("copier: refs/sync/empty not found on %s", c.Dest.Bare)
	}
	return refs[0].Target, nil
}

// CopyCommit reproduces sourceSha (which must live on c.Source) onto
// c.Dest, returning the resulting destination commit id. Every parent
// of sourceSha must already be recorded in Map — RefSyncEngine is
// responsible for walking commits in an order that guarantees this.
func (c *Copier) CopyCommit(sourceSha git.CommitID) (git.CommitID, error) {
	sourceCommit, err := c.Git.FindCommit(c.Source.Bare, sourceSha)
	if err != nil {
		return git.CommitID{}, fmt.Errorf("copier: find source commit %s: %w", sourceSha.Hex(), err)
	}

	// Step 1: parent translation.
	destParents := make([]git.CommitID, 0, len(sourceCommit.Parents))
	for _, p := range sourceCommit.Parents {
		dp, ok, err := c.Map.Get(c.Source.Side, p)
		if err != nil {
			return git.CommitID{}, fmt.Errorf("copier: resolve parent %s: %w", p.Hex(), err)
		}
		if !ok {
			return git.CommitID{}, fmt.Errorf("copier: parent %s of %s has no recorded translation", p.Hex(), sourceSha.Hex())
		}
		destParents = append(destParents, dp)
	}
	destParents = dedupStable(destParents)
	if len(destParents) == 0 {
		anchor, err := c.emptyAnchor()
		if err != nil {
			return git.CommitID{}, err
		}
		destParents = append(destParents, anchor)
	}

	// Step 2: merge flattening.
	if len(destParents) == 2 {
		a, b := destParents[0], destParents[1]
		aAncestor, err := c.Git.IsAncestor(c.Dest.Working, a, b)
		if err != nil {
			return git.CommitID{}, fmt.Errorf("copier: is-ancestor %s %s: %w", a.Hex(), b.Hex(), err)
		}
		if aAncestor {
			destParents = []git.CommitID{b}
		} else {
			bAncestor, err := c.Git.IsAncestor(c.Dest.Working, b, a)
			if err != nil {
				return git.CommitID{}, fmt.Errorf("copier: is-ancestor %s %s: %w", b.Hex(), a.Hex(), err)
			}
			if bAncestor {
				destParents = []git.CommitID{a}
			}
		}
	}

	// Step 3: checkout.
	newDestHead := destParents[0]
	if err := c.Git.ResetHard(c.Dest.Working, newDestHead); err != nil {
		return git.CommitID{}, fmt.Errorf("copier: reset %s to %s: %w", c.Dest.Working, newDestHead.Hex(), err)
	}

	// Step 4: diff application.
	var diffBase *git.CommitID
	switch {
	case len(sourceCommit.Parents) == 1:
		diffBase = &sourceCommit.Parents[0]
	case len(sourceCommit.Parents) > 1:
		srcOfFirstDestParent, ok, err := c.Map.Get(c.Dest.Side, destParents[0])
		if err != nil {
			return git.CommitID{}, fmt.Errorf("copier: translate back %s: %w", destParents[0].Hex(), err)
		}
		if !ok {
			return git.CommitID{}, fmt.Errorf("copier: dest parent %s has no recorded source commit", destParents[0].Hex())
		}
		diffBase = &srcOfFirstDestParent
	}

	deltas, err := c.Git.DiffTreeToTree(c.Source.Bare, diffBase, sourceSha)
	if err != nil {
		return git.CommitID{}, fmt.Errorf("copier: diff %s: %w", sourceSha.Hex(), err)
	}

	changes := false
	for _, d := range deltas {
		destPath, ok := c.project(d.Path)
		if !ok {
			continue
		}
		fullPath := filepath.Join(c.Dest.Working, filepath.FromSlash(destPath))
		switch d.Kind {
		case git.Added, git.Modified:
			blob, err := c.Git.ReadBlob(c.Source.Bare, d.BlobID)
			if err != nil {
				return git.CommitID{}, fmt.Errorf("copier: read blob for %s: %w", d.Path, err)
			}
			if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
				return git.CommitID{}, fmt.Errorf("copier: mkdir for %s: %w", destPath, err)
			}
			if err := os.WriteFile(fullPath, blob, 0o644); err != nil {
				return git.CommitID{}, fmt.Errorf("copier: write %s: %w", destPath, err)
			}
			changes = true
		case git.Deleted:
			if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
				return git.CommitID{}, fmt.Errorf("copier: remove %s: %w", destPath, err)
			}
			changes = true
		}
	}

	// Step 5: commit decision. The parent count that matters here is
	// the destination's, post-dedup/post-flattening (|P_dest|) — not
	// the source commit's own parent count. A source merge whose
	// parents dedup or ancestor-flatten down to one destParent, with
	// no filtered change, must reuse that single parent rather than
	// create a spurious no-op commit.
	newDestSha := newDestHead
	if len(destParents) > 1 || changes {
		newDestSha, err = c.Git.CommitWorkdir(c.Dest.Working, "", sourceCommit.Author, sourceCommit.Committer, sourceCommit.Message, destParents)
		if err != nil {
			return git.CommitID{}, fmt.Errorf("copier: commit onto %s: %w", c.Dest.Working, err)
		}
	}

	// Step 6: record.
	if err := c.Map.Put(c.Source.Side, sourceSha, newDestSha, c.now()); err != nil {
		return git.CommitID{}, fmt.Errorf("copier: record %s<->%s: %w", sourceSha.Hex(), newDestSha.Hex(), err)
	}
	log.Debug.Printf("copier: %s %s -> %s %s", c.Source.Side, sourceSha.Hex(), c.Dest.Side, newDestSha.Hex())
	return newDestSha, nil
}
