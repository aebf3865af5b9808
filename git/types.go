// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package git implements the GitPort boundary (spec §6.5): the set of
// git plumbing operations the synchronization core is built on. Every
// exported operation here is a thin, fatal-on-programmer-error wrapper
// around an invocation of the "git" binary, in the style of grit's own
// git package: one exec.Command per operation, stderr captured into
// the returned error.
package git

import "time"

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Commit is the subset of commit metadata the copier needs to
// reproduce a commit on the destination side.
type Commit struct {
	ID        CommitID
	Tree      ObjectID
	Parents   []CommitID
	Author    Signature
	Committer Signature
	Message   string
}

// DeltaKind classifies a single file change within a ChangeSet.
type DeltaKind int

const (
	Added DeltaKind = iota
	Modified
	Deleted
)

func (k DeltaKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Delta is one entry of a ChangeSet: a single path changed by a
// commit relative to its diff base.
type Delta struct {
	Path   string
	Kind   DeltaKind
	BlobID ObjectID // zero for Deleted
}

// Ref is a named pointer to a commit.
type Ref struct {
	Name   string
	Target CommitID
}

// Order selects the traversal order used by RevList.
type Order int

const (
	// ReverseTopological visits parents before children, breaking
	// ties arbitrarily. This is the order RefSyncEngine needs to copy
	// commits in an order where every commit's parents have already
	// been copied.
	ReverseTopological Order = iota
	// ReverseTopologicalByTime is ReverseTopological with commit time
	// as the tie-breaker, used to find the single earliest commit in
	// a repository (SetupBuilder's anchor author/committer seed).
	ReverseTopologicalByTime
)

// Port is the abstract git dependency the synchronization core is
// built against (spec §6.5). CLI is the concrete implementation.
type Port interface {
	FetchAll(workdir string) error
	Push(workdir, refspec string, force bool, pushOptions []string) error
	DeleteRemoteRef(workdir, ref string, pushOptions []string) error
	RevList(workdir, revRange string, order Order) ([]CommitID, error)
	CommitEmpty(workdir, ref string, author, committer Signature, message string, parents []CommitID) (CommitID, error)
	FindCommit(bare string, id CommitID) (Commit, error)
	DiffTreeToTree(bare string, a *CommitID, b CommitID) ([]Delta, error)
	ReadBlob(bare string, id ObjectID) ([]byte, error)
	GetRefs(bare, glob string) ([]Ref, error)
	IsAncestor(workdir string, a, b CommitID) (bool, error)
	NRecentHeads(bare string, n int) ([]CommitID, error)
	GetPushOptions() []string

	// ResetHard hard-resets workdir's working tree to id, the concrete
	// plumbing behind CommitCopier's checkout step (spec §4.3 step 3).
	// This isn't part of the abstract GitPort surface spec.md names
	// (§6.5 scopes the abstraction to what the distilled core demands),
	// but a working implementation needs a way to actually stage the
	// tree a commit is built from.
	ResetHard(workdir string, id CommitID) error
	// CommitWorkdir stages every change present in workdir (add + rm)
	// and commits the result with the given parents, author, committer
	// and message, updating ref. It is CommitCopier's diff-application
	// commit step (spec §4.3 steps 4-5); CommitEmpty alone only covers
	// the anchor-commit case where the tree is always empty.
	CommitWorkdir(workdir, ref string, author, committer Signature, message string, parents []CommitID) (CommitID, error)
}
