// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package git

import (
	"crypto"
	_ "crypto/sha1"

	"github.com/grailbio/base/digest"
)

// SHA1 is the digester used to represent Git object identifiers.
var SHA1 = digest.Digester(crypto.SHA1)

// ObjectID identifies a git object (commit, tree, or blob) by its
// content hash. CommitID is an alias used wherever the object is
// known to be a commit.
type ObjectID = digest.Digest

// CommitID identifies a single commit.
type CommitID = ObjectID

// noSHAHex is the all-zero sha git uses on the wire to denote branch
// creation or deletion.
const noSHAHex = "0000000000000000000000000000000000000000"

// NoSHA returns the distinguished "no commit" identifier git sends
// for branch creation (old side) or deletion (new side).
func NoSHA() CommitID {
	id, err := SHA1.Parse(noSHAHex)
	if err != nil {
		panic(err)
	}
	return id
}

// IsNoSHA reports whether id is the distinguished "no commit" value.
func IsNoSHA(id CommitID) bool {
	return id == NoSHA()
}

// ParseCommitID parses a 40-character hex string into a CommitID.
func ParseCommitID(s string) (CommitID, error) {
	return SHA1.Parse(s)
}

// OptionalID converts id into a pointer, returning nil when id is the
// no-sha sentinel. This mirrors the wire convention where branch
// creation/deletion is represented by the all-zero sha rather than a
// true absence.
func OptionalID(id CommitID) *CommitID {
	if IsNoSHA(id) {
		return nil
	}
	return &id
}

// EmptyTreeID is the well-known hash of the empty git tree object,
// shared by every git repository regardless of content.
var EmptyTreeID = mustParse("4b825dc642cb6eb9a060e54bf8d69288fbee4904")

func mustParse(s string) ObjectID {
	id, err := SHA1.Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}
