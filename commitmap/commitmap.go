// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package commitmap implements the persistent, bidirectional
// translation table between upstream and subgit commit ids (spec
// §4.1). Storage is a single SQLite database with one table per
// direction, following the original tool's own move off a keyed file
// tree onto rusqlite for transactional multi-row writes.
package commitmap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/grailbio/subgit/git"
)

// Side identifies which repository a commit id belongs to.
type Side int

const (
	Upstream Side = iota
	Subgit
)

func (s Side) String() string {
	switch s {
	case Upstream:
		return "upstream"
	case Subgit:
		return "subgit"
	default:
		return "unknown"
	}
}

// flip returns the opposite side, matching I2: every put also records
// the reverse mapping.
func (s Side) flip() Side {
	if s == Upstream {
		return Subgit
	}
	return Upstream
}

// table returns the SQL table that stores entries keyed by a source
// commit on this side.
func (s Side) table() string {
	switch s {
	case Subgit:
		return "from_local"
	default:
		return "from_upstream"
	}
}

// Map is the persistent commit translation table. A Map value is safe
// for concurrent use; callers that need several puts to commit as one
// unit should use Update.
type Map struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite-backed map at path,
// creating both direction tables if they don't already exist.
func Open(path string) (*Map, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("commitmap: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY under concurrent callers.
	for _, side := range []Side{Upstream, Subgit} {
		stmt := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				source TEXT NOT NULL,
				dest TEXT NOT NULL,
				timestamp DATETIME NOT NULL,
				PRIMARY KEY (source, dest)
			)`, side.table())
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("commitmap: create table %s: %w", side.table(), err)
		}
	}
	return &Map{db: db}, nil
}

// Close releases the underlying database handle.
func (m *Map) Close() error {
	return m.db.Close()
}

// Get returns the latest destination commit recorded for source on
// side, and whether an entry was found at all.
func (m *Map) Get(side Side, source git.CommitID) (dest git.CommitID, ok bool, err error) {
	row := m.db.QueryRow(fmt.Sprintf(`
		SELECT dest FROM %s WHERE source = ? ORDER BY timestamp DESC LIMIT 1
	`, side.table()), source.Hex())
	var hex string
	switch err := row.Scan(&hex); err {
	case nil:
	case sql.ErrNoRows:
		return git.CommitID{}, false, nil
	default:
		return git.CommitID{}, false, fmt.Errorf("commitmap: get %s/%s: %w", side, source.Hex(), err)
	}
	id, err := git.ParseCommitID(hex)
	if err != nil {
		return git.CommitID{}, false, fmt.Errorf("commitmap: corrupt entry %q: %w", hex, err)
	}
	return id, true, nil
}

// Has reports whether source has a recorded translation on side. It
// is the sole basis on which the commit copier skips already-copied
// commits.
func (m *Map) Has(side Side, source git.CommitID) (bool, error) {
	_, ok, err := m.Get(side, source)
	return ok, err
}

// Put records source→dest on side, and the reverse dest→source on the
// opposite side, in a single transaction (I2). now is the recorded
// timestamp; callers pass it explicitly so copy operations can commit
// several entries with a shared wall-clock reading.
func (m *Map) Put(side Side, source, dest git.CommitID, now time.Time) error {
	return m.Update(func(tx *Tx) error {
		return tx.Put(side, source, dest, now)
	})
}

// Tx is a batch of Put calls that commit or roll back together,
// satisfying the CommitMap contract that all writes belonging to one
// ref sync are atomic.
type Tx struct {
	tx *sql.Tx
}

// Put records source→dest on side and dest→source on the flipped
// side, staged within the enclosing transaction.
func (t *Tx) Put(side Side, source, dest git.CommitID, now time.Time) error {
	if err := t.insert(side, source, dest, now); err != nil {
		return err
	}
	return t.insert(side.flip(), dest, source, now)
}

func (t *Tx) insert(side Side, source, dest git.CommitID, now time.Time) error {
	_, err := t.tx.Exec(fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (source, dest, timestamp) VALUES (?, ?, ?)
	`, side.table()), source.Hex(), dest.Hex(), now.UTC())
	if err != nil {
		return fmt.Errorf("commitmap: put %s/%s->%s: %w", side, source.Hex(), dest.Hex(), err)
	}
	return nil
}

// Get reads within the enclosing transaction, seeing any writes
// already staged on it.
func (t *Tx) Get(side Side, source git.CommitID) (dest git.CommitID, ok bool, err error) {
	row := t.tx.QueryRow(fmt.Sprintf(`
		SELECT dest FROM %s WHERE source = ? ORDER BY timestamp DESC LIMIT 1
	`, side.table()), source.Hex())
	var hex string
	switch err := row.Scan(&hex); err {
	case nil:
	case sql.ErrNoRows:
		return git.CommitID{}, false, nil
	default:
		return git.CommitID{}, false, fmt.Errorf("commitmap: get %s/%s: %w", side, source.Hex(), err)
	}
	id, err := git.ParseCommitID(hex)
	if err != nil {
		return git.CommitID{}, false, fmt.Errorf("commitmap: corrupt entry %q: %w", hex, err)
	}
	return id, true, nil
}

// Update runs fn within a single transaction, committing if fn
// returns nil and rolling back otherwise. CommitCopier does not use
// it: it records each copied commit with its own Put, so the entries
// one ref sync produces are committed one copied commit at a time,
// not as a single atomic unit.
func (m *Map) Update(fn func(tx *Tx) error) error {
	sqltx, err := m.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("commitmap: begin transaction: %w", err)
	}
	tx := &Tx{tx: sqltx}
	if err := fn(tx); err != nil {
		sqltx.Rollback()
		return err
	}
	if err := sqltx.Commit(); err != nil {
		return fmt.Errorf("commitmap: commit transaction: %w", err)
	}
	return nil
}
