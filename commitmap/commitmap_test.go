// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package commitmap

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/subgit/git"
	"github.com/grailbio/testutil"
)

func open(t *testing.T) *Map {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "")
	t.Cleanup(cleanup)
	m, err := Open(filepath.Join(dir, "map.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func id(t *testing.T, hex string) git.CommitID {
	t.Helper()
	full := hex + "0000000000000000000000000000000000000000"[len(hex):]
	cid, err := git.ParseCommitID(full)
	if err != nil {
		t.Fatal(err)
	}
	return cid
}

func TestGetMissing(t *testing.T) {
	m := open(t)
	_, ok, err := m.Get(Upstream, id(t, "aaaa"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no entry")
	}
}

func TestPutAndGetBothDirections(t *testing.T) {
	m := open(t)
	src := id(t, "aaaa")
	dst := id(t, "bbbb")
	now := time.Unix(1000, 0)

	if err := m.Put(Upstream, src, dst, now); err != nil {
		t.Fatal(err)
	}

	got, ok, err := m.Get(Upstream, src)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != dst {
		t.Fatalf("Get(Upstream, src) = %v, %v, want %v, true", got, ok, dst)
	}

	got, ok, err = m.Get(Subgit, dst)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != src {
		t.Fatalf("Get(Subgit, dst) = %v, %v, want %v, true", got, ok, src)
	}

	has, err := m.Has(Upstream, src)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("Has(Upstream, src) = false, want true")
	}
}

func TestLatestWins(t *testing.T) {
	m := open(t)
	src := id(t, "aaaa")
	first := id(t, "bbbb")
	second := id(t, "cccc")

	if err := m.Put(Upstream, src, first, time.Unix(1000, 0)); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(Upstream, src, second, time.Unix(2000, 0)); err != nil {
		t.Fatal(err)
	}

	got, ok, err := m.Get(Upstream, src)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != second {
		t.Fatalf("Get(Upstream, src) = %v, want latest write %v", got, second)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	m := open(t)
	src := id(t, "aaaa")
	dst := id(t, "bbbb")

	err := m.Update(func(tx *Tx) error {
		if err := tx.Put(Upstream, src, dst, time.Unix(1000, 0)); err != nil {
			t.Fatal(err)
		}
		return errBoom
	})
	if err != errBoom {
		t.Fatalf("got err %v, want errBoom", err)
	}

	_, ok, err := m.Get(Upstream, src)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected rolled-back write to not be visible")
	}
}

func TestUpdateAtomicAcrossMultiplePuts(t *testing.T) {
	m := open(t)
	now := time.Unix(1000, 0)
	err := m.Update(func(tx *Tx) error {
		if err := tx.Put(Upstream, id(t, "aaaa"), id(t, "bbbb"), now); err != nil {
			return err
		}
		return tx.Put(Upstream, id(t, "cccc"), id(t, "dddd"), now)
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, pair := range [][2]git.CommitID{
		{id(t, "aaaa"), id(t, "bbbb")},
		{id(t, "cccc"), id(t, "dddd")},
	} {
		got, ok, err := m.Get(Upstream, pair[0])
		if err != nil {
			t.Fatal(err)
		}
		if !ok || got != pair[1] {
			t.Fatalf("Get(Upstream, %v) = %v, %v, want %v, true", pair[0], got, ok, pair[1])
		}
	}
}

type boomErr string

func (e boomErr) Error() string { return string(e) }

const errBoom = boomErr("boom")
