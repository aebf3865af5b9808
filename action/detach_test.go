// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package action

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/testutil"

	"github.com/grailbio/subgit/git"
)

func TestPayloadRoundTrips(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	a, err := git.ParseCommitID("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	b, err := git.ParseCommitID("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	if err != nil {
		t.Fatal(err)
	}
	want := []RefSyncRequest{
		{RefName: "refs/heads/master", OldUpstreamSHA: a, NewUpstreamSHA: b},
		{RefName: "refs/heads/feature", OldUpstreamSHA: git.NoSHA(), NewUpstreamSHA: b},
	}

	path, err := writePayload(filepath.Join(dir, "subgit.git", "data"), want)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(path)

	got, err := readPayload(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d requests, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDetachedPayloadPathReflectsEnv(t *testing.T) {
	if _, ok := DetachedPayloadPath(); ok {
		t.Fatal("expected no payload path before the env variable is set")
	}

	os.Setenv("SUBGIT_DETACHED_PAYLOAD", "/tmp/whatever.json")
	defer os.Unsetenv("SUBGIT_DETACHED_PAYLOAD")

	path, ok := DetachedPayloadPath()
	if !ok || path != "/tmp/whatever.json" {
		t.Errorf("got (%q, %v), want (/tmp/whatever.json, true)", path, ok)
	}
}

// TestDetachSpawnsReExecedChild exercises Detacher's re-exec path end
// to end: the child is this same test binary, invoked so it does
// nothing but read the payload path out of its environment and write
// it to a file the parent can observe, standing in for the real
// binary's "detect SyncRefs is detached, resume work" branch.
func TestDetachSpawnsReExecedChild(t *testing.T) {
	if os.Getenv("SUBGIT_DETACH_TEST_CHILD") == "1" {
		path, ok := DetachedPayloadPath()
		if !ok {
			os.Exit(1)
		}
		os.WriteFile(os.Getenv("SUBGIT_DETACH_TEST_OUT"), []byte(path), 0o644)
		os.Exit(0)
	}

	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	out := filepath.Join(dir, "out")
	payload := filepath.Join(dir, "payload.json")
	if err := os.WriteFile(payload, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	self, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	d := Detacher{Argv0: self, Args: []string{"-test.run=TestDetachSpawnsReExecedChild"}}
	os.Setenv("SUBGIT_DETACH_TEST_CHILD", "1")
	defer os.Unsetenv("SUBGIT_DETACH_TEST_CHILD")
	os.Setenv("SUBGIT_DETACH_TEST_OUT", out)
	defer os.Unsetenv("SUBGIT_DETACH_TEST_OUT")

	if err := d.Detach(payload); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(out); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for detached child to write its output")
		}
		time.Sleep(20 * time.Millisecond)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != payload {
		t.Errorf("got payload path %q in child, want %q", got, payload)
	}
}
