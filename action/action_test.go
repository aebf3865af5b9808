// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package action

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/testutil"

	"github.com/grailbio/subgit/git"
	"github.com/grailbio/subgit/recursion"
	"github.com/grailbio/subgit/settings"
	"github.com/grailbio/subgit/setup"
)

func shell(t *testing.T, dir, script string) {
	t.Helper()
	cmd := exec.Command("bash", "-e", "-x")
	cmd.Dir = dir
	script = `
		git config --global user.email you@example.com
		git config --global user.name "your name"
	` + script
	cmd.Stdin = strings.NewReader(script)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("script failed: %v\n%s", err, stderr.String())
	}
}

func writeFakeHookBinary(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-hook")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// setupLinkedPair runs the real Setup action end to end, giving every
// other test in this file a live, linked upstream/subgit pair.
func setupLinkedPair(t *testing.T) (upstreamBare, subgitBare string) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "")
	t.Cleanup(cleanup)

	shell(t, dir, `
		git init --bare upstream.git
		git clone upstream.git upstream-work
		cd upstream-work
		mkdir sub
		echo one > sub/file1
		git add .
		git commit -m'first commit'
		git push
	`)

	upstreamBare = filepath.Join(dir, "upstream.git")
	subgitBare = filepath.Join(dir, "subgit.git")
	hookBinary := writeFakeHookBinary(t, dir)

	a := Setup{
		Builder: setup.Builder{Git: git.CLI{}},
		Request: setup.Request{
			UpstreamBarePath:   upstreamBare,
			SubgitBarePath:     subgitBare,
			UpstreamSubdir:     "sub",
			SubgitSubdir:       "",
			RecursionDetection: settings.RecursionDetection{Mode: recursion.Disabled},
			HookBinaryPath:     hookBinary,
		},
		Git: git.CLI{},
	}
	if err := a.Run(); err != nil {
		t.Fatal(err)
	}
	return upstreamBare, subgitBare
}

func TestSetupRunImportsInitialHistory(t *testing.T) {
	_, subgitBare := setupLinkedPair(t)

	var cli git.CLI
	refs, err := cli.GetRefs(subgitBare, "refs/heads/master")
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Fatalf("expected the initial upstream commit to land on subgit master, got %v", refs)
	}
}

func TestUpdateHookRunExportsToUpstream(t *testing.T) {
	upstreamBare, subgitBare := setupLinkedPair(t)
	var cli git.CLI
	dataRoot := filepath.Join(subgitBare, "data")

	dir := filepath.Dir(upstreamBare)
	shell(t, dir, `
		git clone subgit.git subgit-check
		cd subgit-check
		git fetch origin
		git checkout master
		echo two > file1
		git add .
		git commit -m'subgit-side change'
		git push
	`)

	ids, err := cli.RevList(filepath.Join(dir, "subgit-check"), "refs/heads/master", git.ReverseTopological)
	if err != nil {
		t.Fatal(err)
	}
	oldSha := ids[len(ids)-2]
	newSha := ids[len(ids)-1]

	hook := UpdateHook{
		DataRoot: dataRoot,
		RefName:  "refs/heads/master",
		OldSHA:   oldSha,
		NewSHA:   newSha,
		Git:      cli,
	}
	if err := hook.Run(); err != nil {
		t.Fatal(err)
	}

	refs, err := cli.GetRefs(upstreamBare, "refs/heads/master")
	if err != nil {
		t.Fatal(err)
	}
	data, err := cli.ReadBlob(upstreamBare, mustBlob(t, cli, upstreamBare, refs[0].Target, "sub/file1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "two\n" {
		t.Errorf("got sub/file1 %q on upstream after export, want %q", data, "two\n")
	}
}

func TestSyncAllRunImportsNewUpstreamCommits(t *testing.T) {
	upstreamBare, subgitBare := setupLinkedPair(t)
	var cli git.CLI
	dataRoot := filepath.Join(subgitBare, "data")
	dir := filepath.Dir(upstreamBare)

	shell(t, dir, `
		cd upstream-work
		echo two > sub/file1
		git add .
		git commit -m'second commit'
		git push
	`)

	a := SyncAll{DataRoot: dataRoot, Git: cli}
	if err := a.Run(); err != nil {
		t.Fatal(err)
	}

	ids, err := cli.RevList(subgitBare, "refs/sync/empty..refs/heads/master", git.ReverseTopological)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 commits on subgit master after sync-all, got %d", len(ids))
	}
}

func mustBlob(t *testing.T, cli git.CLI, bare string, commit git.CommitID, path string) git.ObjectID {
	t.Helper()
	deltas, err := cli.DiffTreeToTree(bare, nil, commit)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range deltas {
		if d.Path == path {
			return d.BlobID
		}
	}
	t.Fatalf("path %s not found in commit %s", path, commit.Hex())
	return git.ObjectID{}
}
