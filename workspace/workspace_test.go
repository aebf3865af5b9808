// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"

	"github.com/grailbio/subgit/git"
	"github.com/grailbio/subgit/recursion"
	"github.com/grailbio/subgit/settings"
)

func writeSettings(t *testing.T, root string, s settings.Settings) {
	t.Helper()
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.Save((Paths{Root: root}).SettingsFile()); err != nil {
		t.Fatal(err)
	}
}

func TestOpenReturnsLiveHandle(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	writeSettings(t, dir, settings.Settings{
		UpstreamPath:       "/srv/upstream.git",
		SubgitPath:         "/srv/subgit.git",
		RecursionDetection: settings.RecursionDetection{Mode: recursion.Disabled},
		Filters:            settings.DefaultFilters,
	})

	h, ok, err := Open(dir, git.CLI{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a live handle")
	}
	defer h.Close()

	if h.Paths.UpstreamBare() != filepath.Join(dir, "upstream.git") {
		t.Errorf("got %q", h.Paths.UpstreamBare())
	}
}

func TestOpenSuppressedByRecursion(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	writeSettings(t, dir, settings.Settings{
		RecursionDetection: settings.RecursionDetection{Mode: recursion.EnvBased, Name: "SUBGIT_RECURSE", Value: "1"},
		Filters:            settings.DefaultFilters,
	})

	os.Setenv("SUBGIT_RECURSE", "1")
	defer os.Unsetenv("SUBGIT_RECURSE")

	_, ok, err := Open(dir, git.CLI{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected recursion to suppress the open, returning ok=false without a lock")
	}
}

func TestOpenTwiceSerializesOnLock(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	writeSettings(t, dir, settings.Settings{
		RecursionDetection: settings.RecursionDetection{Mode: recursion.Disabled},
		Filters:            settings.DefaultFilters,
	})

	h, ok, err := Open(dir, git.CLI{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a live handle")
	}

	done := make(chan struct{})
	go func() {
		h2, ok, err := Open(dir, git.CLI{}, nil)
		if err != nil {
			t.Error(err)
			close(done)
			return
		}
		if !ok {
			t.Error("expected second Open to eventually succeed")
		} else {
			h2.Close()
		}
		close(done)
	}()

	h.Close()
	<-done
}

func TestPaths(t *testing.T) {
	p := Paths{Root: "/data"}
	cases := map[string]string{
		p.UpstreamBare():    "/data/upstream.git",
		p.LocalBare():       "/data/local.git",
		p.UpstreamWorking(): "/data/upstream",
		p.LocalWorking():    "/data/local",
		p.SettingsFile():    "/data/settings.json",
		p.LockFile():        "/data/lock",
		p.MapFile():         "/data/map.db",
		p.LogFile():         "/data/logs/sync.log",
		p.WhitelistDir():    "/data/whitelist",
		p.HookFile():        "/data/hook",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
