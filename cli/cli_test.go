// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/testutil"

	"github.com/grailbio/subgit/action"
	"github.com/grailbio/subgit/recursion"
	"github.com/grailbio/subgit/settings"
)

func TestParseSetupFlagsDefaults(t *testing.T) {
	req, err := ParseSetupFlags([]string{"/srv/upstream.git", "/srv/subgit.git", "sub"})
	if err != nil {
		t.Fatal(err)
	}
	if req.UpstreamBarePath != "/srv/upstream.git" || req.SubgitBarePath != "/srv/subgit.git" || req.UpstreamSubdir != "sub" {
		t.Errorf("got %+v", req)
	}
	if req.UpstreamHookPath != "hooks/post-receive" || req.SubgitHookPath != "hooks/update" {
		t.Errorf("got hook paths %q/%q, want the documented defaults", req.UpstreamHookPath, req.SubgitHookPath)
	}
	if req.RecursionDetection.Mode != recursion.PushOption {
		t.Errorf("got recursion mode %v, want PushOption as the default", req.RecursionDetection.Mode)
	}
	if len(req.MatchRef) != 2 || req.MatchRef[0] != "refs/heads/" || req.MatchRef[1] != "HEAD" {
		t.Errorf("got match_ref %v, want the documented default", req.MatchRef)
	}
}

func TestParseSetupFlagsWhitelistRecursion(t *testing.T) {
	req, err := ParseSetupFlags([]string{"-w", "/srv/upstream.git", "/srv/subgit.git", "sub"})
	if err != nil {
		t.Fatal(err)
	}
	if req.RecursionDetection.Mode != recursion.UpdateWhitelist {
		t.Errorf("got mode %v, want UpdateWhitelist", req.RecursionDetection.Mode)
	}
	want := filepath.Join("/srv/subgit.git", "data", "whitelist")
	if req.RecursionDetection.Path != want {
		t.Errorf("got whitelist path %q, want %q", req.RecursionDetection.Path, want)
	}
}

func TestParseSetupFlagsEnvBasedRecursion(t *testing.T) {
	req, err := ParseSetupFlags([]string{"-r", "GL_USERNAME:git", "/srv/upstream.git", "/srv/subgit.git", "sub"})
	if err != nil {
		t.Fatal(err)
	}
	if req.RecursionDetection.Mode != recursion.EnvBased || req.RecursionDetection.Name != "GL_USERNAME" || req.RecursionDetection.Value != "git" {
		t.Errorf("got %+v", req.RecursionDetection)
	}
}

func TestParseSetupFlagsRejectsConflictingRecursionFlags(t *testing.T) {
	_, err := ParseSetupFlags([]string{"-w", "-r", "GL_USERNAME:git", "/srv/upstream.git", "/srv/subgit.git", "sub"})
	if err == nil {
		t.Fatal("expected an error combining -w and -r")
	}
}

func TestParseSetupFlagsRejectsBadLogLevel(t *testing.T) {
	_, err := ParseSetupFlags([]string{"-l", "extremely-verbose", "/srv/upstream.git", "/srv/subgit.git", "sub"})
	if err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}

func TestParseCommandSubgitSyncAll(t *testing.T) {
	e := ExecEnv{Context: ContextSubgit, DataRoot: "/data"}
	a, err := e.ParseCommand([]string{"sync-all"}, strings.NewReader(""), Deps{})
	if err != nil {
		t.Fatal(err)
	}
	sa, ok := a.(action.SyncAll)
	if !ok {
		t.Fatalf("got %T, want action.SyncAll", a)
	}
	if sa.DataRoot != "/data" {
		t.Errorf("got data root %q", sa.DataRoot)
	}
}

func TestParseCommandSubgitUpdateHook(t *testing.T) {
	e := ExecEnv{Context: ContextSubgit, DataRoot: "/data"}
	oldSHA := strings.Repeat("a", 40)
	newSHA := strings.Repeat("b", 40)
	a, err := e.ParseCommand([]string{"refs/heads/master", oldSHA, newSHA}, strings.NewReader(""), Deps{})
	if err != nil {
		t.Fatal(err)
	}
	uh, ok := a.(action.UpdateHook)
	if !ok {
		t.Fatalf("got %T, want action.UpdateHook", a)
	}
	if uh.RefName != "refs/heads/master" || uh.OldSHA.Hex() != oldSHA || uh.NewSHA.Hex() != newSHA {
		t.Errorf("got %+v", uh)
	}
}

func TestParseCommandUpstreamReadsStdin(t *testing.T) {
	e := ExecEnv{Context: ContextUpstream, DataRoot: "/data"}
	oldSHA := strings.Repeat("a", 40)
	newSHA := strings.Repeat("b", 40)
	stdin := strings.NewReader(oldSHA + " " + newSHA + " refs/heads/master\n")
	a, err := e.ParseCommand(nil, stdin, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	sr, ok := a.(action.SyncRefs)
	if !ok {
		t.Fatalf("got %T, want action.SyncRefs", a)
	}
	if len(sr.Requests) != 1 || sr.Requests[0].RefName != "refs/heads/master" {
		t.Errorf("got requests %+v", sr.Requests)
	}
}

func TestDetectFallsBackToSetupOutsideAHook(t *testing.T) {
	os.Unsetenv("GIT_DIR")
	os.Unsetenv("GL_USERNAME")
	e, err := Detect()
	if err != nil {
		t.Fatal(err)
	}
	if e.Context != ContextSetup {
		t.Errorf("got context %v, want ContextSetup", e.Context)
	}
}

func TestDetectRecognizesSubgitContext(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	writeSettings(t, dir)

	os.Setenv("GIT_DIR", dir)
	defer os.Unsetenv("GIT_DIR")

	e, err := Detect()
	if err != nil {
		t.Fatal(err)
	}
	if e.Context != ContextSubgit {
		t.Errorf("got context %v, want ContextSubgit", e.Context)
	}
}

func writeSettings(t *testing.T, gitDir string) {
	t.Helper()
	dataDir := filepath.Join(gitDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}
	s := settings.Settings{Filters: settings.DefaultFilters, RecursionDetection: settings.RecursionDetection{Mode: recursion.Disabled}}
	if err := s.Save(filepath.Join(dataDir, "settings.json")); err != nil {
		t.Fatal(err)
	}
}
