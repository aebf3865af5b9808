// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command subgit-hook is installed once per linked upstream/subgit
// pair (at <subgit>/data/hook) and symlinked from both repositories'
// server-side hook paths. Depending on how git invokes it, it acts as
// the subgit's synchronous `update` hook, the upstream's asynchronous
// `post-receive` hook, or (invoked directly, outside of any hook) the
// one-shot Setup bootstrap. See cli.Detect.
package main

import (
	"io"
	"os"

	"github.com/grailbio/base/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/grailbio/subgit/action"
	"github.com/grailbio/subgit/cli"
	"github.com/grailbio/subgit/git"
	"github.com/grailbio/subgit/settings"
	"github.com/grailbio/subgit/workspace"
)

// committerIdentity is the -c user.name/user.email passthrough every
// working clone under data/ needs, since a server-side invocation has
// no ~/.gitconfig to fall back on (SPEC_FULL.md's -config
// passthrough, grounded on grit's own -config flag).
var committerIdentity = []string{"user.name=subgit", "user.email=subgit@localhost"}

func main() {
	log.SetPrefix("")

	env, err := cli.Detect()
	if err != nil {
		log.Fatalf("subgit-hook: %v", err)
	}

	if env.DataRoot != "" {
		configureFileLogging(env.DataRoot)
	}

	hookBinary, err := os.Executable()
	if err != nil {
		log.Fatalf("subgit-hook: locate own executable: %v", err)
	}

	gitPort := git.CLI{Config: committerIdentity}
	deps := cli.Deps{
		Git:            gitPort,
		Detacher:       action.Detacher{},
		HookBinaryPath: hookBinary,
	}

	// A detached SyncRefs child has its stdin wired to /dev/null (see
	// action.Detacher), so it must not re-read the post-receive payload
	// from stdin the way the original invocation did — it resumes
	// directly from the serialized payload file instead.
	if _, ok := action.DetachedPayloadPath(); ok {
		act := action.SyncRefs{DataRoot: env.DataRoot, Git: gitPort}
		if err := act.Run(); err != nil {
			log.Fatalf("subgit-hook: %v", err)
		}
		return
	}

	act, err := env.ParseCommand(os.Args[1:], os.Stdin, deps)
	if err != nil {
		log.Fatalf("subgit-hook: %v", err)
	}
	if err := act.Run(); err != nil {
		log.Fatalf("subgit-hook: %v", err)
	}
}

// configureFileLogging fans log output out to the rotating file named
// by this subgit's persisted layout, in addition to stderr — a server
// hook has no terminal to inspect after the fact the way grit's
// one-shot CLI invocations do.
func configureFileLogging(dataRoot string) {
	paths := workspace.Paths{Root: dataRoot}
	level := settings.LogDebug
	if s, err := settings.Load(paths.SettingsFile()); err == nil && s.FileLogLevel != "" {
		level = s.FileLogLevel
	}
	if level == settings.LogOff {
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   paths.LogFile(),
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
}
