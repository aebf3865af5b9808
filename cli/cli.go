// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cli implements HookDispatcher's entry classification (spec
// §4.5): deciding, from the environment git invokes this binary in,
// whether it is running as the subgit's update hook, the upstream's
// post-receive hook, or a bare Setup invocation, and parsing each
// into the matching action.Action. Grounded on samsieber/subgit-sync's
// ExecEnv (subgit-sync/src/cli.rs).
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/grailbio/subgit/action"
	"github.com/grailbio/subgit/git"
	"github.com/grailbio/subgit/recursion"
	"github.com/grailbio/subgit/settings"
	"github.com/grailbio/subgit/setup"
	"github.com/grailbio/subgit/workspace"
)

// Context classifies which of the three hook call shapes this
// invocation is.
type Context int

const (
	// ContextSubgit is the subgit bare repository's `update` hook.
	ContextSubgit Context = iota
	// ContextUpstream is the upstream bare repository's `post-receive`
	// hook.
	ContextUpstream
	// ContextSetup is a bare invocation outside of any hook, used to
	// bootstrap a new linked pair.
	ContextSetup
)

// ExecEnv carries the classified context plus the paths a hook
// invocation needs to build its Action: the subgit's data root, and
// (for the upstream context) the absolute hook file path, which its
// own two-parent-up layout is derived from.
type ExecEnv struct {
	Context  Context
	DataRoot string
	HookPath string
}

// Detect classifies the current process the way the original's
// ExecEnv::detect does: GIT_DIR or GL_USERNAME being set means git
// invoked us as a hook; otherwise this is a standalone Setup
// invocation. Within a hook, the presence of data/settings.json next
// to GIT_DIR tells subgit and upstream contexts apart, since only the
// subgit bare repository owns a data/ directory directly - the
// upstream side finds its subgit by following the symlinked hook file
// two directories up.
func Detect() (ExecEnv, error) {
	gitDir, hasGitDir := os.LookupEnv("GIT_DIR")
	_, hasGLUsername := os.LookupEnv("GL_USERNAME")
	if !hasGitDir && !hasGLUsername {
		return ExecEnv{Context: ContextSetup}, nil
	}

	cwd := gitDir
	if cwd == "" {
		var err error
		cwd, err = os.Getwd()
		if err != nil {
			return ExecEnv{}, fmt.Errorf("cli: getwd: %w", err)
		}
	}
	gitPath, err := filepath.Abs(cwd)
	if err != nil {
		return ExecEnv{}, fmt.Errorf("cli: resolve %s: %w", cwd, err)
	}
	gitPath, err = filepath.EvalSymlinks(gitPath)
	if err != nil {
		return ExecEnv{}, fmt.Errorf("cli: resolve %s: %w", cwd, err)
	}

	settingsFile := (workspace.Paths{Root: filepath.Join(gitPath, "data")}).SettingsFile()
	if _, err := os.Stat(settingsFile); err == nil {
		return ExecEnv{Context: ContextSubgit, DataRoot: filepath.Join(gitPath, "data")}, nil
	}

	hookPath, err := findSubgitFromHook()
	if err != nil {
		return ExecEnv{}, fmt.Errorf("cli: resolve hook binary: %w", err)
	}
	repoPath := filepath.Dir(filepath.Dir(hookPath))
	upstreamSettings := (workspace.Paths{Root: filepath.Join(repoPath, "data")}).SettingsFile()
	if _, err := os.Stat(upstreamSettings); err != nil {
		return ExecEnv{}, fmt.Errorf("cli: cannot find subgit path from hook %s", hookPath)
	}
	return ExecEnv{Context: ContextUpstream, DataRoot: filepath.Join(repoPath, "data"), HookPath: hookPath}, nil
}

// findSubgitFromHook resolves the real hook binary this process was
// invoked as, following the symlink SetupBuilder installed if the
// invoking path is one (it always is, in production), matching
// find_subgit_from_hook.
func findSubgitFromHook() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	info, err := os.Lstat(exe)
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return exe, nil
	}
	return os.Readlink(exe)
}

// Deps bundles the concrete collaborators ParseCommand wires into
// whichever Action it builds.
type Deps struct {
	Git      git.Port
	Detacher action.Detacher

	// HookBinaryPath is used only by the Setup path: the running
	// executable's own path, installed into data/hook.
	HookBinaryPath string
}

// ParseCommand dispatches on e.Context the way ExecEnv::parse_command
// does: the upstream context reads "old new ref" lines from stdin
// (post-receive's payload) into a SyncRefs action; the subgit context
// dispatches on the number of args, which exclude the program name (a
// single "sync-all", or the update hook's three ref/old/new args); the
// setup context parses args as SetupRequest flags.
func (e ExecEnv) ParseCommand(args []string, stdin io.Reader, deps Deps) (action.Action, error) {
	switch e.Context {
	case ContextUpstream:
		requests, err := parseRefSyncRequests(stdin)
		if err != nil {
			return nil, err
		}
		return action.SyncRefs{DataRoot: e.DataRoot, Requests: requests, Git: deps.Git, Detacher: deps.Detacher}, nil

	case ContextSubgit:
		switch len(args) {
		case 1:
			if args[0] == "sync-all" {
				return action.SyncAll{DataRoot: e.DataRoot, Git: deps.Git}, nil
			}
			return nil, fmt.Errorf("cli: invalid argument %q", args[0])
		case 3:
			oldSHA, err := git.ParseCommitID(args[1])
			if err != nil {
				return nil, fmt.Errorf("cli: parse old sha %q: %w", args[1], err)
			}
			newSHA, err := git.ParseCommitID(args[2])
			if err != nil {
				return nil, fmt.Errorf("cli: parse new sha %q: %w", args[2], err)
			}
			return action.UpdateHook{DataRoot: e.DataRoot, RefName: args[0], OldSHA: oldSHA, NewSHA: newSHA, Git: deps.Git}, nil
		default:
			return nil, fmt.Errorf("cli: unrecognized argument structure: %q", strings.Join(args, " "))
		}

	case ContextSetup:
		req, err := ParseSetupFlags(args)
		if err != nil {
			return nil, err
		}
		req.HookBinaryPath = deps.HookBinaryPath
		return action.Setup{Builder: setup.Builder{Git: deps.Git}, Request: req, Git: deps.Git}, nil

	default:
		return nil, fmt.Errorf("cli: unknown context %v", e.Context)
	}
}

// parseRefSyncRequests reads post-receive's stdin payload, one "old
// new ref" line per updated ref.
func parseRefSyncRequests(r io.Reader) ([]action.RefSyncRequest, error) {
	var requests []action.RefSyncRequest
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("cli: bad post-receive line %q", line)
		}
		oldSHA, err := git.ParseCommitID(fields[0])
		if err != nil {
			return nil, fmt.Errorf("cli: parse old sha %q: %w", fields[0], err)
		}
		newSHA, err := git.ParseCommitID(fields[1])
		if err != nil {
			return nil, fmt.Errorf("cli: parse new sha %q: %w", fields[1], err)
		}
		requests = append(requests, action.RefSyncRequest{RefName: fields[2], OldUpstreamSHA: oldSHA, NewUpstreamSHA: newSHA})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cli: read post-receive stdin: %w", err)
	}
	return requests, nil
}

// ParseSetupFlags parses the Setup invocation's flag surface (spec
// §6.1) with the pflag conventions the rest of the pack uses for
// dual short/long GNU-style flags.
func ParseSetupFlags(args []string) (setup.Request, error) {
	fs := pflag.NewFlagSet("subgit-hook", pflag.ContinueOnError)

	subgitMapPath := fs.StringP("subgit_map_path", "p", "", "path in the subgit repo to place the republished files from upstream")
	logLevel := fs.StringP("log_level", "l", string(settings.LogDebug), "log level to use when logging to file from the hooks")
	logFile := fs.StringP("log_file", "f", "git_subgit_setup.log", "path of the log file to write to during setup")
	upstreamHookPath := fs.StringP("upstream_hook_path", "H", "hooks/post-receive", "hook path to use in the upstream repository")
	subgitHookPath := fs.StringP("subgit_hook_path", "h", "hooks/update", "hook path to use in the subgit repository")
	upstreamURL := fs.StringP("upstream_working_clone_url", "U", "", "external url to push changes to when exporting commits to the upstream")
	subgitURL := fs.StringP("subgit_working_clone_url", "u", "", "external url to push changes to when importing commits into the subgit")
	envBased := fs.StringP("env_based_recursion_detection", "r", "", "NAME:VALUE env variable to look for when detecting recursive hook calls")
	useWhitelist := fs.BoolP("use_whitelist_recursion_detection", "w", false, "use marker files instead of push options or an env variable to detect recursive hook calls")
	matchRef := fs.StringP("match_ref", "m", "refs/heads/,HEAD", "comma-separated list of ref prefixes to synchronize")

	if err := fs.Parse(args); err != nil {
		return setup.Request{}, fmt.Errorf("cli: parse setup flags: %w", err)
	}
	if *envBased != "" && *useWhitelist {
		return setup.Request{}, fmt.Errorf("cli: --env_based_recursion_detection conflicts with --use_whitelist_recursion_detection")
	}
	if fs.NArg() < 3 {
		return setup.Request{}, fmt.Errorf("cli: setup requires upstream_git_location, subgit_git_location and upstream_map_path")
	}

	req := setup.Request{
		UpstreamBarePath:        fs.Arg(0),
		SubgitBarePath:          fs.Arg(1),
		UpstreamSubdir:          fs.Arg(2),
		SubgitSubdir:            *subgitMapPath,
		LogLevel:                settings.LogLevel(*logLevel),
		LogFile:                 *logFile,
		UpstreamHookPath:        *upstreamHookPath,
		SubgitHookPath:          *subgitHookPath,
		UpstreamWorkingCloneURL: *upstreamURL,
		SubgitWorkingCloneURL:   *subgitURL,
		MatchRef:                strings.Split(*matchRef, ","),
	}
	if !req.LogLevel.Valid() {
		return setup.Request{}, fmt.Errorf("cli: invalid --log_level %q", *logLevel)
	}

	switch {
	case *useWhitelist:
		req.RecursionDetection = settings.RecursionDetection{
			Mode: recursion.UpdateWhitelist,
			Path: filepath.Join(req.SubgitBarePath, "data", "whitelist"),
		}
	case *envBased != "":
		name, value, ok := strings.Cut(*envBased, ":")
		if !ok {
			return setup.Request{}, fmt.Errorf("cli: --env_based_recursion_detection must be NAME:VALUE, got %q", *envBased)
		}
		req.RecursionDetection = settings.RecursionDetection{Mode: recursion.EnvBased, Name: name, Value: value}
	default:
		req.RecursionDetection = settings.RecursionDetection{Mode: recursion.PushOption}
	}

	return req, nil
}
