// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package git

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/log"
)

// CLI is a Port implementation that shells out to the "git" binary
// found on PATH, exactly the way grit's Repo issues every operation
// through a single gitIO chokepoint.
//
// Config carries "key=value" pairs applied via -c ahead of every
// invocation, the same passthrough grit's own -config flag gives its
// gitIO calls (main.go) — server-side working clones under data/
// have no ~/.gitconfig to supply user.name/user.email, so the caller
// (cmd/subgit-hook's main) sets Config accordingly.
type CLI struct {
	Config []string
}

var _ Port = CLI{}

func (c CLI) configArgs() []string {
	args := make([]string, 0, 2*len(c.Config))
	for _, kv := range c.Config {
		args = append(args, "-c", kv)
	}
	return args
}

func (c CLI) run(dir string, stdin []byte, arg ...string) ([]byte, error) {
	var in io.Reader
	if stdin != nil {
		in = bytes.NewReader(stdin)
	}
	var out bytes.Buffer
	args := append([]string{"-C", dir}, c.configArgs()...)
	args = append(args, arg...)
	cmd := exec.Command("git", args...)
	cmd.Stdin = in
	cmd.Stdout = &out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	log.Debug.Printf("%s: git %s", dir, strings.Join(arg, " "))
	if err := cmd.Run(); err != nil {
		outerr := stderr.String()
		if outerr != "" {
			outerr = "\n" + outerr
		}
		return nil, fmt.Errorf("%s: git %s: %w%s", dir, strings.Join(arg, " "), err, outerr)
	}
	return out.Bytes(), nil
}

func (c CLI) runWithEnv(dir string, env []string, stdin []byte, arg ...string) ([]byte, error) {
	var in io.Reader
	if stdin != nil {
		in = bytes.NewReader(stdin)
	}
	var out bytes.Buffer
	args := append([]string{"-C", dir}, c.configArgs()...)
	args = append(args, arg...)
	cmd := exec.Command("git", args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = in
	cmd.Stdout = &out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	log.Debug.Printf("%s: git %s (env %v)", dir, strings.Join(arg, " "), env)
	if err := cmd.Run(); err != nil {
		outerr := stderr.String()
		if outerr != "" {
			outerr = "\n" + outerr
		}
		return nil, fmt.Errorf("%s: git %s: %w%s", dir, strings.Join(arg, " "), err, outerr)
	}
	return out.Bytes(), nil
}

func pushOptionArgs(opts []string) []string {
	args := make([]string, 0, 2*len(opts))
	for _, o := range opts {
		args = append(args, "-o", o)
	}
	return args
}

func (c CLI) FetchAll(workdir string) error {
	_, err := c.run(workdir, nil, "fetch", "--all", "--prune")
	return err
}

func (c CLI) Push(workdir, refspec string, force bool, pushOptions []string) error {
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, pushOptionArgs(pushOptions)...)
	args = append(args, "origin", refspec)
	_, err := c.run(workdir, nil, args...)
	return err
}

func (c CLI) DeleteRemoteRef(workdir, ref string, pushOptions []string) error {
	args := []string{"push"}
	args = append(args, pushOptionArgs(pushOptions)...)
	args = append(args, "origin", ":"+ref)
	_, err := c.run(workdir, nil, args...)
	return err
}

func orderFlags(order Order) []string {
	switch order {
	case ReverseTopologicalByTime:
		return []string{"--topo-order", "--reverse", "--date-order"}
	default:
		return []string{"--topo-order", "--reverse"}
	}
}

func (c CLI) RevList(workdir, revRange string, order Order) ([]CommitID, error) {
	args := append([]string{"rev-list"}, orderFlags(order)...)
	args = append(args, revRange)
	out, err := c.run(workdir, nil, args...)
	if err != nil {
		return nil, err
	}
	var ids []CommitID
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		id, err := ParseCommitID(line)
		if err != nil {
			return nil, fmt.Errorf("rev-list: bad sha %q: %w", line, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c CLI) CommitEmpty(workdir, ref string, author, committer Signature, message string, parents []CommitID) (CommitID, error) {
	args := []string{"commit-tree", EmptyTreeID.Hex()}
	for _, p := range parents {
		args = append(args, "-p", p.Hex())
	}
	args = append(args, "-m", message)
	env := []string{
		"GIT_AUTHOR_NAME=" + author.Name,
		"GIT_AUTHOR_EMAIL=" + author.Email,
		"GIT_AUTHOR_DATE=" + author.When.Format("Mon, 2 Jan 2006 15:04:05 -0700"),
		"GIT_COMMITTER_NAME=" + committer.Name,
		"GIT_COMMITTER_EMAIL=" + committer.Email,
		"GIT_COMMITTER_DATE=" + committer.When.Format("Mon, 2 Jan 2006 15:04:05 -0700"),
	}
	out, err := c.runWithEnv(workdir, env, nil, args...)
	if err != nil {
		return CommitID{}, err
	}
	id, err := ParseCommitID(strings.TrimSpace(string(out)))
	if err != nil {
		return CommitID{}, fmt.Errorf("commit-tree: bad sha %q: %w", out, err)
	}
	if ref != "" {
		if _, err := c.run(workdir, nil, "update-ref", ref, id.Hex()); err != nil {
			return CommitID{}, err
		}
	}
	return id, nil
}

func (c CLI) ResetHard(workdir string, id CommitID) error {
	if _, err := c.run(workdir, nil, "checkout", "--detach", id.Hex()); err != nil {
		return err
	}
	_, err := c.run(workdir, nil, "reset", "--hard", id.Hex())
	return err
}

func (c CLI) CommitWorkdir(workdir, ref string, author, committer Signature, message string, parents []CommitID) (CommitID, error) {
	if _, err := c.run(workdir, nil, "add", "-A", "."); err != nil {
		return CommitID{}, err
	}
	treeOut, err := c.run(workdir, nil, "write-tree")
	if err != nil {
		return CommitID{}, err
	}
	tree, err := ParseCommitID(strings.TrimSpace(string(treeOut)))
	if err != nil {
		return CommitID{}, fmt.Errorf("write-tree: bad sha %q: %w", treeOut, err)
	}

	args := []string{"commit-tree", tree.Hex()}
	for _, p := range parents {
		args = append(args, "-p", p.Hex())
	}
	args = append(args, "-m", message)
	env := []string{
		"GIT_AUTHOR_NAME=" + author.Name,
		"GIT_AUTHOR_EMAIL=" + author.Email,
		"GIT_AUTHOR_DATE=" + author.When.Format("Mon, 2 Jan 2006 15:04:05 -0700"),
		"GIT_COMMITTER_NAME=" + committer.Name,
		"GIT_COMMITTER_EMAIL=" + committer.Email,
		"GIT_COMMITTER_DATE=" + committer.When.Format("Mon, 2 Jan 2006 15:04:05 -0700"),
	}
	out, err := c.runWithEnv(workdir, env, nil, args...)
	if err != nil {
		return CommitID{}, err
	}
	id, err := ParseCommitID(strings.TrimSpace(string(out)))
	if err != nil {
		return CommitID{}, fmt.Errorf("commit-tree: bad sha %q: %w", out, err)
	}
	if ref != "" {
		if _, err := c.run(workdir, nil, "update-ref", ref, id.Hex()); err != nil {
			return CommitID{}, err
		}
	}
	if _, err := c.run(workdir, nil, "reset", "--hard", id.Hex()); err != nil {
		return CommitID{}, err
	}
	return id, nil
}

func (c CLI) FindCommit(bare string, id CommitID) (Commit, error) {
	out, err := c.run(bare, nil, "cat-file", "commit", id.Hex())
	if err != nil {
		return Commit{}, err
	}
	return parseCommit(id, out)
}

func parseCommit(id CommitID, raw []byte) (Commit, error) {
	commit := Commit{ID: id}
	for {
		line := scanLine(&raw)
		if len(line) == 0 {
			break
		}
		fields := strings.SplitN(string(line), " ", 2)
		if len(fields) != 2 {
			return Commit{}, fmt.Errorf("malformed commit header %q", line)
		}
		key, value := fields[0], fields[1]
		switch key {
		case "tree":
			tid, err := ParseCommitID(value)
			if err != nil {
				return Commit{}, err
			}
			commit.Tree = tid
		case "parent":
			pid, err := ParseCommitID(value)
			if err != nil {
				return Commit{}, err
			}
			commit.Parents = append(commit.Parents, pid)
		case "author":
			sig, err := parseSignature(value)
			if err != nil {
				return Commit{}, err
			}
			commit.Author = sig
		case "committer":
			sig, err := parseSignature(value)
			if err != nil {
				return Commit{}, err
			}
			commit.Committer = sig
		}
	}
	commit.Message = string(raw)
	commit.Message = strings.TrimSuffix(commit.Message, "\n")
	return commit, nil
}

// parseSignature parses a line of the form "Name <email> 1234567 +0000".
func parseSignature(s string) (Signature, error) {
	open := strings.LastIndex(s, "<")
	close := strings.LastIndex(s, ">")
	if open < 0 || close < open {
		return Signature{}, fmt.Errorf("malformed signature %q", s)
	}
	name := strings.TrimSpace(s[:open])
	email := s[open+1 : close]
	rest := strings.Fields(s[close+1:])
	var when time.Time
	if len(rest) == 2 {
		secs, err := strconv.ParseInt(rest[0], 10, 64)
		if err == nil {
			when = time.Unix(secs, 0)
			if loc, err := parseGitOffset(rest[1]); err == nil {
				when = when.In(loc)
			}
		}
	}
	return Signature{Name: name, Email: email, When: when}, nil
}

func parseGitOffset(s string) (*time.Location, error) {
	if len(s) != 5 {
		return nil, fmt.Errorf("bad offset %q", s)
	}
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	hh, err := strconv.Atoi(s[1:3])
	if err != nil {
		return nil, err
	}
	mm, err := strconv.Atoi(s[3:5])
	if err != nil {
		return nil, err
	}
	return time.FixedZone(s, sign*(hh*3600+mm*60)), nil
}

func (c CLI) DiffTreeToTree(bare string, a *CommitID, b CommitID) ([]Delta, error) {
	base := EmptyTreeID.Hex()
	if a != nil {
		base = a.Hex()
	}
	out, err := c.run(bare, nil, "diff-tree", "-r", "--raw", "--no-renames", base, b.Hex())
	if err != nil {
		return nil, err
	}
	var deltas []Delta
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		d, err := parseRawDiffLine(line)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}

// parseRawDiffLine parses a single line of "git diff-tree --raw" output:
//
//	:100644 100644 <old-blob> <new-blob> M\t<path>
func parseRawDiffLine(line string) (Delta, error) {
	tab := strings.IndexByte(line, '\t')
	if tab < 0 {
		return Delta{}, fmt.Errorf("malformed diff-tree line %q", line)
	}
	meta := strings.Fields(line[:tab])
	path := line[tab+1:]
	if len(meta) < 5 {
		return Delta{}, fmt.Errorf("malformed diff-tree line %q", line)
	}
	status := meta[4][0]
	d := Delta{Path: path}
	switch status {
	case 'A':
		d.Kind = Added
	case 'M', 'T':
		d.Kind = Modified
	case 'D':
		d.Kind = Deleted
	default:
		return Delta{}, fmt.Errorf("unsupported diff-tree status %q for %q", meta[4], path)
	}
	if d.Kind != Deleted {
		id, err := ParseCommitID(meta[3])
		if err != nil {
			return Delta{}, err
		}
		d.BlobID = id
	}
	return d, nil
}

func (c CLI) ReadBlob(bare string, id ObjectID) ([]byte, error) {
	return c.run(bare, nil, "cat-file", "blob", id.Hex())
}

func (c CLI) GetRefs(bare, glob string) ([]Ref, error) {
	out, err := c.run(bare, nil, "for-each-ref", "--format=%(refname) %(objectname)", glob)
	if err != nil {
		return nil, err
	}
	var refs []Ref
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed for-each-ref line %q", line)
		}
		id, err := ParseCommitID(fields[1])
		if err != nil {
			return nil, err
		}
		refs = append(refs, Ref{Name: fields[0], Target: id})
	}
	return refs, nil
}

func (c CLI) IsAncestor(workdir string, a, b CommitID) (bool, error) {
	_, err := c.run(workdir, nil, "merge-base", "--is-ancestor", a.Hex(), b.Hex())
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if asExitError(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

func asExitError(err error, target **exec.ExitError) bool {
	type causer interface{ Unwrap() error }
	for err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			*target = ee
			return true
		}
		c, ok := err.(causer)
		if !ok {
			return false
		}
		err = c.Unwrap()
	}
	return false
}

func (c CLI) NRecentHeads(bare string, n int) ([]CommitID, error) {
	out, err := c.run(bare, nil, "for-each-ref",
		"--sort=-committerdate", "--count="+strconv.Itoa(n),
		"--format=%(objectname)", "refs/heads/")
	if err != nil {
		return nil, err
	}
	var ids []CommitID
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		id, err := ParseCommitID(line)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c CLI) GetPushOptions() []string {
	countStr := os.Getenv("GIT_PUSH_OPTION_COUNT")
	if countStr == "" {
		return nil
	}
	n, err := strconv.Atoi(countStr)
	if err != nil {
		return nil
	}
	opts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		opts = append(opts, os.Getenv(fmt.Sprintf("GIT_PUSH_OPTION_%d", i)))
	}
	return opts
}
