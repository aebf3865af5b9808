// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package action

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/grailbio/base/log"

	"github.com/grailbio/subgit/git"
	"github.com/grailbio/subgit/settings"
	"github.com/grailbio/subgit/workspace"
)

// RefSyncRequest is one line of a post-receive hook's stdin: a ref
// that moved on the upstream side, from old_upstream_sha to
// new_upstream_sha (spec §4.3's post-receive payload).
type RefSyncRequest struct {
	RefName        string
	OldUpstreamSHA git.CommitID
	NewUpstreamSHA git.CommitID
}

// syncRefsPayload is what a Detacher's parent hands its re-exec'd
// child: the already-parsed, already-filtered requests the parent
// read from stdin before detaching, since the child inherits none of
// the parent's memory the way a real fork() would have.
type syncRefsPayload struct {
	DataRoot string           `json:"data_root"`
	Requests []requestPayload `json:"requests"`
}

type requestPayload struct {
	RefName string `json:"ref_name"`
	Old     string `json:"old_upstream_sha"`
	New     string `json:"new_upstream_sha"`
}

// SyncRefs is the asynchronous upstream-side import triggered by
// post-receive (spec §4.5's stdin-driven action): it detaches from
// the receiving git process and, from the detached child, imports
// every ref whose name matches the configured filters.
type SyncRefs struct {
	DataRoot string
	Requests []RefSyncRequest
	Git      git.Port
	Detacher Detacher
}

func (s SyncRefs) Run() error {
	if payloadPath, ok := DetachedPayloadPath(); ok {
		return s.runDetached(payloadPath)
	}

	st, err := settings.Load(workspace.Paths{Root: s.DataRoot}.SettingsFile())
	if err != nil {
		return fmt.Errorf("action: sync-refs: load settings: %w", err)
	}

	matched := make([]RefSyncRequest, 0, len(s.Requests))
	for _, r := range s.Requests {
		if st.MatchesRef(r.RefName) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		log.Debug.Printf("action: sync-refs: no requested ref matched the configured filters, nothing to do")
		return nil
	}

	payloadPath, err := writePayload(s.DataRoot, matched)
	if err != nil {
		return fmt.Errorf("action: sync-refs: write payload: %w", err)
	}
	if err := s.Detacher.Detach(payloadPath); err != nil {
		return fmt.Errorf("action: sync-refs: detach: %w", err)
	}
	return nil
}

// runDetached is the re-exec'd child's half of SyncRefs: read back
// the payload the parent serialized, open the workspace, and import
// each request in turn.
func (s SyncRefs) runDetached(payloadPath string) error {
	defer os.Remove(payloadPath)

	requests, err := readPayload(payloadPath)
	if err != nil {
		return fmt.Errorf("action: sync-refs: read payload: %w", err)
	}

	h, ok, err := workspace.Open(s.DataRoot, s.Git, nil)
	if err != nil {
		return fmt.Errorf("action: sync-refs: open workspace %s: %w", s.DataRoot, err)
	}
	if !ok {
		return nil
	}
	defer h.Close()

	if err := fetchBothSides(h); err != nil {
		return err
	}

	engine := buildEngine(h)
	for _, r := range requests {
		if h.Settings.MatchesRef(r.RefName) {
			oldID, newID := git.OptionalID(r.OldUpstreamSHA), git.OptionalID(r.NewUpstreamSHA)
			if _, err := engine.Import(r.RefName, oldID, newID); err != nil {
				return fmt.Errorf("action: sync-refs: import %s: %w", r.RefName, err)
			}
		}
	}
	return nil
}

func writePayload(dataRoot string, requests []RefSyncRequest) (string, error) {
	payload := syncRefsPayload{DataRoot: dataRoot}
	for _, r := range requests {
		payload.Requests = append(payload.Requests, requestPayload{
			RefName: r.RefName,
			Old:     r.OldUpstreamSHA.Hex(),
			New:     r.NewUpstreamSHA.Hex(),
		})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "subgit-sync-refs-*.json")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func readPayload(path string) ([]RefSyncRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var payload syncRefsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	requests := make([]RefSyncRequest, 0, len(payload.Requests))
	for _, p := range payload.Requests {
		oldID, err := git.ParseCommitID(p.Old)
		if err != nil {
			return nil, fmt.Errorf("parse old sha %q: %w", p.Old, err)
		}
		newID, err := git.ParseCommitID(p.New)
		if err != nil {
			return nil, fmt.Errorf("parse new sha %q: %w", p.New, err)
		}
		requests = append(requests, RefSyncRequest{RefName: p.RefName, OldUpstreamSHA: oldID, NewUpstreamSHA: newID})
	}
	return requests, nil
}
