// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package settings persists the per-subgit configuration written by
// SetupBuilder and read back by every hook invocation (spec §6.3).
// The on-disk format follows the original tool's final iteration
// (subgit-sync/src/model/mod.rs's SETTINGS_FILE), which moved off
// TOML specifically because JSON needed no extra dependency for
// something this simple.
package settings

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/grailbio/subgit/recursion"
)

// LogLevel mirrors the -l/--log_level enum accepted by Setup.
type LogLevel string

const (
	LogOff   LogLevel = "off"
	LogError LogLevel = "error"
	LogWarn  LogLevel = "warn"
	LogInfo  LogLevel = "info"
	LogDebug LogLevel = "debug"
	LogTrace LogLevel = "trace"
)

// Valid reports whether l is one of the recognized level names
// accepted by -l/--log_level.
func (l LogLevel) Valid() bool {
	switch l {
	case LogOff, LogError, LogWarn, LogInfo, LogDebug, LogTrace:
		return true
	default:
		return false
	}
}

// RecursionDetection is the tagged union persisted in settings.json,
// externally tagged the way serde_json renders a Rust enum: a bare
// string for unit variants ("Disabled", "UsePushOptions") and a
// single-key object for struct variants ({"EnvBased": {...}}).
type RecursionDetection struct {
	Mode recursion.Mode

	// Name/Value populate recursion.Guard when Mode == EnvBased.
	Name  string
	Value string
	// Path populates recursion.Guard's WhitelistDir when Mode ==
	// UpdateWhitelist.
	Path string
}

type envBasedPayload struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type updateWhitelistPayload struct {
	Path string `json:"path"`
}

func (r RecursionDetection) MarshalJSON() ([]byte, error) {
	switch r.Mode {
	case recursion.Disabled:
		return json.Marshal("Disabled")
	case recursion.PushOption:
		return json.Marshal("UsePushOptions")
	case recursion.EnvBased:
		return json.Marshal(map[string]envBasedPayload{
			"EnvBased": {Name: r.Name, Value: r.Value},
		})
	case recursion.UpdateWhitelist:
		return json.Marshal(map[string]updateWhitelistPayload{
			"UpdateWhitelist": {Path: r.Path},
		})
	default:
		return nil, fmt.Errorf("settings: unknown recursion detection mode %v", r.Mode)
	}
}

func (r *RecursionDetection) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err == nil {
		switch tag {
		case "Disabled":
			*r = RecursionDetection{Mode: recursion.Disabled}
			return nil
		case "UsePushOptions":
			*r = RecursionDetection{Mode: recursion.PushOption}
			return nil
		default:
			return fmt.Errorf("settings: unknown recursion detection variant %q", tag)
		}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("settings: malformed recursion_detection: %w", err)
	}
	if payload, ok := obj["EnvBased"]; ok {
		var p envBasedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("settings: malformed EnvBased: %w", err)
		}
		*r = RecursionDetection{Mode: recursion.EnvBased, Name: p.Name, Value: p.Value}
		return nil
	}
	if payload, ok := obj["UpdateWhitelist"]; ok {
		var p updateWhitelistPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("settings: malformed UpdateWhitelist: %w", err)
		}
		*r = RecursionDetection{Mode: recursion.UpdateWhitelist, Path: p.Path}
		return nil
	}
	return fmt.Errorf("settings: unrecognized recursion_detection payload %s", data)
}

// Guard builds the recursion.Guard this configuration describes.
func (r RecursionDetection) Guard() recursion.Guard {
	return recursion.Guard{
		Mode:         r.Mode,
		EnvName:      r.Name,
		EnvValue:     r.Value,
		WhitelistDir: r.Path,
	}
}

// Settings is the persisted configuration of one subgit (spec §6.3).
type Settings struct {
	UpstreamPath       string             `json:"upstream_path"`
	SubgitPath         string             `json:"subgit_path"`
	FileLogLevel       LogLevel           `json:"file_log_level"`
	RecursionDetection RecursionDetection `json:"recursion_detection"`
	Filters            []string           `json:"filters"`
}

// DefaultFilters is the ref filter Setup uses when -m/--match_ref is
// not given.
var DefaultFilters = []string{"refs/heads/", "HEAD"}

// MatchesRef reports whether refName is selected by the configured
// ref filters (spec §4.2's RefFilter: any configured prefix matches).
func (s Settings) MatchesRef(refName string) bool {
	for _, prefix := range s.Filters {
		if len(refName) >= len(prefix) && refName[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Load reads and decodes settings.json from path.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: read %s: %w", path, err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return s, nil
}

// Save encodes and writes settings.json to path.
func (s Settings) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	return nil
}
