// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package action

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// detachedPayloadEnv carries the serialized SyncRefs payload path from
// a Detacher's parent into the re-exec'd child, standing in for the
// memory a real fork() would have shared.
const detachedPayloadEnv = "SUBGIT_DETACHED_PAYLOAD"

// Detacher re-execs this binary as its own session leader with stdio
// wired to /dev/null, the Go equivalent of the original's
// fork_into_child (subgit-sync/src/util.rs's libc::daemon(1, 0)). Go
// cannot safely fork() a multithreaded process, so detaching here
// means relaunching the binary rather than duplicating it; the
// payload file is how the child recovers the work the parent already
// parsed from stdin.
type Detacher struct {
	// Argv0 overrides the path to re-exec; empty uses os.Args[0].
	Argv0 string
	// Args overrides the arguments passed to the re-exec'd process;
	// nil uses os.Args[1:].
	Args []string
}

// Detach starts a detached copy of this process with
// SUBGIT_DETACHED_PAYLOAD set to payloadPath, then returns as soon as
// the child has started — it does not wait for it to finish.
func (d Detacher) Detach(payloadPath string) error {
	argv0 := d.Argv0
	if argv0 == "" {
		argv0 = os.Args[0]
	}
	args := d.Args
	if args == nil {
		args = os.Args[1:]
	}

	null, err := openDevNull()
	if err != nil {
		return fmt.Errorf("action: open %s: %w", os.DevNull, err)
	}
	defer null.Close()

	cmd := exec.Command(argv0, args...)
	cmd.Env = append(os.Environ(), detachedPayloadEnv+"="+payloadPath)
	cmd.Stdin = null
	cmd.Stdout = null
	cmd.Stderr = null
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("action: detach: %w", err)
	}
	return nil
}

// openDevNull opens /dev/null directly through the unix package
// rather than os.OpenFile, matching the original's use of a raw fd
// rather than a higher-level file handle for the redirected streams.
func openDevNull() (*os.File, error) {
	fd, err := unix.Open(os.DevNull, unix.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), os.DevNull), nil
}

// DetachedPayloadPath reports the payload path left by a Detacher in
// this process's environment, and whether this process is in fact
// running as the detached child.
func DetachedPayloadPath() (string, bool) {
	v, ok := os.LookupEnv(detachedPayloadEnv)
	return v, ok
}
