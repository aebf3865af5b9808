// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package git

import (
	"fmt"
	"syscall"

	"github.com/grailbio/base/log"
)

// FileLock is a lightweight POSIX advisory lock over a single file,
// adapted from grit's own (unused in grit itself) flock_unix.go. It
// exists alongside github.com/grailbio/base/flock for call sites that
// only need to serialize a brief critical section - a single
// directory's worth of marker-file writes - rather than the
// context-aware, retry-logging lock flock.T provides for a whole
// workspace.
type FileLock struct {
	path string
	fd   int
}

// NewFileLock returns a lock over path, creating it if necessary on
// the first Lock call.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock blocks until the exclusive lock is acquired.
func (f *FileLock) Lock() error {
	fd, err := syscall.Open(f.path, syscall.O_CREAT|syscall.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("git: open %s: %w", f.path, err)
	}
	f.fd = fd
	for {
		err := syscall.Flock(f.fd, syscall.LOCK_EX)
		if err == nil {
			return nil
		}
		if err == syscall.EINTR {
			continue
		}
		return fmt.Errorf("git: flock %s: %w", f.path, err)
	}
}

// Unlock releases the lock and closes the underlying file descriptor.
func (f *FileLock) Unlock() error {
	err := syscall.Flock(f.fd, syscall.LOCK_UN)
	if cerr := syscall.Close(f.fd); cerr != nil {
		log.Error.Printf("git: close %s: %v", f.path, cerr)
	}
	if err != nil {
		return fmt.Errorf("git: unlock %s: %w", f.path, err)
	}
	return nil
}
