// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package git

import "bytes"

// scanLine removes and returns the first line from *b, leaving the
// remainder (without the trailing newline) in *b.
func scanLine(b *[]byte) (line []byte) {
	i := bytes.IndexByte(*b, '\n')
	if i < 0 {
		line = *b
		*b = nil
		return
	}
	line = (*b)[:i]
	*b = (*b)[i+1:]
	return
}

// foreach splits b into sections, each beginning with a line that has
// the given prefix, and invokes do on each section in turn (prefix
// line included), splitting multi-line command output into one section
// per logical record. Nothing in this package calls it: the parsers in
// repo.go split their output line by line instead.
func foreach(b []byte, prefix string, do func(section []byte) error) error {
	marker := []byte("\n" + prefix)
	if !bytes.HasPrefix(b, []byte(prefix)) {
		i := bytes.Index(b, marker)
		if i < 0 {
			return nil
		}
		b = b[i+1:]
	}
	for {
		i := bytes.Index(b, marker)
		if i < 0 {
			return do(b)
		}
		if err := do(b[:i]); err != nil {
			return err
		}
		b = b[i+1:]
	}
}
