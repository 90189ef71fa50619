// Package ioutil holds helpers for consuming upstream HTTP response bodies.
package ioutil

import (
	"fmt"
	"io"
)

// MaxErrorBody bounds how much of an upstream error body is kept as detail.
const MaxErrorBody = 64 << 10

// maxDrain bounds how much is discarded before closing, so a huge body
// closes the connection instead of stalling the caller.
const maxDrain = 256 << 10

// ReadLimited reads up to limit bytes from r as a string. A failed read
// is described in the result rather than dropped.
func ReadLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return string(body)
}

// DrainClose discards what is left of rc and closes it, letting the
// transport reuse the connection.
func DrainClose(rc io.ReadCloser) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, maxDrain))
	return rc.Close()
}
