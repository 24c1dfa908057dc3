// Package sse re-frames upstream Server-Sent Events streams so that clients
// only ever receive whole events.
package sse

import (
	"context"
	"errors"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// eventTerminator is appended to every emitted event.
const eventTerminator = "\n\n"

// Reframer accumulates decoded text across chunks and splits it on event
// boundaries ("\r\n\r\n" or "\n\n"). The zero value is ready to use.
type Reframer struct {
	buf strings.Builder
}

// Feed appends text to the buffer and returns the events it completed, each
// terminated with "\n\n". The incomplete tail stays buffered.
func (r *Reframer) Feed(text string) []string {
	r.buf.WriteString(text)
	pending := r.buf.String()

	var events []string
	for {
		idx, n := nextBoundary(pending)
		if idx < 0 {
			break
		}
		events = append(events, pending[:idx]+eventTerminator)
		pending = pending[idx+n:]
	}

	if events != nil {
		r.buf.Reset()
		r.buf.WriteString(pending)
	}
	return events
}

// Flush returns and clears whatever is still buffered.
func (r *Reframer) Flush() string {
	rest := r.buf.String()
	r.buf.Reset()
	return rest
}

// nextBoundary finds the earliest event delimiter in s and returns its index
// and length, or -1 when s holds no complete event.
func nextBoundary(s string) (int, int) {
	crlf := strings.Index(s, "\r\n\r\n")
	lf := strings.Index(s, "\n\n")
	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

// readSize bounds a single upstream read.
const readSize = 32 * 1024

// Pipe reads the SSE body src, re-frames it and writes whole events to dst,
// calling flush after each write. It returns the number of events written.
//
// The body is decoded as UTF-8 with a streaming decoder, so multi-byte
// sequences split across reads are reassembled and invalid bytes become
// U+FFFD. When ctx is canceled src is closed to release the upstream
// connection and the buffered tail is written best-effort; cancellation is
// not reported as an error.
func Pipe(ctx context.Context, dst io.Writer, src io.ReadCloser, flush func()) (int, error) {
	stop := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stop()

	decoded := transform.NewReader(src, unicode.UTF8.NewDecoder())
	var (
		r     Reframer
		count int
		buf   = make([]byte, readSize)
	)

	for {
		n, readErr := decoded.Read(buf)
		if n > 0 {
			events := r.Feed(string(buf[:n]))
			if len(events) > 0 {
				if _, err := io.WriteString(dst, strings.Join(events, "")); err != nil {
					return count, err
				}
				count += len(events)
				flush()
			}
		}
		if readErr == nil {
			continue
		}

		if tail := r.Flush(); tail != "" {
			if _, err := io.WriteString(dst, tail); err == nil {
				count++
				flush()
			}
		}
		if errors.Is(readErr, io.EOF) || ctx.Err() != nil {
			return count, nil
		}
		return count, readErr
	}
}
