// Package parser reads the two output streams of a stay-open ExifTool
// process and cuts them into per-command responses.
//
// Both readers run a goroutine that drains the pipe continuously, so the
// child never blocks on a full pipe:
//
//	stdout -> ChannelReader     chunks, framed by {status..}/{ready..} trailers
//	stderr -> DiagnosticReader  lines, framed by {ready..} echo markers
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/randomizedcoder/go-exiftool-stayopen/internal/exiferr"
	"github.com/randomizedcoder/go-exiftool-stayopen/internal/protocol"
)

const (
	// DefaultChunkSize is the read size for the stdout goroutine.
	DefaultChunkSize = 32 * 1024

	// chunkQueue is the number of chunks buffered between the goroutine
	// and the consumer.
	chunkQueue = 16

	// retainLimit is the buffer capacity kept between responses; larger
	// buffers are released after a big (binary) response.
	retainLimit = 1 << 20
)

type chunk struct {
	data []byte
	err  error
}

// ChannelReader turns the stdout pipe into framed responses. One goroutine
// reads chunks; ReadUntilMarker and ReadBinary consume them from the
// caller's goroutine. Only one consumer may read at a time.
type ChannelReader struct {
	chunks chan chunk
	stop   chan struct{}
	once   sync.Once

	buf       []byte
	scanned   int   // buf[:scanned] holds no marker line
	lineStart int   // start of the incomplete line at scanned
	err       error // sticky terminal error

	bytesRead atomic.Int64
}

// NewChannelReader starts reading r in the background.
func NewChannelReader(r io.Reader, chunkSize int) *ChannelReader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	c := &ChannelReader{
		chunks: make(chan chunk, chunkQueue),
		stop:   make(chan struct{}),
	}
	go c.run(r, chunkSize)
	return c
}

func (c *ChannelReader) run(r io.Reader, chunkSize int) {
	defer close(c.chunks)
	for {
		b := make([]byte, chunkSize)
		n, err := r.Read(b)
		if n > 0 {
			c.bytesRead.Add(int64(n))
			select {
			case c.chunks <- chunk{data: b[:n]}:
			case <-c.stop:
				return
			}
		}
		if err != nil {
			select {
			case c.chunks <- chunk{err: err}:
			case <-c.stop:
			}
			return
		}
	}
}

// Close stops the background goroutine. The underlying reader is owned by
// the process handle and closed there.
func (c *ChannelReader) Close() {
	c.once.Do(func() { close(c.stop) })
}

// BytesRead returns the number of bytes read from the pipe so far.
func (c *ChannelReader) BytesRead() int64 {
	return c.bytesRead.Load()
}

// Buffered returns the number of bytes received but not yet consumed.
func (c *ChannelReader) Buffered() int {
	return len(c.buf)
}

// ReadUntilMarker blocks until the complete trailer of seq has arrived and
// returns everything before it.
func (c *ChannelReader) ReadUntilMarker(ctx context.Context, seq uint64) (*protocol.FramedResponse, error) {
	for {
		t, next, found, err := protocol.ScanTrailer(c.buf, seq, c.lineStart, c.scanned)
		if err != nil {
			return nil, c.malformed("read", seq, err)
		}
		if found {
			resp := &protocol.FramedResponse{
				Seq:      seq,
				Body:     clone(c.buf[:t.BodyEnd]),
				ExitCode: t.ExitCode,
			}
			c.consume()
			return resp, nil
		}
		c.lineStart, c.scanned = next, len(c.buf)
		if err := c.fill(ctx, "read", seq); err != nil {
			return nil, err
		}
	}
}

// ReadBinary blocks until the binary frame of seq is complete and returns
// the payload between the open and close markers verbatim.
func (c *ChannelReader) ReadBinary(ctx context.Context, seq uint64, open, close string) (*protocol.FramedResponse, error) {
	for {
		ps, pe, t, found, err := protocol.FindBinaryTrailer(c.buf, seq, open, close)
		if err != nil {
			return nil, c.malformed("read_binary", seq, err)
		}
		if found {
			bodyEnd := ps - len(open) - 1
			resp := &protocol.FramedResponse{
				Seq:      seq,
				Body:     clone(c.buf[:bodyEnd]),
				ExitCode: t.ExitCode,
				Binary:   true,
				Payload:  clone(c.buf[ps:pe]),
			}
			c.consume()
			return resp, nil
		}
		if err := c.fill(ctx, "read_binary", seq); err != nil {
			return nil, err
		}
	}
}

// fill appends the next chunk to the buffer.
func (c *ChannelReader) fill(ctx context.Context, op string, seq uint64) error {
	if c.err != nil {
		return c.err
	}
	select {
	case ch, ok := <-c.chunks:
		if !ok {
			c.err = c.exited(op, seq, io.EOF)
			return c.err
		}
		if ch.err != nil {
			if errors.Is(ch.err, io.EOF) || errors.Is(ch.err, os.ErrClosed) {
				c.err = c.exited(op, seq, ch.err)
			} else {
				c.err = &exiferr.Error{Kind: exiferr.IO, Op: op, Offset: -1, Err: ch.err}
			}
			return c.err
		}
		c.buf = append(c.buf, ch.data...)
		return nil
	case <-ctx.Done():
		return &exiferr.Error{
			Kind:   exiferr.Timeout,
			Op:     op,
			Detail: fmt.Sprintf("no completion marker for command %d after %d bytes", seq, len(c.buf)),
			Offset: -1,
			Err:    ctx.Err(),
		}
	}
}

func (c *ChannelReader) exited(op string, seq uint64, err error) error {
	return &exiferr.Error{
		Kind:   exiferr.ProcessExited,
		Op:     op,
		Detail: fmt.Sprintf("stream closed before completion marker for command %d (%d bytes pending)", seq, len(c.buf)),
		Offset: -1,
		Err:    err,
	}
}

func (c *ChannelReader) malformed(op string, seq uint64, err error) error {
	return &exiferr.Error{
		Kind:   exiferr.MalformedResponse,
		Op:     op,
		Detail: fmt.Sprintf("command %d", seq),
		Offset: -1,
		Err:    err,
	}
}

// consume drops the bytes of the response just returned. A trailer is
// only accepted at the very end of the buffer, so that is everything.
func (c *ChannelReader) consume() {
	if cap(c.buf) > retainLimit {
		c.buf = nil
	} else {
		c.buf = c.buf[:0]
	}
	c.scanned, c.lineStart = 0, 0
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
