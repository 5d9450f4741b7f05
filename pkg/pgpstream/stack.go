// Package pgpstream composes and tears down layered OpenPGP transform streams.
//
// A stack owns every stream pushed onto it. Close pops and closes them in
// reverse order, so a literal-data trailer is flushed before the compressed
// trailer, which is flushed before the encrypted trailer, which is flushed
// before the armor footer. Each layer writes into a non-closing view of the
// layer below it, so no layer closes its neighbour on its own.
package pgpstream

import (
	"io"

	"gitlab.com/tozd/go/errors"
)

var ErrStackClosed = errors.New("stream stack is closed")

// StreamStack is a LIFO collection of owned closers.
type StreamStack struct {
	closers []io.Closer
	closed  bool
}

// Push transfers ownership of c to the stack.
func (s *StreamStack) Push(c io.Closer) {
	s.closers = append(s.closers, c)
}

func (s *StreamStack) Len() int {
	return len(s.closers)
}

// Close closes every owned stream, last pushed first. Every layer is closed
// even when an earlier one fails; the errors are joined. Calling Close again
// is a no-op.
func (s *StreamStack) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
		s.closers[i] = nil
	}
	s.closers = nil
	return errors.Join(errs...)
}

// WriteStack is a StreamStack whose innermost layer is the stream callers
// write cleartext into.
type WriteStack struct {
	StreamStack
	w io.Writer
}

// NewWriteStack starts a stack on base and takes ownership of it.
func NewWriteStack(base io.WriteCloser) *WriteStack {
	s := &WriteStack{w: base}
	s.Push(base)
	return s
}

func (s *WriteStack) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStackClosed
	}
	return s.w.Write(p)
}

// Top is the current innermost writer.
func (s *WriteStack) Top() io.Writer {
	return s.w
}

// PushWriter makes w the new innermost layer.
func (s *WriteStack) PushWriter(w io.WriteCloser) {
	s.Push(w)
	s.w = w
}

// ReadStack is a StreamStack whose innermost layer yields the decoded bytes.
type ReadStack struct {
	StreamStack
	r io.Reader
}

// NewReadStack starts a stack on base and takes ownership of it.
func NewReadStack(base io.ReadCloser) *ReadStack {
	s := &ReadStack{r: base}
	s.Push(base)
	return s
}

func (s *ReadStack) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStackClosed
	}
	return s.r.Read(p)
}

func (s *ReadStack) Top() io.Reader {
	return s.r
}

// PushReader makes r the innermost layer. When r is also an io.Closer the
// stack takes ownership of it.
func (s *ReadStack) PushReader(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		s.Push(c)
	}
	s.r = r
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NopWriteCloser adapts a writer the stack must not close, such as a
// caller-owned destination.
func NopWriteCloser(w io.Writer) io.WriteCloser {
	return nopWriteCloser{w}
}
