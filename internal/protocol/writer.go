package protocol

import (
	"bufio"
	"io"
)

// Writer wraps a bufio.Writer for frame encoding. By default every Write*
// call flushes immediately (autoFlush=true). After SetAutoFlush(false),
// writes accumulate in the buffer until Flush() is called, so a batch of
// replies can share one syscall; internal/server keeps the default.
type Writer struct {
	wr        *bufio.Writer
	autoFlush bool
}

// NewWriter wraps an io.Writer with a frame-oriented Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{wr: bufio.NewWriterSize(w, defaultBufSize), autoFlush: true}
}

// SetAutoFlush controls whether each WriteValue call flushes automatically.
func (w *Writer) SetAutoFlush(on bool) { w.autoFlush = on }

// Flush writes any buffered data to the underlying io.Writer.
func (w *Writer) Flush() error { return w.wr.Flush() }

func (w *Writer) flush() error {
	if w.autoFlush {
		return w.wr.Flush()
	}
	return nil
}

// WriteValue encodes and writes a single frame.
func (w *Writer) WriteValue(v Value) error {
	if _, err := w.wr.Write(Encode(v)); err != nil {
		return err
	}
	return w.flush()
}

// WriteRaw writes pre-encoded bytes directly, used to forward an already
// wire-encoded command to a replica without re-parsing it.
func (w *Writer) WriteRaw(data []byte) error {
	if _, err := w.wr.Write(data); err != nil {
		return err
	}
	return w.flush()
}

// WriteDumpFile streams a snapshot using the write-only DumpFile shape.
func (w *Writer) WriteDumpFile(data []byte) error {
	if _, err := w.wr.Write(EncodeDumpFile(data)); err != nil {
		return err
	}
	return w.flush()
}
