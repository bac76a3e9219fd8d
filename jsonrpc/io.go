package jsonrpc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrLineTooLong is returned by LineReader when a line exceeds the configured
// limit. The oversized line is consumed and discarded; the stream remains
// usable for subsequent lines.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// LineReader reads newline-delimited JSON documents from a stream. Partial
// lines with no terminating newline yet are buffered and never delivered
// early.
type LineReader struct {
	reader *bufio.Reader
	limits Limits
}

// NewLineReader creates a new LineReader.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{
		reader: bufio.NewReader(r),
		limits: DefaultLimits(),
	}
}

// SetLimits updates the reader's limits.
func (lr *LineReader) SetLimits(limits Limits) {
	lr.limits = limits
}

// ReadLine returns the next complete line without its line terminator. A
// trailing fragment cut off by EOF is discarded, not delivered as a line.
func (lr *LineReader) ReadLine() ([]byte, error) {
	maxLine := lr.limits.MaxLine
	if maxLine > MaxLineHardLimit {
		maxLine = MaxLineHardLimit
	}

	var line []byte
	for {
		chunk, err := lr.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLine {
			if discardErr := lr.discardToNewline(err); discardErr != nil {
				return nil, discardErr
			}
			return nil, fmt.Errorf("%w: %d > %d", ErrLineTooLong, len(line), maxLine)
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return nil, err
	}

	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// discardToNewline consumes the remainder of an oversized line so the next
// ReadLine starts on a fresh document.
func (lr *LineReader) discardToNewline(lastErr error) error {
	for {
		switch lastErr {
		case nil:
			return nil
		case bufio.ErrBufferFull:
		default:
			return lastErr
		}
		_, lastErr = lr.reader.ReadSlice('\n')
	}
}

// LineWriter writes newline-delimited JSON documents to a stream. Writes are
// serialized so concurrent callers never interleave partial lines.
type LineWriter struct {
	mu     sync.Mutex
	writer io.Writer
	limits Limits
}

// NewLineWriter creates a new LineWriter.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{
		writer: w,
		limits: DefaultLimits(),
	}
}

// SetLimits updates the writer's limits.
func (lw *LineWriter) SetLimits(limits Limits) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.limits = limits
}

// WriteLine writes payload terminated by a single newline, as one Write call.
func (lw *LineWriter) WriteLine(payload []byte) error {
	if bytes.IndexByte(payload, '\n') >= 0 {
		return fmt.Errorf("payload contains embedded newline")
	}

	lw.mu.Lock()
	defer lw.mu.Unlock()

	if len(payload)+1 > lw.limits.MaxLine {
		return fmt.Errorf("%w: %d > %d", ErrLineTooLong, len(payload)+1, lw.limits.MaxLine)
	}

	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	if _, err := lw.writer.Write(buf); err != nil {
		return err
	}
	return nil
}
