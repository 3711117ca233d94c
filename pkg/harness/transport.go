package harness

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Transport frames newline-delimited JSON over a process's stdio. Writes
// hold a mutex for the whole line so concurrent senders can never interleave
// mid-line (single-writer stdio discipline).
type Transport struct {
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex
}

// NewTransport creates a transport over the given reader and writer.
func NewTransport(reader io.Reader, writer io.Writer) *Transport {
	return &Transport{
		reader: bufio.NewReader(reader),
		writer: writer,
	}
}

// ReadLine reads one raw frame. Empty lines are skipped.
func (t *Transport) ReadLine() (json.RawMessage, error) {
	for {
		line, err := t.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(trimLine(line)) > 0 {
				// Final frame without trailing newline.
				return json.RawMessage(trimLine(line)), nil
			}
			return nil, err
		}

		line = trimLine(line)
		if len(line) == 0 {
			continue
		}
		return json.RawMessage(line), nil
	}
}

func trimLine(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line
}

// WriteFrame marshals msg and writes it as one line. Thread-safe.
func (t *Transport) WriteFrame(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if _, err := t.writer.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}
