package viewer

import (
	"bufio"
	"bytes"
	"io"
)

// frameReader extracts event payloads from a text/event-stream body.
// Frames are delimited by a blank line; a frame's payload is the
// concatenation of its "data:" lines. Comment lines and fields other
// than data are skipped.
type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	s := bufio.NewScanner(r)
	// Entries can be up to 10k characters before JSON escaping, so the
	// default 64k token limit is too tight a margin. Allow 1MB frames.
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	return &frameReader{scanner: s}
}

// Next returns the payload of the next complete frame. It blocks on
// the underlying reader and returns io.EOF when the stream ends. Frames
// with no data lines (pure comments) are skipped.
func (fr *frameReader) Next() ([]byte, error) {
	var data [][]byte
	for fr.scanner.Scan() {
		line := fr.scanner.Bytes()
		if len(line) == 0 {
			if len(data) == 0 {
				continue
			}
			return bytes.Join(data, []byte("\n")), nil
		}
		if line[0] == ':' {
			continue
		}
		field, value, found := bytes.Cut(line, []byte(":"))
		if !found || !bytes.Equal(field, []byte("data")) {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		data = append(data, append([]byte(nil), value...))
	}
	if err := fr.scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return bytes.Join(data, []byte("\n")), nil
	}
	return nil, io.EOF
}
