package viewer

import (
	"io"
	"strings"
	"testing"
)

func TestFrameReaderParsesFrames(t *testing.T) {
	stream := "data: {\"type\":\"connected\",\"data\":{}}\n\n" +
		": keepalive comment\n\n" +
		"data: {\"type\":\"ping\",\"data\":{}}\n\n"

	fr := newFrameReader(strings.NewReader(stream))

	first, err := fr.Next()
	if err != nil {
		t.Fatalf("reading first frame: %v", err)
	}
	if string(first) != `{"type":"connected","data":{}}` {
		t.Errorf("unexpected first frame: %s", first)
	}

	second, err := fr.Next()
	if err != nil {
		t.Fatalf("reading second frame: %v", err)
	}
	if string(second) != `{"type":"ping","data":{}}` {
		t.Errorf("unexpected second frame: %s", second)
	}

	if _, err := fr.Next(); err != io.EOF {
		t.Errorf("expected EOF at stream end, got %v", err)
	}
}

func TestFrameReaderJoinsMultilineData(t *testing.T) {
	stream := "data: line one\ndata: line two\n\n"
	fr := newFrameReader(strings.NewReader(stream))

	frame, err := fr.Next()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if string(frame) != "line one\nline two" {
		t.Errorf("unexpected frame: %q", frame)
	}
}

func TestFrameReaderSkipsNonDataFields(t *testing.T) {
	stream := "event: message\nid: 42\ndata: payload\nretry: 1000\n\n"
	fr := newFrameReader(strings.NewReader(stream))

	frame, err := fr.Next()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if string(frame) != "payload" {
		t.Errorf("unexpected frame: %q", frame)
	}
}

func TestFrameReaderUnterminatedFinalFrame(t *testing.T) {
	fr := newFrameReader(strings.NewReader("data: trailing\n"))

	frame, err := fr.Next()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	if string(frame) != "trailing" {
		t.Errorf("unexpected frame: %q", frame)
	}
	if _, err := fr.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}
