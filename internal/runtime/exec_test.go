package runtime

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestNextExecID(t *testing.T) {
	a := nextExecID()
	b := nextExecID()
	if a == b {
		t.Fatalf("nextExecID returned duplicate: %q", a)
	}
	if !strings.HasPrefix(a, "kiln-exec-") {
		t.Fatalf("nextExecID = %q, want kiln-exec- prefix", a)
	}
}

func TestWatchEOF(t *testing.T) {
	r, done := watchEOF(strings.NewReader("Cargo.toml"))

	select {
	case <-done:
		t.Fatal("done closed before EOF")
	default:
	}

	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "Cargo.toml" {
		t.Fatalf("read %q", b)
	}

	select {
	case <-done:
	default:
		t.Fatal("done not closed after EOF")
	}

	// Reading past EOF again must not close the channel twice.
	if _, err := r.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestWatchEOFNil(t *testing.T) {
	r, done := watchEOF(nil)
	if r != nil || done != nil {
		t.Fatal("nil reader produced a watcher")
	}
}

func TestTee(t *testing.T) {
	var stream, captured bytes.Buffer

	c := &Container{}
	if w := c.tee(&captured); w != &captured {
		t.Fatal("tee without stream wrapped the writer")
	}

	c.stream = &stream
	io.WriteString(c.tee(&captured), "Compiling cli\n")
	if captured.String() != "Compiling cli\n" || stream.String() != "Compiling cli\n" {
		t.Fatalf("captured %q, stream %q", captured.String(), stream.String())
	}
}

func TestOrDiscard(t *testing.T) {
	if orDiscard(nil) != io.Discard {
		t.Fatal("nil writer not replaced")
	}
	var b bytes.Buffer
	if orDiscard(&b) != &b {
		t.Fatal("writer replaced")
	}
}
