package buffer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestBufferedFileWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	w, err := NewBufferedFileWriter(path, 64)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}

	// Записи меньше, размером с буфер и больше буфера
	var want bytes.Buffer
	for _, n := range []int{10, 64, 200, 1} {
		chunk := bytes.Repeat([]byte{byte(n)}, n)
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d bytes: %v", n, err)
		}
		want.Write(chunk)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, want.Bytes()) {
		t.Fatalf("file holds %d bytes, expected %d, or content differs", len(got), want.Len())
	}
}

func TestBufferedFileWriterCloseFlushesTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tail.bin")
	w, err := NewBufferedFileWriter(path, 1<<20)
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}

	// Меньше буфера: на диск попадает только при Close
	if _, err := w.Write([]byte("tail-data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "tail-data" {
		t.Fatalf("got %q", got)
	}
}
