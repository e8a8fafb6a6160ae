package integrity

import (
	"os"
	"path/filepath"
	"testing"
)

const (
	emptyDigest = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	abcDigest   = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
)

func TestSumBytesKnownVectors(t *testing.T) {
	if got := SumBytes(nil); got != emptyDigest {
		t.Fatalf("empty digest mismatch: %s", got)
	}
	if got := SumBytes([]byte("abc")); got != abcDigest {
		t.Fatalf("abc digest mismatch: %s", got)
	}
}

func TestSumFileMatchesSumBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	data := []byte("firmware payload bytes")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	got, err := SumFile(path)
	if err != nil {
		t.Fatalf("sum file: %v", err)
	}
	if got != SumBytes(data) {
		t.Fatalf("file digest %s != bytes digest %s", got, SumBytes(data))
	}
}

func TestSumFileMissing(t *testing.T) {
	if _, err := SumFile(filepath.Join(t.TempDir(), "absent.bin")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
