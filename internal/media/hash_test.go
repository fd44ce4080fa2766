// SPDX-License-Identifier: MIT

package media

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPartialHashStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.mkv")
	if err := os.WriteFile(path, []byte("not really matroska"), 0o644); err != nil {
		t.Fatal(err)
	}

	first, err := PartialHash(path)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}
	second, err := PartialHash(path)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first != second {
		t.Fatalf("hash not stable: %s != %s", first, second)
	}
}

func TestPartialHashOnlyReadsPrefix(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mkv")
	b := filepath.Join(dir, "b.mkv")

	prefix := make([]byte, PartialHashSize)
	for i := range prefix {
		prefix[i] = byte(i)
	}
	if err := os.WriteFile(a, append(append([]byte{}, prefix...), 'x'), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, append(append([]byte{}, prefix...), 'y'), 0o644); err != nil {
		t.Fatal(err)
	}

	ha, err := PartialHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := PartialHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatal("hashes should agree when the first 16 KiB agree")
	}
}

func TestPartialHashMissingFile(t *testing.T) {
	if _, err := PartialHash(filepath.Join(t.TempDir(), "gone.mkv")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
