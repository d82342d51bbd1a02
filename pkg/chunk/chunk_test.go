package chunk

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func concat(chunks []Chunk) []byte {
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c.Data)
	}
	return buf.Bytes()
}

func TestSplitBytesRoundTrip(t *testing.T) {
	data := make([]byte, 5*AvgSize)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	chunks, err := SplitBytes(data)
	if err != nil {
		t.Fatalf("SplitBytes: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for %d bytes, got %d", len(data), len(chunks))
	}

	if !bytes.Equal(concat(chunks), data) {
		t.Fatal("concatenated chunks do not reproduce input")
	}

	for _, c := range chunks {
		if c.Hash != Sum(c.Data) {
			t.Fatalf("chunk hash does not match its data")
		}
		if len(c.Data) > MaxSize {
			t.Fatalf("chunk exceeds MaxSize: %d", len(c.Data))
		}
	}
}

func TestSplitEmpty(t *testing.T) {
	chunks, err := SplitBytes(nil)
	if err != nil {
		t.Fatalf("SplitBytes(nil): %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty input, got %d", len(chunks))
	}
}

func TestSplitShortBuffer(t *testing.T) {
	data := []byte("hello, webpub")
	chunks, err := SplitBytes(data)
	if err != nil {
		t.Fatalf("SplitBytes: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected exactly one chunk for short buffer, got %d", len(chunks))
	}
	if !bytes.Equal(chunks[0].Data, data) {
		t.Fatal("short-buffer chunk does not match input")
	}
}

func TestSplitPrefixStability(t *testing.T) {
	base := make([]byte, 6*AvgSize)
	if _, err := rand.Read(base); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	extended := append(append([]byte{}, base...), []byte("trailer bytes appended after the shared prefix")...)

	chunksBase, err := SplitBytes(base)
	if err != nil {
		t.Fatalf("SplitBytes(base): %v", err)
	}
	chunksExt, err := SplitBytes(extended)
	if err != nil {
		t.Fatalf("SplitBytes(extended): %v", err)
	}

	// All chunks fully contained within the shared prefix must agree.
	n := len(chunksBase)
	if len(chunksBase) > 0 {
		// The last chunk of base may extend past len(base) only if base
		// itself was the whole stream; since extended shares the prefix
		// exactly, all but possibly the final base chunk must match
		// byte-for-byte in content and position.
		n = len(chunksBase) - 1
	}
	for i := 0; i < n; i++ {
		if chunksBase[i].Hash != chunksExt[i].Hash {
			t.Fatalf("chunk %d boundary diverged under prefix extension", i)
		}
	}
}
