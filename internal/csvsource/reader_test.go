package csvsource

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"
)

func TestBOMReader(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{name: "file with BOM", input: append([]byte{0xEF, 0xBB, 0xBF}, "a,b"...), expected: "a,b"},
		{name: "file without BOM", input: []byte("a,b"), expected: "a,b"},
		{name: "empty file", input: []byte{}, expected: ""},
		{name: "only BOM", input: []byte{0xEF, 0xBB, 0xBF}, expected: ""},
		{name: "short file", input: []byte("a"), expected: "a"},
		{name: "partial BOM", input: []byte{0xEF, 0xBB, 'x'}, expected: string([]byte{0xEF, 0xBB, 'x'})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(newBOMReader(bytes.NewReader(tt.input)))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSanitizer(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		oneByte  bool
		expected string
	}{
		{name: "ascii", input: []byte("a,b"), expected: "a,b"},
		{name: "multibyte", input: []byte("crème,brûlée"), expected: "crème,brûlée"},
		{name: "invalid byte", input: []byte{'h', 'e', 0x80, 'l', 'o'}, expected: "he?lo"},
		{name: "rune split across reads", input: []byte("né"), oneByte: true, expected: "né"},
		{name: "truncated rune at end", input: []byte{'a', 0xC3}, expected: "a?"},
		{name: "empty", input: []byte{}, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r io.Reader = bytes.NewReader(tt.input)
			if tt.oneByte {
				r = iotest.OneByteReader(r)
			}
			got, err := io.ReadAll(newSanitizer(r))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	input := append([]byte{0xEF, 0xBB, 0xBF}, 'h', 'e', 0x80, 'l', 'o')
	got, err := io.ReadAll(wrap(bytes.NewReader(input)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "he?lo" {
		t.Errorf("got %q, want %q", got, "he?lo")
	}
}
