package csvsource

// reader.go holds the byte-level transforms applied before CSV parsing:
//
//   - bomReader drops a leading UTF-8 BOM written by spreadsheet exports
//   - sanitizer replaces invalid UTF-8 bytes with '?'
//
// Both stream, so a file is never held in memory.

import (
	"bytes"
	"io"
	"unicode/utf8"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

// bomReader skips a UTF-8 byte order mark at the start of the stream.
type bomReader struct {
	r       io.Reader
	checked bool
	head    []byte // bytes read while probing that are not a BOM
}

func newBOMReader(r io.Reader) *bomReader {
	return &bomReader{r: r}
}

func (b *bomReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		buf := make([]byte, len(bom))
		n, err := io.ReadFull(b.r, buf)
		switch {
		case n == len(bom) && bytes.Equal(buf, bom):
		case n > 0:
			b.head = buf[:n]
		}
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return 0, err
		}
	}
	if len(b.head) > 0 {
		n := copy(p, b.head)
		b.head = b.head[n:]
		return n, nil
	}
	return b.r.Read(p)
}

// sanitizer rewrites invalid UTF-8 bytes as '?'. A multi-byte rune split
// across two reads is carried over to the next call.
type sanitizer struct {
	r       io.Reader
	pending []byte
}

func newSanitizer(r io.Reader) *sanitizer {
	return &sanitizer{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	off := copy(p, s.pending)
	s.pending = s.pending[:0]

	n, err := s.r.Read(p[off:])
	n += off
	if n == 0 {
		return 0, err
	}
	return s.clean(p[:n], err == io.EOF), err
}

// clean sanitizes data in place and returns the number of bytes to emit.
func (s *sanitizer) clean(data []byte, atEOF bool) int {
	w := 0
	for i := 0; i < len(data); {
		if data[i] < utf8.RuneSelf {
			data[w] = data[i]
			w++
			i++
			continue
		}
		if !atEOF && !utf8.FullRune(data[i:]) {
			s.pending = append(s.pending, data[i:]...)
			return w
		}
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			data[w] = '?'
			w++
			i++
			continue
		}
		copy(data[w:], data[i:i+size])
		w += size
		i += size
	}
	return w
}

// wrap applies the transforms in order: the BOM must go before sanitizing.
func wrap(r io.Reader) io.Reader {
	return newSanitizer(newBOMReader(r))
}
