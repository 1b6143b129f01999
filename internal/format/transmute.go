package format

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

type transmuter struct {
	toNative   func([]byte) ([]byte, error)
	fromNative func([]byte) ([]byte, error)
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// utf8ToUnicodeText encodes UTF-8 text as NUL-terminated UTF-16LE with CRLF
// line endings.
func utf8ToUnicodeText(data []byte) ([]byte, error) {
	out, err := utf16le.NewEncoder().Bytes(toCRLF(trimNUL(data)))
	if err != nil {
		return nil, fmt.Errorf("utf-16 encode: %w", err)
	}
	return append(out, 0, 0), nil
}

func unicodeTextToUTF8(data []byte) ([]byte, error) {
	if len(data)%2 == 1 {
		data = data[:len(data)-1]
	}
	for i := 0; i+1 < len(data); i += 2 {
		if data[i] == 0 && data[i+1] == 0 {
			data = data[:i]
			break
		}
	}
	out, err := utf16le.NewDecoder().Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("utf-16 decode: %w", err)
	}
	return stripCR(out), nil
}

// utf8ToText encodes UTF-8 text in the ANSI code page (Windows-1252).
// Characters the code page cannot hold become '?'.
func utf8ToText(data []byte) ([]byte, error) {
	src := toCRLF(trimNUL(data))
	out := make([]byte, 0, len(src)+1)
	for _, r := range string(src) {
		b, ok := charmap.Windows1252.EncodeRune(r)
		if !ok {
			b = '?'
		}
		out = append(out, b)
	}
	return append(out, 0), nil
}

func textToUTF8(data []byte) ([]byte, error) {
	src := trimNUL(data)
	var b bytes.Buffer
	b.Grow(len(src))
	for _, c := range src {
		if c == '\r' {
			continue
		}
		b.WriteRune(charmap.Windows1252.DecodeByte(c))
	}
	return b.Bytes(), nil
}

const bmpFileHeaderSize = 14

var errShortBitmap = errors.New("bitmap too short")

// bmpToDIB strips the BITMAPFILEHEADER.
func bmpToDIB(data []byte) ([]byte, error) {
	if len(data) < bmpFileHeaderSize || data[0] != 'B' || data[1] != 'M' {
		return nil, errShortBitmap
	}
	return bytes.Clone(data[bmpFileHeaderSize:]), nil
}

// dibToBMP prepends a BITMAPFILEHEADER whose pixel offset accounts for the
// info header, bit-field masks and colour table.
func dibToBMP(data []byte) ([]byte, error) {
	if len(data) < 40 {
		return nil, errShortBitmap
	}
	le := binary.LittleEndian
	headerSize := le.Uint32(data[0:4])
	bitCount := le.Uint16(data[14:16])
	compression := le.Uint32(data[16:20])
	clrUsed := le.Uint32(data[32:36])

	offset := bmpFileHeaderSize + headerSize
	if headerSize == 40 && (compression == 3 || compression == 6) {
		// BI_BITFIELDS / BI_ALPHABITFIELDS masks follow a v1 header.
		if compression == 3 {
			offset += 12
		} else {
			offset += 16
		}
	}
	switch {
	case clrUsed != 0:
		offset += clrUsed * 4
	case bitCount > 0 && bitCount <= 8:
		offset += (1 << bitCount) * 4
	}

	out := make([]byte, bmpFileHeaderSize, bmpFileHeaderSize+len(data))
	out[0], out[1] = 'B', 'M'
	le.PutUint32(out[2:6], uint32(bmpFileHeaderSize+len(data)))
	le.PutUint32(out[10:14], offset)
	return append(out, data...), nil
}

func toCRLF(s []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(s) + bytes.Count(s, []byte{'\n'}))
	for i, c := range s {
		if c == '\n' && (i == 0 || s[i-1] != '\r') {
			b.WriteByte('\r')
		}
		b.WriteByte(c)
	}
	return b.Bytes()
}

func stripCR(s []byte) []byte { return bytes.ReplaceAll(s, []byte{'\r'}, nil) }

func trimNUL(s []byte) []byte {
	if i := bytes.IndexByte(s, 0); i >= 0 {
		return s[:i]
	}
	return s
}
