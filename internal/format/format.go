// Package format maps application content types onto native clipboard
// format codes and converts data between the two encodings.
//
// A content type is a MIME-like string ("image/png"). A native format is the
// numeric code the OS clipboard uses for the same data. One content type can
// be offered under several native formats (the compatibility pairs), some of
// which need the bytes re-encoded ("transmuted") on the way in or out.
package format

import (
	"fmt"
	"strings"
	"sync"
)

// ID is a native clipboard format code.
type ID uint32

// Predefined native format codes.
const (
	CFText         ID = 1
	CFBitmap       ID = 2
	CFMetafilePict ID = 3
	CFSYLK         ID = 4
	CFDIF          ID = 5
	CFTIFF         ID = 6
	CFOEMText      ID = 7
	CFDIB          ID = 8
	CFPalette      ID = 9
	CFPenData      ID = 10
	CFRIFF         ID = 11
	CFWave         ID = 12
	CFUnicodeText  ID = 13
	CFEnhMetafile  ID = 14
	CFHDrop        ID = 15
	CFLocale       ID = 16
	CFDIBV5        ID = 17

	CFDspText         ID = 0x0081
	CFDspBitmap       ID = 0x0082
	CFDspMetafilePict ID = 0x0083
	CFDspEnhMetafile  ID = 0x008E
)

// FirstRegistered is the lowest code handed out for registered format names.
const FirstRegistered ID = 0xC000

// Registered reports whether id was obtained by registering a format name.
func (id ID) Registered() bool { return id >= FirstRegistered && id <= 0xFFFF }

func (id ID) String() string {
	switch id {
	case CFText:
		return "CF_TEXT"
	case CFUnicodeText:
		return "CF_UNICODETEXT"
	case CFDIB:
		return "CF_DIB"
	case CFDIBV5:
		return "CF_DIBV5"
	case CFBitmap:
		return "CF_BITMAP"
	case CFHDrop:
		return "CF_HDROP"
	}
	return fmt.Sprintf("0x%04x", uint32(id))
}

// UsesHGlobal reports whether data for id lives in a movable global memory
// block. Other formats carry GDI or kernel handles.
func UsesHGlobal(id ID) bool {
	switch id {
	case CFDIB, CFDIBV5, CFDIF, CFDspBitmap, CFDspEnhMetafile, CFDspMetafilePict,
		CFDspText, CFOEMText, CFRIFF, CFSYLK, CFText, CFTIFF, CFUnicodeText, CFWave:
		return true
	}
	return id.Registered()
}

// ── content types ──────────────────────────────────────────────────────────

// ContentType is an interned MIME-like identifier. Two values are equal
// exactly when they were interned from the same string, so == is an identity
// comparison.
type ContentType struct {
	name *string
}

var interned sync.Map // string → *string

// Intern returns the canonical ContentType for s.
func Intern(s string) ContentType {
	if v, ok := interned.Load(s); ok {
		return ContentType{name: v.(*string)}
	}
	p := new(string)
	*p = s
	v, _ := interned.LoadOrStore(s, p)
	return ContentType{name: v.(*string)}
}

// String returns the MIME string, or "" for the zero value.
func (c ContentType) String() string {
	if c.name == nil {
		return ""
	}
	return *c.name
}

// IsZero reports whether c is the zero ContentType.
func (c ContentType) IsZero() bool { return c.name == nil }

// Well-known content types.
var (
	TextPlainUTF8 = Intern("text/plain;charset=utf-8")
	TextURIList   = Intern("text/uri-list")
	TextHTML      = Intern("text/html")
	ImagePNG      = Intern("image/png")
	ImageJPEG     = Intern("image/jpeg")
	ImageGIF      = Intern("image/gif")
	ImageBMP      = Intern("image/bmp")
)

// Canonical normalises a user supplied MIME string. Plain text spellings all
// collapse onto text/plain;charset=utf-8.
func Canonical(mime string) string {
	m := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(mime), " ", ""))
	switch m {
	case "", "text", "string", "utf8_string", "text/plain", "text/plain;charset=utf8":
		return TextPlainUTF8.String()
	}
	return m
}

// Pair is one way of offering a content type on the native clipboard.
// Transmute is set when the bytes must be converted between the content
// type's encoding and the native format's encoding.
type Pair struct {
	Native    ID
	Content   ContentType
	Transmute bool
}

func (p Pair) String() string {
	if p.Transmute {
		return fmt.Sprintf("%s<->%s(transmute)", p.Content, p.Native)
	}
	return fmt.Sprintf("%s<->%s", p.Content, p.Native)
}
