package handshake

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pad(s string) []byte {
	buf := make([]byte, InfoSize)
	copy(buf, s)
	return buf
}

func TestParseInfoKeyAndMeta(t *testing.T) {
	cases := []struct {
		in   string
		key  string
		meta string
	}{
		{"ID:Room1;extra", "room1", "extra"},
		{"ID::Room1;extra", "room1", "extra"},
		{"ID:ABC;", "abc", ""},
		{"ID:abc;a;b", "abc", "a;b"},
		{"ID:MiXeD-123", "mixed-123", ""},
		{"ID:;meta", "", "meta"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			key, meta := ParseInfo([]byte(tc.in))
			assert.Equal(t, tc.key, key)
			assert.Equal(t, tc.meta, meta)
		})
	}
}

func TestParseInfoPaddedBuffer(t *testing.T) {
	buf := pad("ID:Room1;extra")
	key, meta := ParseInfo(buf)
	assert.Equal(t, "room1", key)
	require.Len(t, meta, InfoSize-len("ID:Room1;"))
	assert.Equal(t, "extra", Printable(meta))
}

func TestParseInfoWithoutPrefix(t *testing.T) {
	for _, in := range []string{"", "I", "ID", "id:room", "XD:room;meta", "hello world"} {
		key, meta := ParseInfo([]byte(in))
		assert.Empty(t, key, in)
		assert.Equal(t, in, meta)
	}
}

func TestParseInfoOnlyFoldsASCII(t *testing.T) {
	key, _ := ParseInfo([]byte("ID:ÄBC;"))
	assert.Equal(t, "Äbc", key)
}

func TestParseVersion(t *testing.T) {
	assert.Equal(t, "RFB 003.008\n", ParseVersion([]byte("RFB 003.008\n")))
	assert.Equal(t, GenericVersion, ParseVersion([]byte(GenericVersion)))
	assert.Empty(t, ParseVersion([]byte("RFC 003.008\n")))
	assert.Empty(t, ParseVersion([]byte("RFB")))
	assert.Empty(t, ParseVersion(make([]byte, VersionSize)))
}

func TestEncodeIDRoundTrip(t *testing.T) {
	buf := EncodeID("Room1", "extra")
	require.Len(t, buf, InfoSize)
	key, meta := ParseInfo(buf)
	assert.Equal(t, "room1", key)
	assert.Equal(t, "extra", Printable(meta))

	buf = EncodeID("room2", "")
	key, meta = ParseInfo(buf)
	assert.Equal(t, "room2"+strings.Repeat("\x00", InfoSize-len("ID:room2")), key)
	assert.Empty(t, meta)
}

func TestEncodeIDTruncates(t *testing.T) {
	buf := EncodeID(strings.Repeat("k", 400), "")
	assert.Len(t, buf, InfoSize)
}

func TestFoldKey(t *testing.T) {
	assert.Equal(t, "room1", FoldKey("ROOM1"))
	assert.Equal(t, "Äbc", FoldKey("ÄBC"))
	assert.Equal(t, "a\x00b", FoldKey("A\x00B"))

	key, _ := ParseInfo([]byte("ID:ÄBC;"))
	assert.Equal(t, FoldKey("ÄBC"), key, "lookups fold like the handshake")
}

func TestEscapeKey(t *testing.T) {
	assert.Equal(t, "abc", EscapeKey("abc"))
	assert.Equal(t, `abc\0{3}`, EscapeKey("abc\x00\x00\x00"))
	assert.Equal(t, `a\0{1}b\\c`, EscapeKey("a\x00b\\c"))

	semicolon, _ := ParseInfo([]byte("ID:abc;"))
	padded, _ := ParseInfo(EncodeID("abc", ""))
	require.NotEqual(t, semicolon, padded)
	assert.NotEqual(t, EscapeKey(semicolon), EscapeKey(padded))
	assert.Equal(t, `abc\0{`+strconv.Itoa(InfoSize-len("ID:abc"))+`}`, EscapeKey(padded))
	assert.NotEqual(t, EscapeKey(`a\0{1}`), EscapeKey("a\x00"))
}
