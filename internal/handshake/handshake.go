// Package handshake parses the identification prefix that repeater clients
// send before any RFB traffic flows.
package handshake

import (
	"strconv"
	"strings"
)

const (
	// InfoSize is the fixed length of the identification buffer.
	InfoSize = 250
	// VersionSize is the fixed length of an RFB protocol version banner.
	VersionSize = 12

	idPrefix      = "ID:"
	versionPrefix = "RFB "
)

// GenericVersion is sent to consumers on connect, before the real producer
// banner is known.
const GenericVersion = "RFB 000.000\n"

// ParseInfo extracts the match key and trailing metadata from an
// identification buffer. Buffers without the ID: prefix yield an empty key
// and the whole buffer as metadata.
func ParseInfo(buf []byte) (key, meta string) {
	if len(buf) < len(idPrefix) || string(buf[:len(idPrefix)]) != idPrefix {
		return "", string(buf)
	}
	rest := buf[len(idPrefix):]
	if len(rest) > 0 && rest[0] == ':' {
		rest = rest[1:]
	}
	end := len(rest)
	for i, c := range rest {
		if c == ';' {
			end = i
			break
		}
	}
	key = FoldKey(string(rest[:end]))
	if end < len(rest) {
		end++ // skip ';'
	}
	return key, string(rest[end:])
}

// ParseVersion returns buf as a version banner if it starts with "RFB ",
// otherwise the empty string.
func ParseVersion(buf []byte) string {
	if len(buf) < len(versionPrefix) || string(buf[:len(versionPrefix)]) != versionPrefix {
		return ""
	}
	return string(buf)
}

// EncodeID builds a zero padded identification buffer of InfoSize bytes.
// Input longer than the buffer is truncated.
func EncodeID(key, meta string) []byte {
	buf := make([]byte, InfoSize)
	s := idPrefix + key
	if meta != "" {
		s += ";" + meta
	}
	copy(buf, s)
	return buf
}

// Printable trims the zero padding from a parsed field for logging.
func Printable(s string) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return s[:i]
	}
	return s
}

// FoldKey case-folds a match key. Only ASCII letters fold; other bytes,
// NUL padding included, are kept as is.
func FoldKey(k string) string {
	out := []byte(k)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + 'a' - 'A'
		}
	}
	return string(out)
}

// EscapeKey renders a match key as text without losing its padding: a run
// of n NUL bytes becomes \0{n} and a backslash becomes \\. Distinct keys
// stay distinct.
func EscapeKey(k string) string {
	if strings.IndexByte(k, 0) < 0 && strings.IndexByte(k, '\\') < 0 {
		return k
	}
	var b strings.Builder
	for i := 0; i < len(k); {
		switch k[i] {
		case 0:
			j := i
			for j < len(k) && k[j] == 0 {
				j++
			}
			b.WriteString(`\0{`)
			b.WriteString(strconv.Itoa(j - i))
			b.WriteByte('}')
			i = j
		case '\\':
			b.WriteString(`\\`)
			i++
		default:
			b.WriteByte(k[i])
			i++
		}
	}
	return b.String()
}
