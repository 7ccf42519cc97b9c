// Package wire decodes the question section of raw DNS query datagrams.
//
// The decoder is deliberately shallow: it walks the length-prefixed labels
// that follow the 12-byte header and stops. Record counts, the query class
// and compression pointers are not interpreted, so a name that uses
// compression is cut short at the pointer.
package wire

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/miekg/dns"
)

const (
	// HeaderSize is the fixed length of a DNS message header.
	HeaderSize = 12

	// MaxLabelLength is the largest label the wire format allows.
	MaxLabelLength = 63

	// DefaultQueryType is reported when the type field cannot be read.
	DefaultQueryType = "A"
)

// ErrMalformedQuery is returned when no question name can be extracted.
var ErrMalformedQuery = errors.New("malformed DNS query")

// Question is the decoded first question of a query datagram.
type Question struct {
	Name string // lower-cased, dot-joined, no trailing dot
	Type string // record type mnemonic, "A" when unavailable
}

// ParseQueryName extracts the queried name from a raw datagram.
// It never panics; the boolean is false when no label could be read.
func ParseQueryName(raw []byte) (string, bool) {
	name, _, _ := walkName(raw)
	return name, name != ""
}

// ParseQuestion extracts the queried name and record type.
func ParseQuestion(raw []byte) (Question, error) {
	name, end, terminated := walkName(raw)
	if name == "" {
		return Question{}, ErrMalformedQuery
	}
	return Question{Name: name, Type: queryTypeAt(raw, end, terminated)}, nil
}

// QueryType returns the record type mnemonic of the first question, or
// DefaultQueryType when the name is not cleanly terminated or the type
// field is missing.
func QueryType(raw []byte) string {
	_, end, terminated := walkName(raw)
	return queryTypeAt(raw, end, terminated)
}

// walkName reads labels starting right after the header. It returns the
// joined name, the offset of the terminating zero byte, and whether that
// terminator was actually reached.
func walkName(raw []byte) (name string, end int, terminated bool) {
	if len(raw) < HeaderSize {
		return "", 0, false
	}

	var labels []string
	pos := HeaderSize
	for pos < len(raw) {
		length := int(raw[pos])
		if length == 0 {
			terminated = true
			break
		}
		if length > MaxLabelLength {
			// Pointer or garbage: keep what we have.
			break
		}
		pos++
		if pos >= len(raw) {
			// Length byte with no label bytes after it
			break
		}
		stop := min(pos+length, len(raw))
		labels = append(labels, strings.ToValidUTF8(string(raw[pos:stop]), "\uFFFD"))
		pos += length
	}

	if len(labels) == 0 {
		return "", pos, false
	}
	return strings.ToLower(strings.Join(labels, ".")), pos, terminated
}

func queryTypeAt(raw []byte, end int, terminated bool) string {
	if !terminated || end+3 > len(raw) {
		return DefaultQueryType
	}
	qtype := binary.BigEndian.Uint16(raw[end+1 : end+3])
	if qtype == dns.TypeNone {
		return DefaultQueryType
	}
	return dns.Type(qtype).String()
}
