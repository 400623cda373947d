// Package tokenseq renders image token sequences as strings and back.
//
// The wire form is a bracketed, comma-separated list of base-10 integers
// with no whitespace, for example "[12,0,16383]". The whole sequence is
// always written: there is no truncation and no line wrapping, whatever the
// sequence length.
package tokenseq

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMalformed = errors.New("tokenseq: malformed sequence")

// Format renders tokens in wire form. A nil or empty slice renders as "[]".
func Format(tokens []int) string {
	return string(Append(nil, tokens))
}

// Append appends the wire form of tokens to dst and returns the result.
func Append(dst []byte, tokens []int) []byte {
	dst = append(dst, '[')
	for i, tok := range tokens {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = strconv.AppendInt(dst, int64(tok), 10)
	}
	return append(dst, ']')
}

// Parse decodes a wire-form string. Whitespace around the brackets and
// around each value is accepted, so lists written as "[1, 2, 3]" parse too.
func Parse(s string) ([]int, error) {
	body := strings.TrimSpace(s)
	if len(body) < 2 || body[0] != '[' || body[len(body)-1] != ']' {
		return nil, fmt.Errorf("%w: missing brackets", ErrMalformed)
	}
	body = strings.TrimSpace(body[1 : len(body)-1])
	if body == "" {
		return []int{}, nil
	}

	out := make([]int, 0, strings.Count(body, ",")+1)
	for i, field := range strings.Split(body, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			return nil, fmt.Errorf("%w: empty value at position %d", ErrMalformed, i)
		}
		v, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("%w: value %d: %v", ErrMalformed, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
