package dataset

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

type row struct {
	Key         string          `json:"key"`
	Title       string          `json:"title_clean"`
	Description string          `json:"description_clean"`
	Img         json.RawMessage `json:"img"`
}

// imageField matches image columns exported as {"bytes": ..., "path": ...}.
type imageField struct {
	Bytes []byte `json:"bytes"`
}

// RowsSource streams a tabular dataset stored as JSON lines. Each row
// carries key, title_clean, description_clean and img, where img is the
// base64 encoded image either directly or under a "bytes" field.
type RowsSource struct {
	opener Opener
	addrs  []string
	next   int

	file string
	line int
	body io.ReadCloser
	r    *bufio.Reader
}

func NewRowsSource(opener Opener, addrs []string) *RowsSource {
	return &RowsSource{opener: opener, addrs: addrs}
}

func (s *RowsSource) Next(ctx context.Context) (Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		if s.r == nil {
			if s.next >= len(s.addrs) {
				return Item{}, io.EOF
			}
			addr := s.addrs[s.next]
			s.next++
			body, err := s.opener.Open(ctx, addr)
			if err != nil {
				return Item{}, &ItemError{Key: addr, Source: addr, Err: fmt.Errorf("open rows: %w", err)}
			}
			s.file, s.body, s.r, s.line = addr, body, bufio.NewReaderSize(body, 1<<20), 0
		}

		raw, err := s.r.ReadBytes('\n')
		if len(raw) == 0 && errors.Is(err, io.EOF) {
			s.closeFile()
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			file := s.file
			s.closeFile()
			return Item{}, &ItemError{Key: file, Source: file, Err: fmt.Errorf("read rows: %w", err)}
		}
		s.line++
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		return s.parse(raw)
	}
}

func (s *RowsSource) parse(raw []byte) (Item, error) {
	pos := fmt.Sprintf("%s:%d", s.file, s.line)
	var r row
	if err := json.Unmarshal(raw, &r); err != nil {
		return Item{}, &ItemError{Key: pos, Source: s.file, Err: fmt.Errorf("parse row: %w", err)}
	}
	key := r.Key
	if key == "" {
		key = pos
	}
	img, err := decodeImageField(r.Img)
	if err != nil {
		return Item{}, &ItemError{Key: key, Source: s.file, Err: err}
	}
	return Item{
		Key:         key,
		Title:       r.Title,
		Description: r.Description,
		Image:       img,
		Source:      s.file,
	}, nil
}

func decodeImageField(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrMissingImage
	}
	switch raw[0] {
	case '"':
		var b []byte
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode img: %w", err)
		}
		return b, nil
	case '{':
		var f imageField
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode img: %w", err)
		}
		if len(f.Bytes) == 0 {
			return nil, ErrMissingImage
		}
		return f.Bytes, nil
	default:
		return nil, fmt.Errorf("decode img: unsupported JSON value")
	}
}

func (s *RowsSource) closeFile() {
	if s.body != nil {
		_ = s.body.Close()
	}
	s.body, s.r, s.file = nil, nil, ""
}

func (s *RowsSource) Close() error {
	s.closeFile()
	s.next = len(s.addrs)
	return nil
}
