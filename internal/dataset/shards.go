package dataset

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	json "github.com/goccy/go-json"
)

// maxMemberSize bounds a single archive member read into memory.
const maxMemberSize = 64 << 20

// imageExts lists the member extensions accepted as the sample image, in
// order of preference.
var imageExts = []string{"jpg", "jpeg", "png", "webp", "gif"}

type sidecar struct {
	Title       string `json:"title_clean"`
	Description string `json:"description_clean"`
}

type member struct {
	key  string
	ext  string
	data []byte
	// err marks a member that was skipped over; it fails only its sample.
	err error
}

type sample struct {
	key   string
	files map[string][]byte
	err   error
}

// ShardSource reads webdataset style tar shards. Consecutive members that
// share a key (the member path up to the first dot of its base name) form
// one sample; the sample needs an image member and a .json sidecar.
type ShardSource struct {
	opener Opener
	addrs  []string
	next   int

	maxMember int64

	shard   string
	body    io.ReadCloser
	tr      *tar.Reader
	pending *member
	// readErr is a shard read failure held back until the sample that was
	// complete before it has been returned.
	readErr error
}

func NewShardSource(opener Opener, addrs []string) *ShardSource {
	return &ShardSource{opener: opener, addrs: addrs, maxMember: maxMemberSize}
}

func (s *ShardSource) Next(ctx context.Context) (Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		if s.tr == nil {
			if s.next >= len(s.addrs) {
				return Item{}, io.EOF
			}
			addr := s.addrs[s.next]
			s.next++
			body, err := s.opener.Open(ctx, addr)
			if err != nil {
				return Item{}, &ItemError{Key: addr, Source: addr, Err: fmt.Errorf("open shard: %w", err)}
			}
			s.shard, s.body, s.tr = addr, body, tar.NewReader(body)
		}

		smp, err := s.readSample()
		if errors.Is(err, io.EOF) {
			s.closeShard()
			continue
		}
		if err != nil {
			// The rest of a damaged shard is unreadable; skip to the next one.
			shard := s.shard
			s.closeShard()
			return Item{}, &ItemError{Key: shard, Source: shard, Err: fmt.Errorf("read shard: %w", err)}
		}
		return s.toItem(smp)
	}
}

func (s *ShardSource) readSample() (sample, error) {
	if err := s.readErr; err != nil {
		s.readErr = nil
		return sample{}, err
	}
	var smp sample
	for {
		m := s.pending
		s.pending = nil
		if m == nil {
			var err error
			m, err = s.readMember()
			if err != nil {
				if smp.files == nil {
					return sample{}, err
				}
				if !errors.Is(err, io.EOF) {
					s.readErr = err
				}
				return smp, nil
			}
			if m == nil {
				continue
			}
		}
		if smp.files == nil {
			smp = sample{key: m.key, files: make(map[string][]byte, 2)}
		} else if m.key != smp.key {
			s.pending = m
			return smp, nil
		}
		if m.err != nil {
			if smp.err == nil {
				smp.err = m.err
			}
			continue
		}
		smp.files[m.ext] = m.data
	}
}

// readMember returns the next regular file in the shard, or nil for
// entries that carry no sample data. An oversized member is returned
// without data and with err set; tar.Reader skips its unread remainder.
func (s *ShardSource) readMember() (*member, error) {
	hdr, err := s.tr.Next()
	if err != nil {
		return nil, err
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil, nil
	}
	key, ext := splitMemberName(hdr.Name)
	if key == "" || ext == "" {
		return nil, nil
	}
	if hdr.Size > s.maxMember {
		return &member{key: key, ext: ext, err: fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrMemberTooLarge, hdr.Name, hdr.Size, s.maxMember)}, nil
	}
	data, err := io.ReadAll(io.LimitReader(s.tr, s.maxMember+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxMember {
		return &member{key: key, ext: ext, err: fmt.Errorf("%w: %s exceeds %d bytes", ErrMemberTooLarge, hdr.Name, s.maxMember)}, nil
	}
	return &member{key: key, ext: ext, data: data}, nil
}

func (s *ShardSource) toItem(smp sample) (Item, error) {
	key, files := smp.key, smp.files
	if smp.err != nil {
		return Item{}, &ItemError{Key: key, Source: s.shard, Err: smp.err}
	}
	item := Item{Key: key, Source: s.shard}
	for _, ext := range imageExts {
		if data, ok := files[ext]; ok {
			item.Image = data
			break
		}
	}
	if item.Image == nil {
		return Item{}, &ItemError{Key: key, Source: s.shard, Err: ErrMissingImage}
	}
	raw, ok := files["json"]
	if !ok {
		return Item{}, &ItemError{Key: key, Source: s.shard, Err: ErrMissingCaption}
	}
	var meta sidecar
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Item{}, &ItemError{Key: key, Source: s.shard, Err: fmt.Errorf("parse sidecar: %w", err)}
	}
	item.Title, item.Description = meta.Title, meta.Description
	return item, nil
}

func (s *ShardSource) closeShard() {
	if s.body != nil {
		_ = s.body.Close()
	}
	s.body, s.tr, s.pending, s.shard, s.readErr = nil, nil, nil, "", nil
}

func (s *ShardSource) Close() error {
	s.closeShard()
	s.next = len(s.addrs)
	return nil
}

// splitMemberName splits "dir/000123.seg.png" into key "dir/000123" and
// extension "seg.png". Hidden files yield an empty key.
func splitMemberName(name string) (key, ext string) {
	dir, base := path.Split(name)
	dot := strings.IndexByte(base, '.')
	if dot <= 0 {
		return "", ""
	}
	return dir + base[:dot], strings.ToLower(base[dot+1:])
}
