package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
)

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 6, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type tarEntry struct {
	name string
	data []byte
}

func tarBytes(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.data)), Typeflag: tar.TypeReg}
		if strings.HasSuffix(e.name, "/") {
			hdr = &tar.Header{Name: e.name, Mode: 0o755, Typeflag: tar.TypeDir}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header %s: %v", e.name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write(e.data); err != nil {
				t.Fatalf("tar write %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// fakeS3 serves objects from memory.
type fakeS3 struct {
	objects map[string][]byte // "bucket/key" -> data
	gets    []string
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	name := aws.StringValue(in.Bucket) + "/" + aws.StringValue(in.Key)
	f.gets = append(f.gets, name)
	data, ok := f.objects[name]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	prefix := aws.StringValue(in.Bucket) + "/" + aws.StringValue(in.Prefix)
	var contents []*s3.Object
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			_, key, _ := strings.Cut(name, "/")
			contents = append(contents, &s3.Object{Key: aws.String(key)})
		}
	}
	// Two pages to exercise pagination.
	half := len(contents) / 2
	if !fn(&s3.ListObjectsV2Output{Contents: contents[:half]}, false) {
		return nil
	}
	fn(&s3.ListObjectsV2Output{Contents: contents[half:]}, true)
	return nil
}

// sliceSource replays fixed results.
type sliceSource struct {
	results []sourceResult
	closed  bool
}

type sourceResult struct {
	item Item
	err  error
}

func (s *sliceSource) Next(ctx context.Context) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	if len(s.results) == 0 {
		return Item{}, io.EOF
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.item, r.err
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}
