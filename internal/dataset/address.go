package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/yargevad/filepathx"
)

const s3Scheme = "s3://"

// maxBraceExpansion caps how many addresses one pattern may produce.
const maxBraceExpansion = 1 << 20

var ErrNoInputs = errors.New("dataset: pattern matched no inputs")

// S3API is the subset of the S3 client used to read shards and row files.
type S3API interface {
	GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error
}

// NewS3Client builds an S3 client from the default credential chain.
// endpoint may point at an S3 compatible store; it is optional.
func NewS3Client(region, endpoint string) (S3API, error) {
	cfg := aws.Config{}
	if region != "" {
		cfg.Region = aws.String(region)
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}
	return s3.New(sess), nil
}

// Opener resolves input addresses and opens them. Local paths and globs are
// always supported; s3:// addresses need S3 to be set.
type Opener struct {
	S3 S3API
}

// Resolve expands a pattern into an ordered list of addresses. Brace
// ranges and lists are expanded first (shard-{0000..0008}.tar), then each
// result is matched as a local glob (** allowed), listed as an S3 prefix
// when it ends in '/', or taken literally. Only names ending in one of
// suffixes are kept from globs and listings.
func (o Opener) Resolve(ctx context.Context, pattern string, suffixes ...string) ([]string, error) {
	expanded, err := ExpandBraces(pattern)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, addr := range expanded {
		switch {
		case strings.HasPrefix(addr, s3Scheme) && strings.HasSuffix(addr, "/"):
			keys, err := o.listS3(ctx, addr, suffixes)
			if err != nil {
				return nil, err
			}
			out = append(out, keys...)
		case strings.HasPrefix(addr, s3Scheme):
			out = append(out, addr)
		case strings.ContainsAny(addr, "*?["):
			matches, err := filepathx.Glob(addr)
			if err != nil {
				return nil, fmt.Errorf("glob %s: %w", addr, err)
			}
			sort.Strings(matches)
			for _, m := range matches {
				if hasSuffix(m, suffixes) {
					out = append(out, m)
				}
			}
		default:
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoInputs, pattern)
	}
	return out, nil
}

// Open returns a reader for a local path or an s3:// object.
func (o Opener) Open(ctx context.Context, addr string) (io.ReadCloser, error) {
	if !strings.HasPrefix(addr, s3Scheme) {
		return os.Open(addr)
	}
	if o.S3 == nil {
		return nil, fmt.Errorf("no s3 client configured for %s", addr)
	}
	bucket, key := splitS3(addr)
	resp, err := o.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", addr, err)
	}
	return resp.Body, nil
}

func (o Opener) listS3(ctx context.Context, prefix string, suffixes []string) ([]string, error) {
	if o.S3 == nil {
		return nil, fmt.Errorf("no s3 client configured for %s", prefix)
	}
	bucket, keyPrefix := splitS3(prefix)
	var out []string
	err := o.S3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(keyPrefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if hasSuffix(key, suffixes) {
				out = append(out, s3Scheme+bucket+"/"+key)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

// splitS3 splits s3://bucket/some/key into bucket and key.
func splitS3(addr string) (bucket, key string) {
	rest := strings.TrimPrefix(addr, s3Scheme)
	bucket, key, _ = strings.Cut(rest, "/")
	return bucket, key
}

func hasSuffix(name string, suffixes []string) bool {
	if len(suffixes) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// ExpandBraces expands shell style brace groups. A group is either a
// numeric range {lo..hi}, zero padded to the wider bound when a bound has a
// leading zero, or a comma list {a,b,c}. Groups do not nest; several groups
// in one pattern expand as a cartesian product, left to right.
func ExpandBraces(pattern string) ([]string, error) {
	open := strings.IndexByte(pattern, '{')
	if open < 0 {
		return []string{pattern}, nil
	}
	end := strings.IndexByte(pattern[open:], '}')
	if end < 0 {
		return nil, fmt.Errorf("unbalanced brace in %q", pattern)
	}
	end += open
	alts, err := braceAlternatives(pattern[open+1 : end])
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	tails, err := ExpandBraces(pattern[end+1:])
	if err != nil {
		return nil, err
	}
	if len(alts)*len(tails) > maxBraceExpansion {
		return nil, fmt.Errorf("pattern %q expands to more than %d addresses", pattern, maxBraceExpansion)
	}
	head := pattern[:open]
	out := make([]string, 0, len(alts)*len(tails))
	for _, alt := range alts {
		for _, tail := range tails {
			out = append(out, head+alt+tail)
		}
	}
	return out, nil
}

func braceAlternatives(body string) ([]string, error) {
	if lo, hi, ok := strings.Cut(body, ".."); ok {
		from, err1 := strconv.Atoi(lo)
		to, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("invalid range {%s}", body)
		}
		if to < from {
			return nil, fmt.Errorf("descending range {%s}", body)
		}
		if to-from >= maxBraceExpansion {
			return nil, fmt.Errorf("range {%s} is too large", body)
		}
		width := 0
		if zeroPadded(lo) || zeroPadded(hi) {
			width = max(len(lo), len(hi))
		}
		out := make([]string, 0, to-from+1)
		for i := from; i <= to; i++ {
			out = append(out, fmt.Sprintf("%0*d", width, i))
		}
		return out, nil
	}
	return strings.Split(body, ","), nil
}

func zeroPadded(s string) bool {
	return len(s) > 1 && s[0] == '0'
}
