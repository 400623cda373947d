// Package encoder maps normalized images to discrete token sequences.
//
// Two backends exist: Codebook, a vector-quantization lookup against a
// codebook stored in a safetensors file, and Remote, a client for a model
// server that exposes an /encode endpoint. Either is fanned out across
// devices by Parallel.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Gertie01/dalle-mini/internal/imageproc"
)

var (
	ErrIndivisible = errors.New("encoder: batch size not divisible by device count")
	ErrShape       = errors.New("encoder: unexpected result shape")
	ErrModel       = errors.New("encoder: invalid model location")
)

// Encoder turns a batch of images into one token sequence per image, in
// input order. Implementations must be safe for concurrent use.
type Encoder interface {
	Encode(ctx context.Context, images []imageproc.Image) ([][]int, error)
}

const codebookScheme = "codebook:"

type Options struct {
	ImageSize int
	// Devices is the number of concurrent encode workers.
	Devices int
	// RemoteRPS throttles requests to a remote model server. Zero means
	// unlimited.
	RemoteRPS     float64
	RemoteTimeout time.Duration
	// HTTP overrides the client used for remote models.
	HTTP *http.Client
}

// Open builds the encoder described by model:
//
//	codebook:/path/to/vq.safetensors[?patch=16]
//	http://host:port[/prefix][?model=id]
//
// The result spreads each batch across opts.Devices workers.
func Open(model string, opts Options) (*Parallel, error) {
	if opts.Devices <= 0 {
		opts.Devices = 1
	}
	var dev Encoder
	switch {
	case strings.HasPrefix(model, codebookScheme):
		path, query, _ := strings.Cut(strings.TrimPrefix(model, codebookScheme), "?")
		patch := 0
		if query != "" {
			q, err := url.ParseQuery(query)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrModel, model, err)
			}
			if p := q.Get("patch"); p != "" {
				patch, err = strconv.Atoi(p)
				if err != nil || patch <= 0 {
					return nil, fmt.Errorf("%w: %s: bad patch %q", ErrModel, model, p)
				}
			}
		}
		cb, err := LoadCodebook(path, patch)
		if err != nil {
			return nil, err
		}
		if err := cb.CheckSize(opts.ImageSize); err != nil {
			return nil, err
		}
		dev = cb
	case strings.HasPrefix(model, "http://"), strings.HasPrefix(model, "https://"):
		r, err := NewRemote(model, RemoteOptions{
			ImageSize: opts.ImageSize,
			RPS:       opts.RemoteRPS,
			Timeout:   opts.RemoteTimeout,
			HTTP:      opts.HTTP,
		})
		if err != nil {
			return nil, err
		}
		dev = r
	default:
		return nil, fmt.Errorf("%w: %q (want codebook:<path> or http(s)://...)", ErrModel, model)
	}

	devices := make([]Encoder, opts.Devices)
	for i := range devices {
		devices[i] = dev
	}
	return NewParallel(devices)
}
