package encoder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/Gertie01/dalle-mini/internal/imageproc"
)

const defaultRemoteTimeout = 5 * time.Minute

type RemoteOptions struct {
	ImageSize int
	// RPS caps requests per second. Zero or less means unlimited.
	RPS     float64
	Timeout time.Duration
	HTTP    *http.Client
}

// Remote calls a model server that accepts
//
//	POST <base>/encode {"model": id, "size": n, "images": [[float, ...], ...]}
//
// with images flattened in HWC order, and answers {"tokens": [[int, ...], ...]}.
type Remote struct {
	BaseURL string
	Model   string
	Size    int
	HTTP    *http.Client

	limiter *rate.Limiter
}

type encodeRequest struct {
	Model  string      `json:"model,omitempty"`
	Size   int         `json:"size"`
	Images [][]float32 `json:"images"`
}

type encodeResponse struct {
	Tokens [][]int `json:"tokens"`
	Error  string  `json:"error,omitempty"`
}

// NewRemote parses addr as the server base URL. A "model" query parameter,
// if present, is removed from the URL and sent in every request body.
func NewRemote(addr string, opts RemoteOptions) (*Remote, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrModel, addr)
	}
	q := u.Query()
	model := q.Get("model")
	q.Del("model")
	u.RawQuery = q.Encode()

	client := opts.HTTP
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultRemoteTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	return &Remote{
		BaseURL: strings.TrimRight(u.String(), "/"),
		Model:   model,
		Size:    opts.ImageSize,
		HTTP:    client,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (r *Remote) Encode(ctx context.Context, images []imageproc.Image) ([][]int, error) {
	if len(images) == 0 {
		return nil, nil
	}
	req := encodeRequest{Model: r.Model, Size: r.Size, Images: make([][]float32, len(images))}
	for i, im := range images {
		if r.Size > 0 && im.Size != r.Size {
			return nil, fmt.Errorf("%w: image %d has size %d, want %d", ErrShape, i, im.Size, r.Size)
		}
		req.Images[i] = im.Pix
	}
	if req.Size == 0 {
		req.Size = images[0].Size
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("encode request: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out encodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("model server: %s", out.Error)
	}
	if len(out.Tokens) != len(images) {
		return nil, fmt.Errorf("%w: server returned %d sequences for %d images", ErrShape, len(out.Tokens), len(images))
	}
	return out.Tokens, nil
}

func (r *Remote) endpoint() string {
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return r.BaseURL + "/encode"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/encode"
	return u.String()
}
