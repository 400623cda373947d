package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Gertie01/dalle-mini/internal/caption"
	"github.com/Gertie01/dalle-mini/internal/imageproc"
)

const (
	DefaultMaxConsecutiveSkips = 10000
	DefaultStallTimeout        = 10 * time.Minute
)

type LoaderOptions struct {
	ImageSize int
	Policy    ErrorPolicy
	// MaxConsecutiveSkips fails the loader with ErrStalled after that many
	// skipped items in a row. Zero disables the check.
	MaxConsecutiveSkips int
	// StallTimeout fails the loader with ErrStalled when it has been
	// skipping for this long without producing an item. Zero disables it.
	StallTimeout time.Duration
	Now          func() time.Time
}

type LoaderStats struct {
	Produced int64
	Skipped  int64
}

// Loader turns a Source into a stream of Prepared items, applying the
// caption builder and image normalizer and routing item errors through the
// configured policy.
type Loader struct {
	src  Source
	opts LoaderOptions

	stats        LoaderStats
	consecutive  int
	lastProduced time.Time
}

func NewLoader(src Source, opts LoaderOptions) *Loader {
	if opts.Policy == nil {
		opts.Policy = FailFast()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loader{src: src, opts: opts, lastProduced: opts.Now()}
}

// Next returns the next prepared item or io.EOF.
func (l *Loader) Next(ctx context.Context) (Prepared, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Prepared{}, err
		}
		item, err := l.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return Prepared{}, io.EOF
		}
		var p Prepared
		if err == nil {
			p, err = l.prepare(item)
		}
		if err == nil {
			l.consecutive = 0
			l.lastProduced = l.opts.Now()
			l.stats.Produced++
			return p, nil
		}

		var itemErr *ItemError
		if !errors.As(err, &itemErr) {
			return Prepared{}, err
		}
		if perr := l.opts.Policy(itemErr); perr != nil {
			return Prepared{}, perr
		}
		l.stats.Skipped++
		l.consecutive++
		if err := l.checkStall(); err != nil {
			return Prepared{}, err
		}
	}
}

func (l *Loader) prepare(item Item) (Prepared, error) {
	img, err := imageproc.Normalize(item.Image, l.opts.ImageSize)
	if err != nil {
		return Prepared{}, &ItemError{Key: item.Key, Source: item.Source, Err: err}
	}
	return Prepared{
		Key:     item.Key,
		Caption: caption.Build(item.Title, item.Description),
		Image:   img,
	}, nil
}

func (l *Loader) checkStall() error {
	if limit := l.opts.MaxConsecutiveSkips; limit > 0 && l.consecutive >= limit {
		return fmt.Errorf("%w: %d consecutive items skipped", ErrStalled, l.consecutive)
	}
	if timeout := l.opts.StallTimeout; timeout > 0 {
		if idle := l.opts.Now().Sub(l.lastProduced); idle >= timeout {
			return fmt.Errorf("%w: no item produced for %s (%d skipped)", ErrStalled, idle.Round(time.Second), l.consecutive)
		}
	}
	return nil
}

func (l *Loader) Stats() LoaderStats {
	return l.stats
}

func (l *Loader) Close() error {
	return l.src.Close()
}
