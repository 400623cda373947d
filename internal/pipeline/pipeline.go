// Package pipeline drives a run: items are loaded and batched, each batch
// is encoded, and the encoded records are appended to rotating split files.
//
// A single goroutine owns the loop. Concurrency only happens inside the
// encoder, which blocks until every device has returned.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Gertie01/dalle-mini/internal/batch"
	"github.com/Gertie01/dalle-mini/internal/dataset"
	"github.com/Gertie01/dalle-mini/internal/encoder"
	"github.com/Gertie01/dalle-mini/internal/imageproc"
	"github.com/Gertie01/dalle-mini/internal/logger"
	"github.com/Gertie01/dalle-mini/internal/splitwriter"
)

var ErrResultCount = errors.New("pipeline: encoder returned wrong number of sequences")

// Loader yields prepared items and counts what it skipped.
type Loader interface {
	batch.Items
	Stats() dataset.LoaderStats
}

// Writer persists encoded batches.
type Writer interface {
	WriteBatch(records []splitwriter.Record) error
	Close() error
	State() splitwriter.State
}

// Components are the collaborators of a run. Run closes Writer; the caller
// owns the loader and encoder.
type Components struct {
	Loader  Loader
	Encoder encoder.Encoder
	Writer  Writer
}

type Settings struct {
	// PerDevice is the batch size per encoder device.
	PerDevice int
	Devices   int
	Partial   batch.Policy
	// Progress, if set, is updated after every batch.
	Progress *Progress
	Now      func() time.Time
}

type Stats struct {
	Batches  int
	Records  int64
	Files    int
	Produced int64
	Skipped  int64
	Elapsed  time.Duration
}

func sanity(comp Components, set Settings) error {
	switch {
	case comp.Loader == nil:
		return errors.New("no loader")
	case comp.Encoder == nil:
		return errors.New("no encoder")
	case comp.Writer == nil:
		return errors.New("no writer")
	case set.PerDevice <= 0 || set.Devices <= 0:
		return fmt.Errorf("batch size %d x %d devices", set.PerDevice, set.Devices)
	}
	return nil
}

// Run processes the loader to exhaustion. Item errors are handled by the
// loader's policy; any error reaching Run is fatal. The writer is closed on
// every path, and on failure the last completed batch and the open split
// are logged so the run can be resumed from the input side.
func Run(ctx context.Context, comp Components, set Settings, log logger.Logger) (stats Stats, err error) {
	if log == nil {
		log = logger.Discard()
	}
	if err := sanity(comp, set); err != nil {
		if comp.Writer != nil {
			_ = comp.Writer.Close()
		}
		return Stats{}, fmt.Errorf("sanity: %w", err)
	}
	now := set.Now
	if now == nil {
		now = time.Now
	}
	progress := set.Progress
	if progress == nil {
		progress = NewProgress("", now())
	}
	start := now()

	defer func() {
		if cerr := comp.Writer.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close writer: %w", cerr))
		}
		st := comp.Writer.State()
		ls := comp.Loader.Stats()
		stats = Stats{
			Batches:  st.Batches,
			Records:  st.Records,
			Files:    st.Files,
			Produced: ls.Produced,
			Skipped:  ls.Skipped,
			Elapsed:  now().Sub(start),
		}
		progress.finish(ls.Produced, ls.Skipped, err != nil)

		switch {
		case err == nil:
			log.Info("run complete",
				"batches", stats.Batches, "records", stats.Records, "files", stats.Files,
				"skipped", stats.Skipped, "elapsed", stats.Elapsed.Round(time.Millisecond))
		case errors.Is(err, context.Canceled):
			log.Warn("run interrupted", "last_batch", st.LastBatch, "split", st.Split, "path", st.Path, "records", st.Records)
		default:
			log.Error("run failed", "error", err, "last_batch", st.LastBatch, "split", st.Split, "path", st.Path, "records", st.Records)
		}
	}()

	src, err := batch.New(comp.Loader, set.PerDevice, set.Devices, set.Partial)
	if err != nil {
		return Stats{}, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return Stats{}, err
		}
		b, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return Stats{}, nil
		}
		if err != nil {
			return Stats{}, fmt.Errorf("load batch: %w", err)
		}

		images := deviceAligned(b.Items, set.Devices)
		tokens, err := comp.Encoder.Encode(ctx, images)
		if err != nil {
			return Stats{}, fmt.Errorf("encode batch %d: %w", b.Index, err)
		}
		if len(tokens) != len(images) {
			return Stats{}, fmt.Errorf("%w: batch %d: %d sequences for %d images", ErrResultCount, b.Index, len(tokens), len(images))
		}

		records := make([]splitwriter.Record, b.Valid)
		for i, it := range b.Real() {
			records[i] = splitwriter.Record{Key: it.Key, Caption: it.Caption, Tokens: tokens[i]}
		}
		if err := comp.Writer.WriteBatch(records); err != nil {
			return Stats{}, err
		}

		st := comp.Writer.State()
		ls := comp.Loader.Stats()
		progress.batchWritten(now(), b.Index, len(records), st.Split, ls.Produced, ls.Skipped)
		log.Debug("batch written", "batch", b.Index, "records", len(records), "split", st.Split, "skipped", ls.Skipped)
	}
}

// deviceAligned returns the images of items, padded by repeating the last
// one so the count divides evenly across devices. Only a short final batch
// ever needs padding here.
func deviceAligned(items []dataset.Prepared, devices int) []imageproc.Image {
	n := len(items)
	if rem := n % devices; rem != 0 {
		n += devices - rem
	}
	images := make([]imageproc.Image, n)
	for i := range images {
		images[i] = items[min(i, len(items)-1)].Image
	}
	return images
}
