// Package dataset streams image-caption items out of shard archives or
// JSON-lines row files and prepares them for encoding.
package dataset

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gertie01/dalle-mini/internal/imageproc"
)

var (
	ErrMissingImage   = errors.New("dataset: sample has no image")
	ErrMissingCaption = errors.New("dataset: sample has no caption sidecar")
	ErrStalled        = errors.New("dataset: loader stalled")
	ErrMemberTooLarge = errors.New("dataset: archive member too large")
)

// Item is a raw dataset entry as read from the source.
type Item struct {
	Key         string
	Title       string
	Description string
	Image       []byte
	// Source names the shard or row file the item came from.
	Source string
}

// Prepared is an item ready for the encoder: caption built and image
// normalized. Everything else about the source item is dropped.
type Prepared struct {
	Key     string
	Caption string
	Image   imageproc.Image
}

// Source yields dataset items in order. Next returns io.EOF once the
// source is exhausted. A problem confined to one item or one shard is
// reported as *ItemError and iteration may continue; any other error is
// fatal.
type Source interface {
	Next(ctx context.Context) (Item, error)
	Close() error
}

// ItemError is a recoverable per-item failure: an undecodable image, a
// malformed row, an unreadable shard.
type ItemError struct {
	Key    string
	Source string
	Err    error
}

func (e *ItemError) Error() string {
	if e.Source != "" && e.Source != e.Key {
		return fmt.Sprintf("item %s (%s): %v", e.Key, e.Source, e.Err)
	}
	return fmt.Sprintf("item %s: %v", e.Key, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}
