// Package batch groups prepared items into fixed size superbatches that can
// be split evenly across encoder devices.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Gertie01/dalle-mini/internal/dataset"
)

// Policy controls what happens to a final batch that could not be filled.
type Policy string

const (
	// Pad repeats the last real item until the batch is full and records
	// the real count in Batch.Valid.
	Pad Policy = "pad"
	// Short emits the partial batch as is.
	Short Policy = "short"
	// Drop discards the partial batch.
	Drop Policy = "drop"
)

var ErrInvalidSize = errors.New("batch: per-device size and device count must be positive")

// ParsePolicy maps the partial_batch setting to a Policy. Empty means Pad.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", Pad:
		return Pad, nil
	case Short, Drop:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown partial batch policy %q (want pad, short or drop)", s)
	}
}

// Items is a stream of prepared items ending in io.EOF.
type Items interface {
	Next(ctx context.Context) (dataset.Prepared, error)
}

// Batch is one superbatch. Only Items[:Valid] carry real data; anything
// past Valid is padding and must not be persisted.
type Batch struct {
	Index int
	Items []dataset.Prepared
	Valid int
}

// Real returns the items that are not padding.
func (b Batch) Real() []dataset.Prepared {
	return b.Items[:b.Valid]
}

type Source struct {
	items  Items
	size   int
	policy Policy

	index int
	done  bool
}

// New returns a Source producing batches of perDevice*devices items.
func New(items Items, perDevice, devices int, policy Policy) (*Source, error) {
	if perDevice <= 0 || devices <= 0 {
		return nil, fmt.Errorf("%w: got %d x %d", ErrInvalidSize, perDevice, devices)
	}
	if policy == "" {
		policy = Pad
	}
	return &Source{items: items, size: perDevice * devices, policy: policy}, nil
}

// Size is the number of items in a full batch.
func (s *Source) Size() int {
	return s.size
}

// Next returns the next batch, or io.EOF once the item stream is exhausted.
// Errors from the item stream are returned unchanged and end the source.
func (s *Source) Next(ctx context.Context) (Batch, error) {
	if s.done {
		return Batch{}, io.EOF
	}
	items := make([]dataset.Prepared, 0, s.size)
	for len(items) < s.size {
		it, err := s.items.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		if err != nil {
			s.done = true
			return Batch{}, err
		}
		items = append(items, it)
	}
	if len(items) == 0 {
		return Batch{}, io.EOF
	}

	valid := len(items)
	if valid < s.size {
		switch s.policy {
		case Drop:
			return Batch{}, io.EOF
		case Pad:
			last := items[valid-1]
			for len(items) < s.size {
				items = append(items, last)
			}
		}
	}
	b := Batch{Index: s.index, Items: items, Valid: valid}
	s.index++
	return b, nil
}
