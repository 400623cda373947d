package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/workerpool"

	"github.com/Gertie01/dalle-mini/internal/imageproc"
)

// Parallel splits every batch evenly across its devices, encodes the
// shards concurrently and concatenates the results in input order.
type Parallel struct {
	devices []Encoder
	pool    *workerpool.WorkerPool
}

func NewParallel(devices []Encoder) (*Parallel, error) {
	if len(devices) == 0 {
		return nil, errors.New("encoder: no devices")
	}
	return &Parallel{
		devices: devices,
		pool:    workerpool.New(len(devices)),
	}, nil
}

func (p *Parallel) Devices() int {
	return len(p.devices)
}

// Encode fails if len(images) is not a multiple of the device count, if any
// device fails, or if a device returns the wrong number of sequences.
// All sequences in a batch must have the same length.
func (p *Parallel) Encode(ctx context.Context, images []imageproc.Image) ([][]int, error) {
	n := len(p.devices)
	if len(images)%n != 0 {
		return nil, fmt.Errorf("%w: %d images across %d devices", ErrIndivisible, len(images), n)
	}
	per := len(images) / n
	out := make([][]int, len(images))
	errs := make([]error, n)

	var wg sync.WaitGroup
	for d, dev := range p.devices {
		shard := images[d*per : (d+1)*per]
		wg.Add(1)
		p.pool.Submit(func() {
			defer wg.Done()
			tokens, err := dev.Encode(ctx, shard)
			if err != nil {
				errs[d] = fmt.Errorf("device %d: %w", d, err)
				return
			}
			if len(tokens) != len(shard) {
				errs[d] = fmt.Errorf("%w: device %d returned %d sequences for %d images", ErrShape, d, len(tokens), len(shard))
				return
			}
			copy(out[d*per:], tokens)
		})
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	for i := 1; i < len(out); i++ {
		if len(out[i]) != len(out[0]) {
			return nil, fmt.Errorf("%w: sequence %d has %d tokens, sequence 0 has %d", ErrShape, i, len(out[i]), len(out[0]))
		}
	}
	return out, nil
}

// Close stops the worker pool after in-flight work finishes.
func (p *Parallel) Close() {
	p.pool.StopWait()
}
