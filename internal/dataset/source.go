package dataset

import (
	"context"
	"fmt"
)

const (
	KindShards = "shards"
	KindRows   = "rows"
)

// NewSource resolves pattern and returns the source for kind.
func NewSource(ctx context.Context, opener Opener, kind, pattern string) (Source, error) {
	switch kind {
	case "", KindShards:
		addrs, err := opener.Resolve(ctx, pattern, ".tar")
		if err != nil {
			return nil, err
		}
		return NewShardSource(opener, addrs), nil
	case KindRows:
		addrs, err := opener.Resolve(ctx, pattern, ".jsonl", ".json")
		if err != nil {
			return nil, err
		}
		return NewRowsSource(opener, addrs), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q (want %s or %s)", kind, KindShards, KindRows)
	}
}
