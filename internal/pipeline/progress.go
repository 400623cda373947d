package pipeline

import (
	"sync/atomic"
	"time"
)

// Progress is updated by Run after every batch and may be read
// concurrently, e.g. by the status server.
type Progress struct {
	RunID   string
	Started time.Time

	produced     atomic.Int64
	skipped      atomic.Int64
	batches      atomic.Int64
	records      atomic.Int64
	split        atomic.Int64
	lastBatch    atomic.Int64
	lastProgress atomic.Int64
	done         atomic.Bool
	failed       atomic.Bool
}

func NewProgress(runID string, now time.Time) *Progress {
	p := &Progress{RunID: runID, Started: now}
	p.split.Store(-1)
	p.lastBatch.Store(-1)
	p.lastProgress.Store(now.UnixNano())
	return p
}

// Snapshot is a point-in-time copy of Progress.
type Snapshot struct {
	RunID                string  `json:"run_id"`
	ItemsProduced        int64   `json:"items_produced"`
	ItemsSkipped         int64   `json:"items_skipped"`
	Batches              int64   `json:"batches"`
	Records              int64   `json:"records"`
	Split                int64   `json:"split"`
	LastBatch            int64   `json:"last_batch"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
	SecondsSinceProgress float64 `json:"seconds_since_progress"`
	Done                 bool    `json:"done"`
	Failed               bool    `json:"failed"`
}

func (p *Progress) Snapshot(now time.Time) Snapshot {
	last := time.Unix(0, p.lastProgress.Load())
	return Snapshot{
		RunID:                p.RunID,
		ItemsProduced:        p.produced.Load(),
		ItemsSkipped:         p.skipped.Load(),
		Batches:              p.batches.Load(),
		Records:              p.records.Load(),
		Split:                p.split.Load(),
		LastBatch:            p.lastBatch.Load(),
		UptimeSeconds:        now.Sub(p.Started).Seconds(),
		SecondsSinceProgress: now.Sub(last).Seconds(),
		Done:                 p.done.Load(),
		Failed:               p.failed.Load(),
	}
}

// Stalled reports whether a running pipeline has made no progress within
// timeout. A finished run is never stalled.
func (p *Progress) Stalled(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 || p.done.Load() {
		return false
	}
	return now.Sub(time.Unix(0, p.lastProgress.Load())) > timeout
}

func (p *Progress) batchWritten(now time.Time, index, records, split int, produced, skipped int64) {
	p.produced.Store(produced)
	p.skipped.Store(skipped)
	p.batches.Add(1)
	p.records.Add(int64(records))
	p.split.Store(int64(split))
	p.lastBatch.Store(int64(index))
	p.lastProgress.Store(now.UnixNano())
}

func (p *Progress) finish(produced, skipped int64, failed bool) {
	p.produced.Store(produced)
	p.skipped.Store(skipped)
	p.failed.Store(failed)
	p.done.Store(true)
}
