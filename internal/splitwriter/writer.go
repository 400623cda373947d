// Package splitwriter persists encoded batches to rotating JSON-lines files.
//
// A Writer starts with no open file. Batch n (zero based) opens a new split
// file whenever n is a multiple of SaveEvery, closing the previous one first,
// so every split holds SaveEvery batches except possibly the last. Rotation
// depends only on the batch count, which makes file sizes approximate: token
// sequences have a fixed length but captions do not.
package splitwriter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/Gertie01/dalle-mini/internal/logger"
	"github.com/Gertie01/dalle-mini/pkg/tokenseq"
)

var (
	ErrInvalidOptions = errors.New("splitwriter: invalid options")
	ErrClosed         = errors.New("splitwriter: writer is closed")
)

// Record is one encoded image. It becomes one line of a split file.
type Record struct {
	Key     string
	Caption string
	Tokens  []int
}

type line struct {
	Key      string `json:"key"`
	Caption  string `json:"caption"`
	Encoding string `json:"encoding"`
}

type Options struct {
	// Dir receives the split files. It is created if missing.
	Dir string
	// SaveEvery is the number of batches per split file.
	SaveEvery int
	// Durable forces file data to stable storage after every batch.
	Durable bool
	Log     logger.Logger
}

// State is a snapshot of the writer, used for progress reporting and for
// the resume hint logged after a failure.
type State struct {
	Open      bool
	Split     int
	Path      string
	Batches   int
	LastBatch int
	Files     int
	Records   int64
}

type Writer struct {
	opts Options
	log  logger.Logger

	file        *os.File
	split       int
	path        string
	fileRecords int

	batches int
	files   int
	records int64
	closed  bool
	err     error
	buf     []byte
}

// FileName returns the name of split index as a five digit lowercase hex
// string, e.g. split_0001f.jsonl.
func FileName(split int) string {
	return fmt.Sprintf("split_%05x.jsonl", split)
}

func New(opts Options) (*Writer, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: output directory is required", ErrInvalidOptions)
	}
	if opts.SaveEvery <= 0 {
		return nil, fmt.Errorf("%w: save_every must be positive, got %d", ErrInvalidOptions, opts.SaveEvery)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Writer{opts: opts, log: log, split: -1}, nil
}

// WriteBatch appends the records of the next batch, rotating first when the
// batch starts a new split. Any error is fatal: the writer refuses further
// batches and the caller should Close and abort.
func (w *Writer) WriteBatch(records []Record) error {
	if w.closed {
		return ErrClosed
	}
	if w.err != nil {
		return w.err
	}
	n := w.batches
	if n%w.opts.SaveEvery == 0 {
		if err := w.rotate(n / w.opts.SaveEvery); err != nil {
			return w.fail(fmt.Errorf("batch %d: %w", n, err))
		}
	}
	for i, rec := range records {
		if err := w.writeRecord(rec); err != nil {
			return w.fail(fmt.Errorf("batch %d record %d (key %q) to %s: %w", n, i, rec.Key, w.path, err))
		}
	}
	if w.opts.Durable {
		if err := datasync(w.file); err != nil {
			return w.fail(fmt.Errorf("batch %d: sync %s: %w", n, w.path, err))
		}
	}
	w.batches++
	return nil
}

// writeRecord writes one complete line with a single write call. There is
// no user-space buffer, so everything handed to the kernel is whole lines.
func (w *Writer) writeRecord(rec Record) error {
	b, err := json.Marshal(line{
		Key:      rec.Key,
		Caption:  rec.Caption,
		Encoding: tokenseq.Format(rec.Tokens),
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	w.buf = append(append(w.buf[:0], b...), '\n')
	if _, err := w.file.Write(w.buf); err != nil {
		return err
	}
	w.fileRecords++
	w.records++
	return nil
}

func (w *Writer) rotate(split int) error {
	if err := w.closeFile(); err != nil {
		return err
	}
	path := filepath.Join(w.opts.Dir, FileName(split))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open split: %w", err)
	}
	w.file = f
	w.split = split
	w.path = path
	w.fileRecords = 0
	w.files++
	w.log.Info("opened split", "split", split, "path", path)
	return nil
}

func (w *Writer) closeFile() error {
	if w.file == nil {
		return nil
	}
	f, path := w.file, w.path
	w.file = nil
	if w.opts.Durable {
		if err := datasync(f); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync %s: %w", path, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	w.log.Info("closed split", "split", w.split, "path", path, "records", w.fileRecords)
	return nil
}

func (w *Writer) fail(err error) error {
	w.err = err
	return err
}

// Close releases the open split file. It is safe to call more than once and
// after a failed WriteBatch.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.closeFile()
}

func (w *Writer) State() State {
	return State{
		Open:      w.file != nil,
		Split:     w.split,
		Path:      w.path,
		Batches:   w.batches,
		LastBatch: w.batches - 1,
		Files:     w.files,
		Records:   w.records,
	}
}
