package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Gertie01/dalle-mini/internal/batch"
	"github.com/Gertie01/dalle-mini/internal/dataset"
	"github.com/Gertie01/dalle-mini/internal/encoder"
	"github.com/Gertie01/dalle-mini/internal/imageproc"
	"github.com/Gertie01/dalle-mini/internal/logger"
	"github.com/Gertie01/dalle-mini/internal/splitwriter"
	"github.com/Gertie01/dalle-mini/pkg/tokenseq"
)

// stubLoader yields n items whose first pixel carries the item index.
type stubLoader struct {
	n, next int
	err     error
	errAt   int
}

func (s *stubLoader) Next(context.Context) (dataset.Prepared, error) {
	if s.err != nil && s.next == s.errAt {
		return dataset.Prepared{}, s.err
	}
	if s.next >= s.n {
		return dataset.Prepared{}, io.EOF
	}
	i := s.next
	s.next++
	return dataset.Prepared{
		Key:     "key-" + strconv.Itoa(i),
		Caption: "caption " + strconv.Itoa(i),
		Image:   imageproc.Image{Size: 1, Pix: []float32{float32(i), 0, 0}},
	}, nil
}

func (s *stubLoader) Stats() dataset.LoaderStats {
	return dataset.LoaderStats{Produced: int64(s.next)}
}

// tagEncoder encodes each image as [tag, tag+1000] where tag is its first
// pixel. failAt makes the call for that batch number fail.
type tagEncoder struct {
	calls  int
	failAt int
	err    error
}

func (e *tagEncoder) Encode(_ context.Context, images []imageproc.Image) ([][]int, error) {
	call := e.calls
	e.calls++
	if e.err != nil && call == e.failAt {
		return nil, e.err
	}
	out := make([][]int, len(images))
	for i, im := range images {
		tag := int(im.Pix[0])
		out[i] = []int{tag, tag + 1000}
	}
	return out, nil
}

type outLine struct {
	Key      string `json:"key"`
	Caption  string `json:"caption"`
	Encoding string `json:"encoding"`
}

func readSplits(t *testing.T, dir string) map[string][]outLine {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "split_*.jsonl"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	out := make(map[string][]outLine, len(files))
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("open %s: %v", path, err)
		}
		sc := bufio.NewScanner(f)
		var lines []outLine
		for sc.Scan() {
			var l outLine
			if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
				t.Fatalf("%s: malformed line %q: %v", path, sc.Text(), err)
			}
			lines = append(lines, l)
		}
		_ = f.Close()
		out[filepath.Base(path)] = lines
	}
	return out
}

func newWriter(t *testing.T, dir string, saveEvery int) *splitwriter.Writer {
	t.Helper()
	w, err := splitwriter.New(splitwriter.Options{Dir: dir, SaveEvery: saveEvery})
	if err != nil {
		t.Fatalf("splitwriter.New: %v", err)
	}
	return w
}

func TestRunFiveItemsThreeFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	stats, err := Run(context.Background(), Components{
		Loader:  &stubLoader{n: 5},
		Encoder: &tagEncoder{},
		Writer:  newWriter(t, dir, 2),
	}, Settings{PerDevice: 1, Devices: 1}, logger.Discard())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stats.Batches != 5 || stats.Records != 5 || stats.Files != 3 || stats.Produced != 5 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	splits := readSplits(t, dir)
	counts := []int{len(splits["split_00000.jsonl"]), len(splits["split_00001.jsonl"]), len(splits["split_00002.jsonl"])}
	if len(splits) != 3 || counts[0] != 2 || counts[1] != 2 || counts[2] != 1 {
		t.Fatalf("expected counts [2 2 1] in 3 files, got %v in %d files", counts, len(splits))
	}

	seen := map[string]int{}
	i := 0
	for _, name := range []string{"split_00000.jsonl", "split_00001.jsonl", "split_00002.jsonl"} {
		for _, l := range splits[name] {
			seen[l.Key]++
			if want := "key-" + strconv.Itoa(i); l.Key != want {
				t.Fatalf("record %d: expected key %s, got %s", i, want, l.Key)
			}
			tokens, err := tokenseq.Parse(l.Encoding)
			if err != nil {
				t.Fatalf("record %d: bad encoding %q: %v", i, l.Encoding, err)
			}
			if len(tokens) != 2 || tokens[0] != i || tokens[1] != i+1000 {
				t.Fatalf("record %d: unexpected tokens %v", i, tokens)
			}
			i++
		}
	}
	for k, n := range seen {
		if n != 1 {
			t.Fatalf("key %s written %d times", k, n)
		}
	}
}

func TestRunPadsFinalBatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		policy  batch.Policy
		records int64
	}{
		{batch.Pad, 5},
		{batch.Short, 5},
		{batch.Drop, 4},
	}
	for _, tc := range tests {
		dir := t.TempDir()
		devices := []encoder.Encoder{&tagEncoder{}, &tagEncoder{}}
		par, err := encoder.NewParallel(devices)
		if err != nil {
			t.Fatalf("NewParallel: %v", err)
		}
		stats, err := Run(context.Background(), Components{
			Loader:  &stubLoader{n: 5},
			Encoder: par,
			Writer:  newWriter(t, dir, 10),
		}, Settings{PerDevice: 2, Devices: 2, Partial: tc.policy}, logger.Discard())
		par.Close()
		if err != nil {
			t.Fatalf("%s: Run returned error: %v", tc.policy, err)
		}
		if stats.Records != tc.records {
			t.Fatalf("%s: expected %d records, got %d", tc.policy, tc.records, stats.Records)
		}
		lines := readSplits(t, dir)["split_00000.jsonl"]
		if int64(len(lines)) != tc.records {
			t.Fatalf("%s: expected %d lines, got %d", tc.policy, tc.records, len(lines))
		}
		if last := lines[len(lines)-1]; last.Key != "key-"+strconv.Itoa(int(tc.records)-1) {
			t.Fatalf("%s: unexpected last key %s", tc.policy, last.Key)
		}
	}
}

func TestRunEncoderFailureClosesWriter(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var logs bytes.Buffer
	w := newWriter(t, dir, 2)
	boom := errors.New("device 0 out of memory")

	_, err := Run(context.Background(), Components{
		Loader:  &stubLoader{n: 10},
		Encoder: &tagEncoder{failAt: 3, err: boom},
		Writer:  w,
	}, Settings{PerDevice: 1, Devices: 1}, logger.Text(&logs, slog.LevelInfo))
	if !errors.Is(err, boom) {
		t.Fatalf("expected encoder error, got %v", err)
	}
	if !strings.Contains(err.Error(), "encode batch 3") {
		t.Fatalf("expected batch index in error, got %v", err)
	}
	if st := w.State(); st.Open || st.LastBatch != 2 {
		t.Fatalf("expected closed writer after batch 2, got %+v", st)
	}
	if err := w.WriteBatch(nil); !errors.Is(err, splitwriter.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	out := logs.String()
	if !strings.Contains(out, "run failed") || !strings.Contains(out, "last_batch=2") {
		t.Fatalf("expected resume hint in logs:\n%s", out)
	}

	splits := readSplits(t, dir)
	if len(splits["split_00000.jsonl"]) != 2 || len(splits["split_00001.jsonl"]) != 1 {
		t.Fatalf("unexpected split contents %v", splits)
	}
}

func TestRunLoaderFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	stall := dataset.ErrStalled
	_, err := Run(context.Background(), Components{
		Loader:  &stubLoader{n: 10, err: stall, errAt: 3},
		Encoder: &tagEncoder{},
		Writer:  newWriter(t, dir, 1),
	}, Settings{PerDevice: 2, Devices: 1}, logger.Discard())
	if !errors.Is(err, dataset.ErrStalled) {
		t.Fatalf("expected ErrStalled, got %v", err)
	}
	splits := readSplits(t, dir)
	if len(splits) != 1 || len(splits["split_00000.jsonl"]) != 2 {
		t.Fatalf("expected only the first batch on disk, got %v", splits)
	}
}

func TestRunResultCountMismatch(t *testing.T) {
	t.Parallel()
	_, err := Run(context.Background(), Components{
		Loader:  &stubLoader{n: 2},
		Encoder: shortEncoder{},
		Writer:  newWriter(t, t.TempDir(), 1),
	}, Settings{PerDevice: 2, Devices: 1}, logger.Discard())
	if !errors.Is(err, ErrResultCount) {
		t.Fatalf("expected ErrResultCount, got %v", err)
	}
}

type shortEncoder struct{}

func (shortEncoder) Encode(_ context.Context, images []imageproc.Image) ([][]int, error) {
	return make([][]int, len(images)-1), nil
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := newWriter(t, t.TempDir(), 1)
	_, err := Run(ctx, Components{
		Loader:  &stubLoader{n: 3},
		Encoder: &tagEncoder{},
		Writer:  w,
	}, Settings{PerDevice: 1, Devices: 1}, logger.Discard())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if w.State().Open {
		t.Fatalf("expected writer to be closed")
	}
}

func TestRunSanity(t *testing.T) {
	t.Parallel()
	w := newWriter(t, t.TempDir(), 1)
	if _, err := Run(context.Background(), Components{Writer: w}, Settings{PerDevice: 1, Devices: 1}, nil); err == nil {
		t.Fatalf("expected sanity error")
	}
	if err := w.WriteBatch(nil); !errors.Is(err, splitwriter.ErrClosed) {
		t.Fatalf("expected writer to be closed after sanity failure, got %v", err)
	}
}

func TestRunWithDatasetLoader(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := &itemSource{items: []dataset.Item{
		{Key: "a", Title: "Red", Description: "square", Image: pngBytes(t, color.RGBA{R: 255, A: 255})},
		{Key: "b", Title: "Broken", Image: []byte("garbage")},
		{Key: "c", Title: "Blue?", Description: "", Image: pngBytes(t, color.RGBA{B: 255, A: 255})},
	}}
	loader := dataset.NewLoader(src, dataset.LoaderOptions{
		ImageSize: 4,
		Policy:    dataset.WarnAndSkip(logger.Discard()),
	})
	cb, err := encoder.NewCodebook(append(make([]float32, 12), 1, 0, 0, 1, 0, 0, 1, 0, 0, 1, 0, 0), 2, 12, 2)
	if err != nil {
		t.Fatalf("NewCodebook: %v", err)
	}
	progress := NewProgress("run-1", time.Now())
	stats, err := Run(context.Background(), Components{
		Loader:  loader,
		Encoder: cb,
		Writer:  newWriter(t, dir, 1),
	}, Settings{PerDevice: 1, Devices: 1, Progress: progress}, logger.Discard())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stats.Produced != 2 || stats.Skipped != 1 || stats.Records != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	splits := readSplits(t, dir)
	first, second := splits["split_00000.jsonl"], splits["split_00001.jsonl"]
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("unexpected splits %v", splits)
	}
	if first[0].Caption != "Red. square" || first[0].Encoding != "[1,1,1,1]" {
		t.Fatalf("unexpected first record %+v", first[0])
	}
	if second[0].Key != "c" || second[0].Caption != "Blue? " || second[0].Encoding != "[0,0,0,0]" {
		t.Fatalf("unexpected second record %+v", second[0])
	}

	snap := progress.Snapshot(time.Now())
	if !snap.Done || snap.Failed || snap.Batches != 2 || snap.Records != 2 || snap.ItemsSkipped != 1 || snap.LastBatch != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestProgressStalled(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := NewProgress("r", start)
	if p.Stalled(start.Add(time.Minute), 2*time.Minute) {
		t.Fatalf("should not be stalled after one minute")
	}
	if !p.Stalled(start.Add(3*time.Minute), 2*time.Minute) {
		t.Fatalf("should be stalled after three minutes")
	}
	p.batchWritten(start.Add(3*time.Minute), 0, 4, 0, 4, 0)
	if p.Stalled(start.Add(4*time.Minute), 2*time.Minute) {
		t.Fatalf("progress should reset the stall clock")
	}
	if p.Stalled(start.Add(time.Hour), 0) {
		t.Fatalf("zero timeout disables stall detection")
	}
	p.finish(4, 0, false)
	if p.Stalled(start.Add(time.Hour), 2*time.Minute) {
		t.Fatalf("finished run is never stalled")
	}
	snap := p.Snapshot(start.Add(5 * time.Minute))
	if snap.SecondsSinceProgress != 120 || snap.Split != 0 || snap.Records != 4 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

type itemSource struct {
	items []dataset.Item
}

func (s *itemSource) Next(context.Context) (dataset.Item, error) {
	if len(s.items) == 0 {
		return dataset.Item{}, io.EOF
	}
	it := s.items[0]
	s.items = s.items[1:]
	return it, nil
}

func (s *itemSource) Close() error { return nil }

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
