package splitwriter

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/Gertie01/dalle-mini/pkg/tokenseq"
)

type testLine struct {
	Key      string `json:"key"`
	Caption  string `json:"caption"`
	Encoding string `json:"encoding"`
}

func readLines(t *testing.T, path string) []testLine {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	var out []testLine
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<24)
	for sc.Scan() {
		var l testLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("%s: invalid JSON line %q: %v", path, sc.Text(), err)
		}
		out = append(out, l)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return out
}

func batchOf(n, size int) []Record {
	recs := make([]Record, size)
	for i := range recs {
		key := fmt.Sprintf("b%d-i%d", n, i)
		recs[i] = Record{Key: key, Caption: "caption " + key, Tokens: []int{n, i, 16383}}
	}
	return recs
}

func TestFileName(t *testing.T) {
	t.Parallel()
	tests := map[int]string{
		0:       "split_00000.jsonl",
		1:       "split_00001.jsonl",
		31:      "split_0001f.jsonl",
		0xfffff: "split_fffff.jsonl",
	}
	for split, want := range tests {
		if got := FileName(split); got != want {
			t.Errorf("FileName(%d): expected %q, got %q", split, want, got)
		}
	}
}

func TestRotationEverySecondBatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w, err := New(Options{Dir: dir, SaveEvery: 2})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	for n := 0; n < 5; n++ {
		if err := w.WriteBatch(batchOf(n, 3)); err != nil {
			t.Fatalf("WriteBatch(%d) returned error: %v", n, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	want := map[string][]int{
		"split_00000.jsonl": {0, 1},
		"split_00001.jsonl": {2, 3},
		"split_00002.jsonl": {4},
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d files, got %d", len(want), len(entries))
	}
	for name, batches := range want {
		lines := readLines(t, filepath.Join(dir, name))
		if len(lines) != len(batches)*3 {
			t.Fatalf("%s: expected %d records, got %d", name, len(batches)*3, len(lines))
		}
		i := 0
		for _, n := range batches {
			for j := 0; j < 3; j++ {
				wantKey := fmt.Sprintf("b%d-i%d", n, j)
				if lines[i].Key != wantKey {
					t.Fatalf("%s line %d: expected key %q, got %q", name, i, wantKey, lines[i].Key)
				}
				if lines[i].Caption != "caption "+wantKey {
					t.Fatalf("%s line %d: unexpected caption %q", name, i, lines[i].Caption)
				}
				toks, err := tokenseq.Parse(lines[i].Encoding)
				if err != nil {
					t.Fatalf("%s line %d: parse encoding: %v", name, i, err)
				}
				if !slices.Equal(toks, []int{n, j, 16383}) {
					t.Fatalf("%s line %d: unexpected tokens %v", name, i, toks)
				}
				i++
			}
		}
	}

	st := w.State()
	if st.Open || st.Files != 3 || st.Records != 15 || st.LastBatch != 4 {
		t.Fatalf("unexpected final state: %+v", st)
	}
}

func TestNoFileBeforeFirstBatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w, err := New(Options{Dir: filepath.Join(dir, "out"), SaveEvery: 4})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if st := w.State(); st.Open || st.Split != -1 || st.LastBatch != -1 {
		t.Fatalf("unexpected initial state: %+v", st)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no split files, got %d", len(entries))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	w, err := New(Options{Dir: t.TempDir(), SaveEvery: 1, Durable: true})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := w.WriteBatch(batchOf(0, 1)); err != nil {
		t.Fatalf("WriteBatch returned error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if err := w.WriteBatch(batchOf(1, 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestInterruptedRunLeavesWholeLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w, err := New(Options{Dir: dir, SaveEvery: 2})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	// Three batches rotate twice; the writer is abandoned without Close to
	// mimic an interrupted process.
	for n := 0; n < 3; n++ {
		if err := w.WriteBatch(batchOf(n, 2)); err != nil {
			t.Fatalf("WriteBatch(%d) returned error: %v", n, err)
		}
	}
	t.Cleanup(func() { _ = w.Close() })

	if got := readLines(t, filepath.Join(dir, FileName(0))); len(got) != 4 {
		t.Fatalf("closed split: expected 4 records, got %d", len(got))
	}
	raw, err := os.ReadFile(filepath.Join(dir, FileName(1)))
	if err != nil {
		t.Fatalf("read open split: %v", err)
	}
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		t.Fatalf("open split must end on a line boundary, got %q", raw)
	}
	if got := readLines(t, filepath.Join(dir, FileName(1))); len(got) != 2 {
		t.Fatalf("open split: expected 2 records, got %d", len(got))
	}
}

func TestOpenFailureIsFatal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// A directory squatting on the split name makes the open fail.
	if err := os.Mkdir(filepath.Join(dir, FileName(0)), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w, err := New(Options{Dir: dir, SaveEvery: 1})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	err = w.WriteBatch(batchOf(0, 1))
	if err == nil {
		t.Fatalf("expected open error")
	}
	if again := w.WriteBatch(batchOf(1, 1)); !errors.Is(again, err) {
		t.Fatalf("expected sticky error %v, got %v", err, again)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close after failure returned error: %v", err)
	}
}

func TestWriteFailureMidBatchIsFatal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w, err := New(Options{Dir: dir, SaveEvery: 4})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := w.WriteBatch(batchOf(0, 2)); err != nil {
		t.Fatalf("WriteBatch(0) returned error: %v", err)
	}

	// Swap the split for a read-only handle on the same file.
	path := w.path
	if err := w.file.Close(); err != nil {
		t.Fatalf("close split: %v", err)
	}
	ro, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen split: %v", err)
	}
	w.file = ro

	err = w.WriteBatch(batchOf(1, 2))
	if err == nil {
		t.Fatalf("expected write error")
	}
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		t.Fatalf("expected wrapped *os.PathError, got %v", err)
	}
	for _, want := range []string{"batch 1 record 0", `key "b1-i0"`, path} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got %v", want, err)
		}
	}
	if !errors.Is(w.err, err) {
		t.Fatalf("expected sticky error %v, got %v", err, w.err)
	}
	if again := w.WriteBatch(batchOf(2, 1)); !errors.Is(again, err) {
		t.Fatalf("expected later batches to be refused with %v, got %v", err, again)
	}

	st := w.State()
	if st.Batches != 1 || st.LastBatch != 0 || st.Records != 2 {
		t.Fatalf("expected state after batch 0 only, got %+v", st)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close after failure returned error: %v", err)
	}
	if lines := readLines(t, path); len(lines) != 2 {
		t.Fatalf("expected the 2 lines of batch 0, got %d", len(lines))
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	if _, err := New(Options{SaveEvery: 1}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions for empty dir, got %v", err)
	}
	if _, err := New(Options{Dir: t.TempDir()}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions for zero save_every, got %v", err)
	}
}

func TestEncodingIsAString(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w, err := New(Options{Dir: dir, SaveEvery: 1})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := w.WriteBatch([]Record{{Key: "k", Caption: `quote " and newline` + "\n", Tokens: []int{1, 2}}}); err != nil {
		t.Fatalf("WriteBatch returned error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, FileName(0)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := `{"key":"k","caption":"quote \" and newline\n","encoding":"[1,2]"}` + "\n"
	if string(raw) != want {
		t.Fatalf("unexpected line:\n got %s\nwant %s", raw, want)
	}
}
