package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/Gertie01/dalle-mini/pkg/tokenseq"
)

const maxLineBytes = 64 << 20

type splitLine struct {
	Key      *string `json:"key"`
	Caption  *string `json:"caption"`
	Encoding *string `json:"encoding"`
}

type lineError struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Err  string `json:"error"`
}

type fileReport struct {
	Name    string `json:"name"`
	Records int    `json:"records"`
}

type splitReport struct {
	Files      []fileReport `json:"files"`
	Records    int          `json:"records"`
	Lengths    map[int]int  `json:"sequence_lengths"`
	Duplicates []string     `json:"duplicate_keys,omitempty"`
	Malformed  []lineError  `json:"malformed,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		path     string
		jsonOut  bool
		maxShown int64
	)
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Check split files written by encode",
		ArgsUsage: "<output-dir or split file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "path",
				Aliases:     []string{"p"},
				Usage:       "split directory or single split file",
				Destination: &path,
			},
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &jsonOut},
			&cli.Int64Flag{
				Name:        "max-errors",
				Usage:       "malformed lines to list (0 = all)",
				Value:       20,
				Destination: &maxShown,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if path == "" {
				path = cmd.Args().First()
			}
			if path == "" {
				return fmt.Errorf("a split directory or file is required")
			}
			rep, err := inspectSplits(path)
			if err != nil {
				return err
			}
			out := cmd.Root().Writer
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return err
				}
			} else {
				printReport(out, rep, int(maxShown))
			}
			if len(rep.Malformed) > 0 {
				return cli.Exit(fmt.Sprintf("%d malformed lines", len(rep.Malformed)), 1)
			}
			return nil
		},
	}
}

// inspectSplits reads path, a directory of split files or one file.
func inspectSplits(path string) (splitReport, error) {
	info, err := os.Stat(path)
	if err != nil {
		return splitReport{}, err
	}
	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "split_*.jsonl"))
		if err != nil {
			return splitReport{}, err
		}
		if len(files) == 0 {
			return splitReport{}, fmt.Errorf("no split files in %s", path)
		}
		slices.Sort(files)
	}

	rep := splitReport{Lengths: map[int]int{}}
	seen := map[string]int{}
	for _, name := range files {
		if err := inspectFile(name, seen, &rep); err != nil {
			return splitReport{}, err
		}
	}
	for key, n := range seen {
		if n > 1 {
			rep.Duplicates = append(rep.Duplicates, key)
		}
	}
	slices.Sort(rep.Duplicates)
	return rep, nil
}

func inspectFile(path string, seen map[string]int, rep *splitReport) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	fr := fileReport{Name: filepath.Base(path)}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		key, n, err := checkLine(raw)
		if err != nil {
			rep.Malformed = append(rep.Malformed, lineError{File: fr.Name, Line: lineNo, Err: err.Error()})
			continue
		}
		fr.Records++
		rep.Lengths[n]++
		seen[key]++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	rep.Files = append(rep.Files, fr)
	rep.Records += fr.Records
	return nil
}

// checkLine validates one split record and returns its key and sequence
// length.
func checkLine(raw []byte) (string, int, error) {
	var l splitLine
	if err := json.Unmarshal(raw, &l); err != nil {
		return "", 0, fmt.Errorf("invalid json: %w", err)
	}
	switch {
	case l.Key == nil:
		return "", 0, fmt.Errorf("missing key")
	case l.Caption == nil:
		return "", 0, fmt.Errorf("missing caption")
	case l.Encoding == nil:
		return "", 0, fmt.Errorf("missing encoding")
	}
	tokens, err := tokenseq.Parse(*l.Encoding)
	if err != nil {
		return "", 0, err
	}
	return *l.Key, len(tokens), nil
}

func printReport(w io.Writer, rep splitReport, maxShown int) {
	_, _ = fmt.Fprintf(w, "files:   %d\n", len(rep.Files))
	_, _ = fmt.Fprintf(w, "records: %d\n", rep.Records)
	for _, f := range rep.Files {
		_, _ = fmt.Fprintf(w, "  %-20s %d\n", f.Name, f.Records)
	}

	lengths := make([]int, 0, len(rep.Lengths))
	for n := range rep.Lengths {
		lengths = append(lengths, n)
	}
	slices.Sort(lengths)
	_, _ = fmt.Fprintln(w, "sequence lengths:")
	for _, n := range lengths {
		_, _ = fmt.Fprintf(w, "  %-6d %d\n", n, rep.Lengths[n])
	}

	if len(rep.Duplicates) > 0 {
		_, _ = fmt.Fprintf(w, "duplicate keys: %d\n", len(rep.Duplicates))
		for i, key := range rep.Duplicates {
			if maxShown > 0 && i >= maxShown {
				_, _ = fmt.Fprintf(w, "  ... %d more\n", len(rep.Duplicates)-i)
				break
			}
			_, _ = fmt.Fprintf(w, "  %s\n", key)
		}
	}
	if len(rep.Malformed) > 0 {
		_, _ = fmt.Fprintf(w, "malformed lines: %d\n", len(rep.Malformed))
		for i, e := range rep.Malformed {
			if maxShown > 0 && i >= maxShown {
				_, _ = fmt.Fprintf(w, "  ... %d more\n", len(rep.Malformed)-i)
				break
			}
			_, _ = fmt.Fprintf(w, "  %s:%d: %s\n", e.File, e.Line, e.Err)
		}
	}
}
