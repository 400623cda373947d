package main

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"testing"

	json "github.com/goccy/go-json"
)

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

// writeShard writes a webdataset tar with one png and one json sidecar per
// key.
func writeShard(t *testing.T, path string, keys []string, colors []color.Color) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	add := func(name string, data []byte) {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("tar header %s: %v", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatalf("tar write %s: %v", name, err)
		}
	}
	for i, key := range keys {
		add(key+".png", pngBytes(t, colors[i]))
		add(key+".json", []byte(`{"title_clean":"Item `+key+`","description_clean":"plain"}`))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

// writeCodebook writes a safetensors file holding a single F32 "codebook"
// tensor.
func writeCodebook(t *testing.T, path string, rows [][]float32) {
	t.Helper()
	var payload []byte
	for _, row := range rows {
		for _, v := range row {
			payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
		}
	}
	hdr, err := json.Marshal(map[string]any{
		"codebook": map[string]any{
			"dtype":        "F32",
			"shape":        []int{len(rows), len(rows[0])},
			"data_offsets": []int{0, len(payload)},
		},
	})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(hdr)))
	buf = append(buf, hdr...)
	buf = append(buf, payload...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write codebook: %v", err)
	}
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}
