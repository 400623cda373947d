package encoder

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/Gertie01/dalle-mini/internal/imageproc"
	"github.com/Gertie01/dalle-mini/internal/safetensors"
)

const codebookTensor = "codebook"

// Codebook quantizes images patch by patch: every patch x patch block of
// pixels, flattened in HWC order, is replaced by the index of the nearest
// codebook row under squared L2 distance. Tokens are emitted in raster
// order of patches, so a size x size image yields (size/patch)^2 tokens.
type Codebook struct {
	Patch   int
	Entries int

	dim   int
	rows  []float32
	norms []float32
}

// LoadCodebook reads the "codebook" tensor, shaped [entries, patch*patch*3],
// from a safetensors file. patch may be zero, in which case it comes from
// the "patch_size" metadata entry or is inferred from the row width.
func LoadCodebook(path string, patch int) (*Codebook, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open codebook %s: %w", path, err)
	}
	data, rows, cols, err := f.ReadMatrix(codebookTensor)
	if err != nil {
		return nil, fmt.Errorf("read codebook %s: %w", path, err)
	}
	if patch == 0 {
		if v, ok := f.Metadata["patch_size"]; ok {
			patch, err = strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("codebook %s: bad patch_size metadata %q", path, v)
			}
		}
	}
	if patch == 0 {
		patch = int(math.Round(math.Sqrt(float64(cols) / imageproc.Channels)))
	}
	cb, err := NewCodebook(data, rows, cols, patch)
	if err != nil {
		return nil, fmt.Errorf("codebook %s: %w", path, err)
	}
	return cb, nil
}

// NewCodebook wraps rows x cols codebook values.
func NewCodebook(data []float32, rows, cols, patch int) (*Codebook, error) {
	if rows <= 0 || patch <= 0 {
		return nil, fmt.Errorf("%w: %d entries, patch %d", ErrShape, rows, patch)
	}
	if cols != patch*patch*imageproc.Channels {
		return nil, fmt.Errorf("%w: row width %d does not match patch %d", ErrShape, cols, patch)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("%w: %d values for %dx%d", ErrShape, len(data), rows, cols)
	}
	norms := make([]float32, rows)
	for i := range norms {
		row := data[i*cols : (i+1)*cols]
		var s float32
		for _, v := range row {
			s += v * v
		}
		norms[i] = s
	}
	return &Codebook{Patch: patch, Entries: rows, dim: cols, rows: data, norms: norms}, nil
}

// CheckSize reports whether images of the given size can be encoded.
func (c *Codebook) CheckSize(size int) error {
	if size <= 0 || size%c.Patch != 0 {
		return fmt.Errorf("%w: image size %d is not a multiple of patch %d", ErrShape, size, c.Patch)
	}
	return nil
}

// SequenceLength is the number of tokens produced per image of size.
func (c *Codebook) SequenceLength(size int) int {
	g := size / c.Patch
	return g * g
}

func (c *Codebook) Encode(ctx context.Context, images []imageproc.Image) ([][]int, error) {
	out := make([][]int, len(images))
	patch := make([]float32, c.dim)
	for i, im := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.CheckSize(im.Size); err != nil {
			return nil, err
		}
		if len(im.Pix) != im.Size*im.Size*imageproc.Channels {
			return nil, fmt.Errorf("%w: image %d has %d values for size %d", ErrShape, i, len(im.Pix), im.Size)
		}
		grid := im.Size / c.Patch
		tokens := make([]int, 0, grid*grid)
		for gy := 0; gy < grid; gy++ {
			for gx := 0; gx < grid; gx++ {
				c.gather(patch, im, gx*c.Patch, gy*c.Patch)
				tokens = append(tokens, c.nearest(patch))
			}
		}
		out[i] = tokens
	}
	return out, nil
}

func (c *Codebook) gather(dst []float32, im imageproc.Image, x0, y0 int) {
	rowLen := c.Patch * imageproc.Channels
	for py := 0; py < c.Patch; py++ {
		start := ((y0+py)*im.Size + x0) * imageproc.Channels
		copy(dst[py*rowLen:(py+1)*rowLen], im.Pix[start:start+rowLen])
	}
}

// nearest minimises |e|^2 - 2 e.p, which orders entries the same way as
// |e - p|^2. Ties go to the lowest index.
func (c *Codebook) nearest(p []float32) int {
	best, bestDist := 0, float32(math.Inf(1))
	for i := 0; i < c.Entries; i++ {
		row := c.rows[i*c.dim : (i+1)*c.dim]
		var dot float32
		for j, v := range row {
			dot += v * p[j]
		}
		if d := c.norms[i] - 2*dot; d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
