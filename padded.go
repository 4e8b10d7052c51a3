package metarl

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// Padded is a time-major block of row vectors.
//
// Row t*Batch+b stores the Dim-dimensional vector for
// timestep t of sequence b.
// Timesteps past the end of a shorter sequence are filled
// with zeros.
type Padded struct {
	Data  anydiff.Res
	Steps int
	Batch int
	Dim   int
}

// NewPadded wraps a flat result in a Padded.
//
// It panics if the result has the wrong size.
func NewPadded(data anydiff.Res, steps, batch, dim int) *Padded {
	if data.Output().Len() != steps*batch*dim {
		panic(fmt.Sprintf("padded size mismatch: have %d, expected %d*%d*%d",
			data.Output().Len(), steps, batch, dim))
	}
	return &Padded{Data: data, Steps: steps, Batch: batch, Dim: dim}
}

// ConstPadded creates a Padded which is not connected to
// any variables.
func ConstPadded(c anyvec.Creator, data []float64, steps, batch, dim int) *Padded {
	vec := c.MakeVectorData(c.MakeNumericList(data))
	return NewPadded(anydiff.NewConst(vec), steps, batch, dim)
}

// ZeroPadded creates a constant Padded full of zeros.
func ZeroPadded(c anyvec.Creator, steps, batch, dim int) *Padded {
	return NewPadded(anydiff.NewConst(c.MakeVector(steps*batch*dim)), steps,
		batch, dim)
}

// Creator returns the creator of the underlying vector.
func (p *Padded) Creator() anyvec.Creator {
	return p.Data.Output().Creator()
}

// Index computes the row index for timestep t of
// sequence b.
func (p *Padded) Index(t, b int) int {
	if t < 0 || t >= p.Steps || b < 0 || b >= p.Batch {
		panic(fmt.Sprintf("index (%d, %d) out of bounds (%d, %d)", t, b,
			p.Steps, p.Batch))
	}
	return t*p.Batch + b
}

// Rows gathers the rows with the given flat indices.
// The result has len(rows)*Dim components.
func (p *Padded) Rows(rows []int) anydiff.Res {
	return GatherRows(p.Data, p.Dim, rows)
}

// Step returns all the rows of timestep t.
func (p *Padded) Step(t int) anydiff.Res {
	if t < 0 || t >= p.Steps {
		panic(fmt.Sprintf("timestep %d out of bounds (%d)", t, p.Steps))
	}
	rowSize := p.Batch * p.Dim
	return anydiff.Slice(p.Data, t*rowSize, (t+1)*rowSize)
}

// Truncate keeps the first steps timesteps.
func (p *Padded) Truncate(steps int) *Padded {
	if steps == p.Steps {
		return p
	} else if steps > p.Steps || steps < 0 {
		panic(fmt.Sprintf("cannot truncate %d steps to %d", p.Steps, steps))
	}
	return &Padded{
		Data:  anydiff.Slice(p.Data, 0, steps*p.Batch*p.Dim),
		Steps: steps,
		Batch: p.Batch,
		Dim:   p.Dim,
	}
}

// Shift produces a view of steps timesteps starting at
// the given offset.
// Timesteps past the end of p are filled with zeros.
func (p *Padded) Shift(offset, steps int) *Padded {
	if offset < 0 || steps < 0 {
		panic("negative shift")
	}
	rowSize := p.Batch * p.Dim
	c := p.Creator()
	available := min(steps, p.Steps-offset)
	if available <= 0 {
		return ZeroPadded(c, steps, p.Batch, p.Dim)
	}
	data := anydiff.Slice(p.Data, offset*rowSize, (offset+available)*rowSize)
	if available < steps {
		zeros := anydiff.NewConst(c.MakeVector((steps - available) * rowSize))
		data = anydiff.Concat(data, zeros)
	}
	return &Padded{Data: data, Steps: steps, Batch: p.Batch, Dim: p.Dim}
}

// Detach returns a copy of p with no gradient flow.
func (p *Padded) Detach() *Padded {
	return &Padded{
		Data:  anydiff.NewConst(p.Data.Output()),
		Steps: p.Steps,
		Batch: p.Batch,
		Dim:   p.Dim,
	}
}

// ConcatBatch joins two blocks along the batch axis.
// Both blocks must have the same number of timesteps and
// the same dimension.
func ConcatBatch(p1, p2 *Padded) *Padded {
	if p1.Steps != p2.Steps || p1.Dim != p2.Dim {
		panic("shape mismatch")
	}
	batch := p1.Batch + p2.Batch
	table := make([]int, 0, p1.Steps*batch*p1.Dim)
	offset := p1.Data.Output().Len()
	for t := 0; t < p1.Steps; t++ {
		for b := 0; b < batch; b++ {
			var start int
			if b < p1.Batch {
				start = (t*p1.Batch + b) * p1.Dim
			} else {
				start = offset + (t*p2.Batch+b-p1.Batch)*p2.Dim
			}
			for d := 0; d < p1.Dim; d++ {
				table = append(table, start+d)
			}
		}
	}
	joined := anydiff.Concat(p1.Data, p2.Data)
	return &Padded{
		Data:  Gather(joined, table),
		Steps: p1.Steps,
		Batch: batch,
		Dim:   p1.Dim,
	}
}

// Gather produces a vector whose i-th component is the
// table[i]-th component of the input.
func Gather(in anydiff.Res, table []int) anydiff.Res {
	c := in.Output().Creator()
	if len(table) == 0 {
		return anydiff.NewConst(c.MakeVector(0))
	}
	mapper := c.MakeMapper(in.Output().Len(), table)
	return anydiff.Map(mapper, in)
}

// GatherRows gathers whole rows of a matrix with rowSize
// columns.
func GatherRows(in anydiff.Res, rowSize int, rows []int) anydiff.Res {
	numRows := in.Output().Len() / rowSize
	table := make([]int, 0, len(rows)*rowSize)
	for _, r := range rows {
		if r < 0 || r >= numRows {
			panic(fmt.Sprintf("row %d out of bounds (%d)", r, numRows))
		}
		for d := 0; d < rowSize; d++ {
			table = append(table, r*rowSize+d)
		}
	}
	return Gather(in, table)
}

// ConcatCols joins matrices with the same number of rows
// side by side.
// Nil entries are skipped.
func ConcatCols(rows int, parts ...anydiff.Res) anydiff.Res {
	var nonNil []anydiff.Res
	var dims []int
	for _, p := range parts {
		if p == nil {
			continue
		}
		if p.Output().Len()%rows != 0 {
			panic("row count does not divide part size")
		}
		nonNil = append(nonNil, p)
		dims = append(dims, p.Output().Len()/rows)
	}
	if len(nonNil) == 0 {
		panic("no parts to concatenate")
	} else if len(nonNil) == 1 {
		return nonNil[0]
	}
	var table []int
	for r := 0; r < rows; r++ {
		offset := 0
		for i, dim := range dims {
			for d := 0; d < dim; d++ {
				table = append(table, offset+r*dim+d)
			}
			offset += nonNil[i].Output().Len()
		}
	}
	return Gather(anydiff.Concat(nonNil...), table)
}

// SplitCols is the inverse of ConcatCols.
func SplitCols(in anydiff.Res, rows int, dims ...int) []anydiff.Res {
	var total int
	for _, d := range dims {
		total += d
	}
	if in.Output().Len() != rows*total {
		panic("split size mismatch")
	}
	res := make([]anydiff.Res, len(dims))
	offset := 0
	for i, dim := range dims {
		table := make([]int, 0, rows*dim)
		for r := 0; r < rows; r++ {
			for d := 0; d < dim; d++ {
				table = append(table, r*total+offset+d)
			}
		}
		res[i] = Gather(in, table)
		offset += dim
	}
	return res
}
