package metarl

import (
	"fmt"

	"github.com/unixpickle/anydiff"
)

// Lengths stores the length of each sequence in a batch.
type Lengths []int

// Max returns the length of the longest sequence.
func (l Lengths) Max() int {
	var res int
	for _, x := range l {
		res = max(res, x)
	}
	return res
}

// Min returns the length of the shortest sequence, or 0
// for an empty batch.
func (l Lengths) Min() int {
	if len(l) == 0 {
		return 0
	}
	res := l[0]
	for _, x := range l[1:] {
		res = min(res, x)
	}
	return res
}

// Uniform checks if every sequence has the same length.
func (l Lengths) Uniform() bool {
	for _, x := range l {
		if x != l[0] {
			return false
		}
	}
	return true
}

// Jagged is a Padded batch of sequences with a known
// length for each sequence.
//
// Rows at or past a sequence's length are padding.
type Jagged struct {
	*Padded
	Lens Lengths
}

// NewJagged creates a Jagged, checking the lengths.
func NewJagged(p *Padded, lens Lengths) *Jagged {
	if len(lens) != p.Batch {
		panic(fmt.Sprintf("have %d lengths for batch of %d", len(lens), p.Batch))
	}
	for _, l := range lens {
		if l < 0 || l > p.Steps {
			panic(fmt.Sprintf("length %d out of bounds (%d)", l, p.Steps))
		}
	}
	return &Jagged{Padded: p, Lens: lens}
}

// MaxLen returns the length of the longest sequence.
func (j *Jagged) MaxLen() int {
	return j.Lens.Max()
}

// Uniform checks if every sequence has the same length.
func (j *Jagged) Uniform() bool {
	return j.Lens.Uniform()
}

// Index returns the row index for timestep t of
// sequence b.
//
// It panics if t is not within the sequence.
func (j *Jagged) Index(t, b int) int {
	if t < 0 || t >= j.Lens[b] {
		panic(fmt.Sprintf("timestep %d outside of sequence %d (length %d)",
			t, b, j.Lens[b]))
	}
	return j.Padded.Index(t, b)
}

// At returns the row for timestep t of sequence b.
//
// It panics if t is not within the sequence.
func (j *Jagged) At(t, b int) anydiff.Res {
	return j.Rows([]int{j.Index(t, b)})
}

// Sequence returns the unpadded rows of sequence b, in
// order of time.
func (j *Jagged) Sequence(b int) anydiff.Res {
	rows := make([]int, j.Lens[b])
	for t := range rows {
		rows[t] = j.Index(t, b)
	}
	return j.Rows(rows)
}

// ConcatJagged joins two batches along the batch axis.
// The lengths are concatenated as well.
func ConcatJagged(j1, j2 *Jagged) *Jagged {
	lens := append(append(Lengths{}, j1.Lens...), j2.Lens...)
	return NewJagged(ConcatBatch(j1.Padded, j2.Padded), lens)
}
