package anybrim

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/metarl"
)

// DefaultSharpness is the default attention temperature
// of a Memory.
const DefaultSharpness = 10

// Memory is an associative memory with an episodic store
// and optional Hebbian fast weights.
//
// The episodic store keeps every written key-value pair
// and reads with softmax attention over the keys.
// It is cleared at the end of every episode.
//
// Hebbian fast weights W are updated on every write as
//
//	W += HebbLR * (A v)(B k)^T
//
// and are only cleared at the end of a task.
// Reads add a gated W q term to the episodic read, where
// the gate is computed from the reader's hidden state.
type Memory struct {
	KeySize   int
	ValueSize int

	// Sharpness scales the attention scores.
	Sharpness float64

	Hebbian bool
	HebbLR  float64

	// A and B are meta-parameters that transform values
	// and keys before they are stored in W.
	A *anydiff.Var
	B *anydiff.Var

	// Gate maps a hidden state to the logit of a scalar
	// which controls the fast weight read.
	Gate anynet.Layer

	creator anyvec.Creator
	states  map[metarl.Branch]*memoryState
}

type memoryState struct {
	keys   [][]anydiff.Res
	values [][]anydiff.Res
	fast   []anydiff.Res
}

// NewMemory creates a memory.
// The Hebbian meta-parameters are initialized to the
// identity.
func NewMemory(c anyvec.Creator, keySize, valueSize, hiddenSize int, hebbian bool,
	hebbLR float64) *Memory {
	res := &Memory{
		KeySize:   keySize,
		ValueSize: valueSize,
		Sharpness: DefaultSharpness,
		Hebbian:   hebbian,
		HebbLR:    hebbLR,
		creator:   c,
		states:    map[metarl.Branch]*memoryState{},
	}
	if hebbian {
		res.A = anydiff.NewVar(identity(c, valueSize))
		res.B = anydiff.NewVar(identity(c, keySize))
		res.Gate = anynet.NewFC(c, hiddenSize, 1)
	}
	return res
}

// Parameters returns the gate parameters.
func (m *Memory) Parameters() []*anydiff.Var {
	if !m.Hebbian {
		return nil
	}
	return anynet.AllParameters(m.Gate)
}

// MetaParameters returns A and B, if the memory is
// Hebbian.
func (m *Memory) MetaParameters() []*anydiff.Var {
	if !m.Hebbian {
		return nil
	}
	return []*anydiff.Var{m.A, m.B}
}

// Prior clears the memory of a branch.
func (m *Memory) Prior(batch int, b metarl.Branch) {
	s := &memoryState{
		keys:   make([][]anydiff.Res, batch),
		values: make([][]anydiff.Res, batch),
		fast:   make([]anydiff.Res, batch),
	}
	for i := range s.fast {
		s.fast[i] = m.zeroFast()
	}
	m.states[b] = s
}

// Reset clears the episodic store of every finished
// episode and the fast weights of every finished task.
func (m *Memory) Reset(doneTask, doneEpisode []bool, b metarl.Branch) {
	s := m.state(b)
	for i := range s.keys {
		if doneTask[i] || doneEpisode[i] {
			s.keys[i] = nil
			s.values[i] = nil
		}
		if doneTask[i] {
			s.fast[i] = m.zeroFast()
		}
	}
}

// Write stores one key-value pair per sequence.
func (m *Memory) Write(keys, values anydiff.Res, b metarl.Branch) {
	s := m.state(b)
	m.checkRows(keys, m.KeySize, len(s.keys))
	m.checkRows(values, m.ValueSize, len(s.keys))
	for i := range s.keys {
		k := anydiff.Slice(keys, i*m.KeySize, (i+1)*m.KeySize)
		v := anydiff.Slice(values, i*m.ValueSize, (i+1)*m.ValueSize)
		s.keys[i] = append(s.keys[i], k)
		s.values[i] = append(s.values[i], v)
		if m.Hebbian {
			update := outer(matVec(m.A, m.ValueSize, m.ValueSize, v),
				matVec(m.B, m.KeySize, m.KeySize, k))
			s.fast[i] = anydiff.Add(s.fast[i],
				anydiff.Scale(update, m.creator.MakeNumeric(m.HebbLR)))
		}
	}
}

// Read retrieves one value per sequence.
func (m *Memory) Read(queries, hidden anydiff.Res, b metarl.Branch) anydiff.Res {
	s := m.state(b)
	n := len(s.keys)
	m.checkRows(queries, m.KeySize, n)
	hiddenSize := hidden.Output().Len() / n
	reads := make([]anydiff.Res, n)
	for i := range reads {
		q := anydiff.Slice(queries, i*m.KeySize, (i+1)*m.KeySize)
		read := m.episodicRead(s.keys[i], s.values[i], q)
		if m.Hebbian {
			h := anydiff.Slice(hidden, i*hiddenSize, (i+1)*hiddenSize)
			gate := repeat(anydiff.Sigmoid(m.Gate.Apply(h, 1)), m.ValueSize)
			fast := matVec(s.fast[i], m.ValueSize, m.KeySize, q)
			read = anydiff.Add(read, anydiff.Mul(gate, fast))
		}
		reads[i] = read
	}
	return anydiff.Concat(reads...)
}

func (m *Memory) episodicRead(keys, values []anydiff.Res, q anydiff.Res) anydiff.Res {
	c := m.creator
	count := len(keys)
	if count == 0 {
		return anydiff.NewConst(c.MakeVector(m.ValueSize))
	}
	scores := anydiff.SumCols(&anydiff.Matrix{
		Data: anydiff.Mul(anydiff.Concat(keys...), repeat(q, count)),
		Rows: count,
		Cols: m.KeySize,
	})
	weights := anydiff.Exp(anydiff.LogSoftmax(
		anydiff.Scale(scores, c.MakeNumeric(m.Sharpness)), count))

	// Weigh each stored value, then sum the rows.
	var spread, transpose []int
	for r := 0; r < count; r++ {
		for d := 0; d < m.ValueSize; d++ {
			spread = append(spread, r)
		}
	}
	for d := 0; d < m.ValueSize; d++ {
		for r := 0; r < count; r++ {
			transpose = append(transpose, r*m.ValueSize+d)
		}
	}
	weighted := anydiff.Mul(anydiff.Concat(values...), metarl.Gather(weights, spread))
	return anydiff.SumCols(&anydiff.Matrix{
		Data: metarl.Gather(weighted, transpose),
		Rows: m.ValueSize,
		Cols: count,
	})
}

func (m *Memory) state(b metarl.Branch) *memoryState {
	s, ok := m.states[b]
	if !ok {
		panic(fmt.Sprintf("memory for %s branch used before Prior", b))
	}
	return s
}

func (m *Memory) checkRows(r anydiff.Res, dim, rows int) {
	if r.Output().Len() != dim*rows {
		panic(fmt.Sprintf("expected %d rows of size %d but got %d values", rows, dim,
			r.Output().Len()))
	}
}

func (m *Memory) zeroFast() anydiff.Res {
	return anydiff.NewConst(m.creator.MakeVector(m.ValueSize * m.KeySize))
}

func identity(c anyvec.Creator, size int) anyvec.Vector {
	data := make([]float64, size*size)
	for i := 0; i < size; i++ {
		data[i*size+i] = 1
	}
	return c.MakeVectorData(c.MakeNumericList(data))
}

func repeat(vec anydiff.Res, times int) anydiff.Res {
	parts := make([]anydiff.Res, times)
	for i := range parts {
		parts[i] = vec
	}
	return anydiff.Concat(parts...)
}

// matVec multiplies a row-major matrix by a vector.
func matVec(mat anydiff.Res, rows, cols int, vec anydiff.Res) anydiff.Res {
	return anydiff.SumCols(&anydiff.Matrix{
		Data: anydiff.Mul(mat, repeat(vec, rows)),
		Rows: rows,
		Cols: cols,
	})
}

// outer computes the row-major outer product u w^T.
func outer(u, w anydiff.Res) anydiff.Res {
	rows := u.Output().Len()
	cols := w.Output().Len()
	table := make([]int, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			table = append(table, r)
		}
	}
	return anydiff.Mul(metarl.Gather(u, table), repeat(w, rows))
}
