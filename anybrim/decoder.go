package anybrim

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/metarl"
)

// DecoderFields selects the decoder inputs which are fed
// to an MLPDecoder in addition to the latent.
type DecoderFields struct {
	PrevObs bool
	NextObs bool
	Actions bool
	Rewards bool

	// N-step fields are fed to the extra horizon heads.
	NStepNextObs bool
	NStepActions bool
	NStepRewards bool
}

// DecoderDims stores the layer sizes of an MLPDecoder.
type DecoderDims struct {
	Latent int
	State  int
	Action int
	Hidden int
	Out    int

	// Horizons is the number of extra n-step heads.
	Horizons int
}

// MLPDecoder predicts a quantity from a latent and a set
// of input fields.
//
// A shared body extracts features, which are read by one
// head per horizon.
// Heads past the first also see the n-step fields for
// their horizon.
type MLPDecoder struct {
	Fields DecoderFields
	Body   anynet.Layer
	Heads  []anynet.Layer
}

// NewMLPDecoder creates a randomly initialized decoder.
func NewMLPDecoder(c anyvec.Creator, f DecoderFields, d DecoderDims) *MLPDecoder {
	inSize := d.Latent
	for _, field := range []struct {
		used bool
		dim  int
	}{
		{f.PrevObs, d.State},
		{f.NextObs, d.State},
		{f.Actions, d.Action},
		{f.Rewards, 1},
	} {
		if field.used {
			inSize += field.dim
		}
	}
	nStepSize := d.Hidden
	if f.NStepNextObs {
		nStepSize += d.State
	}
	if f.NStepActions {
		nStepSize += d.Action
	}
	if f.NStepRewards {
		nStepSize += 1
	}
	res := &MLPDecoder{
		Fields: f,
		Body:   embedding(c, inSize, d.Hidden),
		Heads:  []anynet.Layer{anynet.NewFC(c, d.Hidden, d.Out)},
	}
	for i := 0; i < d.Horizons; i++ {
		res.Heads = append(res.Heads, anynet.NewFC(c, nStepSize, d.Out))
	}
	return res
}

// Parameters returns the parameters of the body and
// every head.
func (m *MLPDecoder) Parameters() []*anydiff.Var {
	layers := []interface{}{m.Body}
	for _, h := range m.Heads {
		layers = append(layers, h)
	}
	return anynet.AllParameters(layers...)
}

// Decode produces one prediction per head.
//
// If the inputs have fewer n-step views than the decoder
// has heads, the extra heads are skipped.
func (m *MLPDecoder) Decode(in *metarl.DecodeInputs) []anydiff.Res {
	pick := func(used bool, r anydiff.Res) anydiff.Res {
		if used {
			return r
		}
		return nil
	}
	features := m.Body.Apply(metarl.ConcatCols(in.N,
		in.Latent,
		pick(m.Fields.PrevObs, in.PrevObs),
		pick(m.Fields.NextObs, in.NextObs),
		pick(m.Fields.Actions, in.Actions),
		pick(m.Fields.Rewards, in.Rewards),
	), in.N)

	res := []anydiff.Res{m.Heads[0].Apply(features, in.N)}
	for i, head := range m.Heads[1:] {
		parts := []anydiff.Res{features}
		for _, field := range []struct {
			used  bool
			views []anydiff.Res
		}{
			{m.Fields.NStepNextObs, in.NStepNextObs},
			{m.Fields.NStepActions, in.NStepActions},
			{m.Fields.NStepRewards, in.NStepRewards},
		} {
			if !field.used {
				continue
			}
			if i >= len(field.views) {
				return res
			}
			parts = append(parts, field.views[i])
		}
		res = append(res, head.Apply(metarl.ConcatCols(in.N, parts...), in.N))
	}
	return res
}
