package anyvae

import "github.com/unixpickle/metarl"

// An Aligner cuts padded trajectory batches down to the
// longest trajectory in the batch and builds shifted
// views for multi-step prediction.
type Aligner struct {
	// MaxLen is the length of the longest trajectory.
	MaxLen int

	// Horizons is the number of extra prediction
	// horizons.
	Horizons int
}

// NewAligner creates an Aligner for a batch of
// trajectories with the given lengths.
func NewAligner(lens metarl.Lengths, horizons int) *Aligner {
	return &Aligner{MaxLen: lens.Max(), Horizons: horizons}
}

// Sequence truncates a per-transition sequence to
// MaxLen timesteps.
func (a *Aligner) Sequence(p *metarl.Padded) *metarl.Padded {
	return p.Truncate(a.MaxLen)
}

// Encoding truncates a per-encoder-step sequence, which
// includes the prior, to MaxLen+1 timesteps.
func (a *Aligner) Encoding(p *metarl.Padded) *metarl.Padded {
	return p.Truncate(a.MaxLen + 1)
}

// Shifted creates one view of p per extra horizon.
//
// View i-1 starts i timesteps into the untruncated
// sequence and has MaxLen timesteps.
// Timesteps past the end of p are zero.
func (a *Aligner) Shifted(p *metarl.Padded) []*metarl.Padded {
	res := make([]*metarl.Padded, a.Horizons)
	for i := range res {
		res[i] = p.Shift(i+1, a.MaxLen)
	}
	return res
}
