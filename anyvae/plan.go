package anyvae

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/metarl"
)

// A Plan selects ELBO terms and reconstruction targets
// for a batch of trajectories.
//
// Rows produced by a Plan are ordered by trajectory,
// then by ELBO term, then by decode target.
type Plan struct {
	// Lens stores the length of each trajectory.
	Lens metarl.Lengths

	// Elbos[b] lists the encoder timesteps used for
	// trajectory b.
	// Timestep 0 is the prior.
	Elbos [][]int

	// Decodes[b][e] lists the timesteps reconstructed
	// from ELBO term e of trajectory b.
	Decodes [][][]int
}

// Batch returns the number of trajectories.
func (p *Plan) Batch() int {
	return len(p.Lens)
}

// NumElbos returns the total number of ELBO terms.
func (p *Plan) NumElbos() int {
	var res int
	for _, e := range p.Elbos {
		res += len(e)
	}
	return res
}

// NumDecodes returns the total number of decode rows.
func (p *Plan) NumDecodes() int {
	var res int
	for _, elbos := range p.Decodes {
		for _, d := range elbos {
			res += len(d)
		}
	}
	return res
}

// ElboSegments returns the number of ELBO terms for
// each trajectory.
func (p *Plan) ElboSegments() []int {
	res := make([]int, len(p.Elbos))
	for b, e := range p.Elbos {
		res[b] = len(e)
	}
	return res
}

// DecodedElboSegments is like ElboSegments, but only
// counts ELBO terms with at least one decode row.
func (p *Plan) DecodedElboSegments() []int {
	res := make([]int, len(p.Decodes))
	for b, elbos := range p.Decodes {
		for _, d := range elbos {
			if len(d) > 0 {
				res[b]++
			}
		}
	}
	return res
}

// DecodeSegments returns the number of decode rows for
// each ELBO term, in row order.
func (p *Plan) DecodeSegments() []int {
	var res []int
	for _, elbos := range p.Decodes {
		for _, d := range elbos {
			res = append(res, len(d))
		}
	}
	return res
}

// ElboRows gathers one row of enc per ELBO term.
//
// The input has one timestep per encoder step,
// including the prior.
//
// It panics if a timestep is past the end of its
// trajectory.
func (p *Plan) ElboRows(enc *metarl.Padded) anydiff.Res {
	j := p.encoderSteps(enc)
	var rows []int
	for b, elbos := range p.Elbos {
		for _, t := range elbos {
			rows = append(rows, j.Index(t, b))
		}
	}
	return j.Rows(rows)
}

// ElboTrajRows gathers one row per ELBO term from a
// matrix with one row per trajectory.
func (p *Plan) ElboTrajRows(perTraj anydiff.Res, dim int) anydiff.Res {
	var rows []int
	for b, elbos := range p.Elbos {
		for range elbos {
			rows = append(rows, b)
		}
	}
	return metarl.GatherRows(perTraj, dim, rows)
}

// LatentRows gathers the encoder row of each decode row,
// repeating it for every decode target.
func (p *Plan) LatentRows(enc *metarl.Padded) anydiff.Res {
	j := p.encoderSteps(enc)
	var rows []int
	for b, elbos := range p.Elbos {
		for e, t := range elbos {
			for range p.Decodes[b][e] {
				rows = append(rows, j.Index(t, b))
			}
		}
	}
	return j.Rows(rows)
}

// DecodeRows gathers the target row of each decode row
// from a sequence with one timestep per transition.
//
// It panics if a target is past the end of its
// trajectory.
func (p *Plan) DecodeRows(seq *metarl.Padded) anydiff.Res {
	p.checkBatch(seq)
	j := metarl.NewJagged(seq, p.Lens)
	var rows []int
	for b, elbos := range p.Decodes {
		for _, targets := range elbos {
			for _, t := range targets {
				rows = append(rows, j.Index(t, b))
			}
		}
	}
	return j.Rows(rows)
}

// encoderSteps views enc as a Jagged where every
// trajectory has one extra step for the prior.
func (p *Plan) encoderSteps(enc *metarl.Padded) *metarl.Jagged {
	p.checkBatch(enc)
	lens := make(metarl.Lengths, len(p.Lens))
	for b, l := range p.Lens {
		lens[b] = l + 1
	}
	return metarl.NewJagged(enc, lens)
}

func (p *Plan) checkBatch(seq *metarl.Padded) {
	if seq.Batch != p.Batch() {
		panic("batch size mismatch")
	}
}
