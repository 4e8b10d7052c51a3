package metarl

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A Sampler samples from a parametric distribution.
//
// For an example, see Softmax.
type Sampler interface {
	// Sample samples a batch of vectors given a batch
	// of parameter vectors.
	Sample(params anyvec.Vector, batchSize int) anyvec.Vector
}

// A LogProber can compute the log-likelihood of a given
// output of a parametric distribution.
type LogProber interface {
	// LogProb produces, for each parameter-output pair
	// in the batch, a log-probability of the parameters
	// producing that output.
	//
	// For continuous distributions, this is the log of
	// the density rather than of the probability.
	LogProb(params anydiff.Res, output anyvec.Vector,
		batchSize int) anydiff.Res
}

// An Entropyer can compute the entropy of a parametric
// distribution.
type Entropyer interface {
	// Entropy produces one entropy per entry in the
	// batch.
	Entropy(params anydiff.Res, batchSize int) anydiff.Res
}

// ActionSpace is a parameterized action space probability
// distribution.
type ActionSpace interface {
	Sampler
	LogProber
	Entropyer

	// Mode produces the most likely output for each
	// entry in the batch.
	Mode(params anyvec.Vector, batchSize int) anyvec.Vector

	// ParamSize returns the number of parameters needed
	// for actions of the given size.
	ParamSize(actionSize int) int
}

// Softmax is an ActionSpace which applies the softmax
// function to obtain a discrete probability distribution.
// It produces one-hot vector samples.
type Softmax struct {
	// Rand is used for sampling.
	// If nil, the math/rand package is used.
	Rand *rand.Rand
}

// Sample samples one-hot vectors from the softmax
// distribution.
func (s Softmax) Sample(params anyvec.Vector, batch int) anyvec.Vector {
	if params.Len()%batch != 0 {
		panic("batch size must divide parameter count")
	}

	chunkSize := params.Len() / batch
	p := params.Copy()
	anyvec.LogSoftmax(p, chunkSize)
	anyvec.Exp(p)

	var oneHots []anyvec.Vector
	for i := 0; i < batch; i++ {
		subset := p.Slice(i*chunkSize, (i+1)*chunkSize)
		oneHots = append(oneHots, sampleProbabilities(s.float64(), subset))
	}

	return p.Creator().Concat(oneHots...)
}

// Mode produces one-hot vectors for the largest
// parameters.
func (s Softmax) Mode(params anyvec.Vector, batch int) anyvec.Vector {
	c := params.Creator()
	chunkSize := params.Len() / batch
	data := c.Float64Slice(params.Data())
	oneHots := make([]float64, len(data))
	for i := 0; i < batch; i++ {
		chunk := data[i*chunkSize : (i+1)*chunkSize]
		var best int
		for j, x := range chunk {
			if x > chunk[best] {
				best = j
			}
		}
		oneHots[i*chunkSize+best] = 1
	}
	return c.MakeVectorData(c.MakeNumericList(oneHots))
}

// LogProb computes the output log probabilities.
func (s Softmax) LogProb(params anydiff.Res, output anyvec.Vector,
	batchSize int) anydiff.Res {
	if params.Output().Len() != output.Len() {
		panic("length mismatch")
	}
	if params.Output().Len()%batchSize != 0 {
		panic("batch size does not divide param count")
	}
	chunkSize := params.Output().Len() / batchSize
	logs := anydiff.LogSoftmax(params, chunkSize)
	return batchedDot(logs, anydiff.NewConst(output), batchSize)
}

// Entropy computes the entropy of each distribution.
func (s Softmax) Entropy(params anydiff.Res, batchSize int) anydiff.Res {
	if params.Output().Len()%batchSize != 0 {
		panic("batch size does not divide param count")
	}
	chunkSize := params.Output().Len() / batchSize
	logs := anydiff.LogSoftmax(params, chunkSize)
	return anydiff.Pool(logs, func(logs anydiff.Res) anydiff.Res {
		c := logs.Output().Creator()
		return anydiff.Scale(batchedDot(anydiff.Exp(logs), logs, batchSize),
			c.MakeNumeric(-1))
	})
}

// ParamSize returns actionSize.
func (s Softmax) ParamSize(actionSize int) int {
	return actionSize
}

func (s Softmax) float64() float64 {
	if s.Rand != nil {
		return s.Rand.Float64()
	}
	return rand.Float64()
}

// Gaussian is an ActionSpace for continuous actions.
//
// Each parameter vector is the mean followed by the log
// of the standard deviation, so parameter vectors are
// twice as long as action vectors.
type Gaussian struct {
	// Rand is used for sampling.
	// If nil, the math/rand package is used.
	Rand *rand.Rand
}

// Sample samples from the normal distributions.
func (g Gaussian) Sample(params anyvec.Vector, batch int) anyvec.Vector {
	c := params.Creator()
	data := c.Float64Slice(params.Data())
	mean, logStd := splitGaussian(data, batch)
	res := make([]float64, len(mean))
	for i, m := range mean {
		res[i] = m + math.Exp(logStd[i])*g.normFloat64()
	}
	return c.MakeVectorData(c.MakeNumericList(res))
}

// Mode returns the means.
func (g Gaussian) Mode(params anyvec.Vector, batch int) anyvec.Vector {
	c := params.Creator()
	mean, _ := splitGaussian(c.Float64Slice(params.Data()), batch)
	return c.MakeVectorData(c.MakeNumericList(mean))
}

// LogProb computes the output log densities.
func (g Gaussian) LogProb(params anydiff.Res, output anyvec.Vector,
	batchSize int) anydiff.Res {
	if params.Output().Len() != 2*output.Len() {
		panic("length mismatch")
	}
	parts := SplitCols(params, batchSize, output.Len()/batchSize,
		output.Len()/batchSize)
	mean, logStd := parts[0], parts[1]
	c := output.Creator()
	return anydiff.Pool(logStd, func(logStd anydiff.Res) anydiff.Res {
		diff := anydiff.Sub(anydiff.NewConst(output), mean)
		invVar := anydiff.Exp(anydiff.Scale(logStd, c.MakeNumeric(-2)))
		sqTerm := anydiff.Scale(anydiff.Mul(anydiff.Square(diff), invVar),
			c.MakeNumeric(-0.5))
		elems := anydiff.Sub(sqTerm, logStd)
		elems = anydiff.AddScalar(elems, c.MakeNumeric(-0.5*math.Log(2*math.Pi)))
		return anydiff.SumCols(&anydiff.Matrix{
			Data: elems,
			Rows: batchSize,
			Cols: output.Len() / batchSize,
		})
	})
}

// Entropy computes the differential entropy of each
// distribution.
func (g Gaussian) Entropy(params anydiff.Res, batchSize int) anydiff.Res {
	dim := params.Output().Len() / (2 * batchSize)
	logStd := SplitCols(params, batchSize, dim, dim)[1]
	c := params.Output().Creator()
	shifted := anydiff.AddScalar(logStd, c.MakeNumeric(0.5*(1+math.Log(2*math.Pi))))
	return anydiff.SumCols(&anydiff.Matrix{
		Data: shifted,
		Rows: batchSize,
		Cols: dim,
	})
}

// ParamSize returns 2*actionSize.
func (g Gaussian) ParamSize(actionSize int) int {
	return 2 * actionSize
}

func (g Gaussian) normFloat64() float64 {
	if g.Rand != nil {
		return g.Rand.NormFloat64()
	}
	return rand.NormFloat64()
}

func splitGaussian(params []float64, batch int) (mean, logStd []float64) {
	if len(params)%(2*batch) != 0 {
		panic("batch size must divide parameter count")
	}
	dim := len(params) / (2 * batch)
	for i := 0; i < batch; i++ {
		row := params[i*2*dim : (i+1)*2*dim]
		mean = append(mean, row[:dim]...)
		logStd = append(logStd, row[dim:]...)
	}
	return
}

func batchedDot(vecs1, vecs2 anydiff.Res, batchSize int) anydiff.Res {
	products := anydiff.Mul(vecs1, vecs2)
	return anydiff.SumCols(&anydiff.Matrix{
		Data: products,
		Rows: batchSize,
		Cols: vecs1.Output().Len() / batchSize,
	})
}

func sampleProbabilities(randNum float64, p anyvec.Vector) anyvec.Vector {
	idx := p.Len() - 1
	switch data := p.Data().(type) {
	case []float32:
		for i, x := range data {
			randNum -= float64(x)
			if randNum < 0 {
				idx = i
				break
			}
		}
	case []float64:
		for i, x := range data {
			randNum -= x
			if randNum < 0 {
				idx = i
				break
			}
		}
	default:
		panic(fmt.Sprintf("cannot sample from %T", data))
	}

	oneHot := make([]float64, p.Len())
	oneHot[idx] = 1
	return p.Creator().MakeVectorData(p.Creator().MakeNumericList(oneHot))
}
