package metarl

import (
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/lazyseq"
)

// TotalRewards sums the rewards for each sequence of
// rewards.
func TotalRewards(c anyvec.Creator, rewards lazyseq.Tape) anyvec.Vector {
	return lazyseq.SumEach(lazyseq.TapeRereader(rewards)).Output()
}

// MeanReward sums the rewards for each sequence, then
// computes the mean of the sums.
func MeanReward(c anyvec.Creator, rewards lazyseq.Tape) float64 {
	total := TotalRewards(c, rewards)
	if total.Len() == 0 {
		return 0
	}
	var sum float64
	for _, x := range c.Float64Slice(total.Data()) {
		sum += x
	}
	return sum / float64(total.Len())
}
