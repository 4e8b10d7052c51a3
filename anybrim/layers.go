package anybrim

import (
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
)

// mlp creates a network with one tanh hidden layer.
// If hidden is 0, the network is a single linear layer.
func mlp(c anyvec.Creator, in, hidden, out int) anynet.Net {
	if hidden == 0 {
		return anynet.Net{anynet.NewFC(c, in, out)}
	}
	return anynet.Net{
		anynet.NewFC(c, in, hidden),
		anynet.Tanh,
		anynet.NewFC(c, hidden, out),
	}
}

// embedding creates a tanh feature layer.
func embedding(c anyvec.Creator, in, out int) anynet.Net {
	return anynet.Net{anynet.NewFC(c, in, out), anynet.Tanh}
}
