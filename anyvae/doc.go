// Package anyvae implements the variational objective
// used to train a recurrent task encoder, along with
// auxiliary losses that share the same batching.
//
// Trajectories of different lengths are decoded from a
// subset of encoder timesteps (ELBO terms).
// A Plan records, for every trajectory, which encoder
// timesteps are used and which timesteps each of them
// reconstructs.
// Losses are computed for every planned row and then
// reduced by an Aggregator.
package anyvae
