// Package metarl provides the data plumbing for training
// meta-reinforcement learning agents which infer the
// current task with a recurrent variational encoder.
//
// It contains rollout storage for on-policy updates,
// trajectory storage for the variational objective,
// padded time-major tensors over anydiff, and the
// interfaces that networks must implement.
//
// Training algorithms live in the subpackages anyppo and
// anyvae.
// Reference networks live in anybrim.
package metarl
