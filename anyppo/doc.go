// Package anyppo trains meta-RL agents with Proximal
// Policy Optimization.
//
// Besides the clipped policy objective, an update may
// train the task encoder jointly with the policy, along
// with auxiliary value prediction, memory, and curiosity
// losses.
package anyppo
