// Package anybrim provides small feed-forward and
// recurrent networks that implement the agent contracts
// of metarl.
//
// The networks are assembled by Build, which only creates
// the parts enabled by a configuration.
package anybrim
