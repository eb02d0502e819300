// Package anyctc implements the Connectionist Temporal
// Classification loss and decoders for it.
//
// Every output step holds log probabilities for the N
// labels followed by one blank symbol.
package anyctc
