// Package anysgd implements the optimization loop used to
// train recognizers: SGD steps with gradient clipping,
// adaptive gradient transformers, learning rate control,
// and helpers for shuffling and splitting sample lists.
package anysgd

import "github.com/unixpickle/anydiff"

// A Batch is an immutable, fully loaded group of samples
// which a Coster can evaluate.
type Batch interface{}

// A Coster computes differentiable costs for a Batch.
// The resulting cost vectors should have one component.
type Coster interface {
	TotalCost(b Batch) (anydiff.Res, error)
}

// A SampleList represents a list of training samples.
type SampleList interface {
	Len() int
	Swap(i, j int)

	// Slice generates a shallow copy of a subset of the
	// list.
	Slice(i, j int) SampleList
}

// PostShuffler is notified after its list is shuffled.
// Lists use this to group compatible samples, e.g. of
// similar length, into the same mini-batch.
type PostShuffler interface {
	PostShuffle()
}

// SGD performs steps of stochastic gradient descent.
type SGD struct {
	// Transformer, if non-nil, is used to transform each
	// gradient before the step.
	Transformer Transformer

	// ClipNorm, if positive, is the maximum L2 norm of an
	// untransformed gradient.
	// Larger gradients are scaled down to this norm.
	ClipNorm float64

	// NumSteps counts the steps taken so far.
	NumSteps int
}

// Step applies a gradient to its variables with the given
// learning rate.
// It returns the norm of the gradient before clipping.
//
// The gradient is modified in the process.
func (s *SGD) Step(grad anydiff.Grad, rate float64) float64 {
	norm := GradNorm(grad)
	if s.ClipNorm > 0 {
		ClipGrad(grad, s.ClipNorm)
	}
	if s.Transformer != nil {
		grad = s.Transformer.Transform(grad)
	}
	scaleGrad(grad, -rate)
	grad.AddToVars()
	s.NumSteps++
	return norm
}
