package seq2seq

import (
	"github.com/unixpickle/anyasr/anysgd"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A Trainer computes gradients and costs for a Model.
type Trainer struct {
	Model  *Model
	Params []*anydiff.Var

	// After every gradient computation, LastCost is set to
	// the total cost of the batch and LastLoss to its
	// components.
	LastCost anyvec.Numeric
	LastLoss *Loss
}

// NewTrainer creates a Trainer for every parameter of the
// model.
func NewTrainer(m *Model) *Trainer {
	return &Trainer{Model: m, Params: m.Parameters()}
}

// TotalCost computes the loss for a batch.
//
// The b argument must be a *Batch.
func (t *Trainer) TotalCost(b anysgd.Batch) (anydiff.Res, error) {
	loss, err := t.Model.Loss(b.(*Batch))
	if err != nil {
		return nil, err
	}
	return loss.Total, nil
}

// Gradient computes the gradient of the batch's loss.
// It also sets t.LastCost and t.LastLoss.
func (t *Trainer) Gradient(b *Batch) (anydiff.Grad, error) {
	loss, err := t.Model.Loss(b)
	if err != nil {
		return nil, err
	}
	res := anydiff.NewGrad(t.Params...)
	cost := loss.Total
	t.LastCost = anyvec.Sum(cost.Output())
	t.LastLoss = loss

	c := cost.Output().Creator()
	upstream := c.MakeVectorData(c.MakeNumericList([]float64{1}))
	cost.Propagate(upstream, res)

	return res, nil
}
