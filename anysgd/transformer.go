package anysgd

import (
	"encoding"
	"errors"
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

// A Transformer rewrites gradients before they are
// applied, e.g. to precondition them.
//
// Transform may modify its input in place and return it.
// The result is only valid until the next call, and every
// call must see the same set of variables.
type Transformer interface {
	Transform(g anydiff.Grad) anydiff.Grad
}

// A TransformMarshaler is a Transformer whose internal
// statistics can be saved in a checkpoint.
type TransformMarshaler interface {
	Transformer
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Adam implements the optimizer from
// https://arxiv.org/abs/1412.6980.
type Adam struct {
	// Decay rates for the first and second moments.
	// Zero values select 0.9 and 0.999.
	DecayRate1, DecayRate2 float64

	// Damping is added to the second moment before the
	// square root. Zero selects 1e-8.
	Damping float64

	// Params fixes the variable order of saved state.
	Params []*anydiff.Var

	first  anydiff.Grad
	second anydiff.Grad
	steps  float64
}

// Transform replaces the gradient with the
// bias-corrected Adam update direction.
func (a *Adam) Transform(g anydiff.Grad) anydiff.Grad {
	b1 := valueOrDefault(a.DecayRate1, 0.9)
	b2 := valueOrDefault(a.DecayRate2, 0.999)
	a.first = accumulate(a.first, g, b1, 1-b1, false)
	a.second = accumulate(a.second, g, b2, 1-b2, true)
	a.steps++

	scale := math.Sqrt(1-math.Pow(b2, a.steps)) / (1 - math.Pow(b1, a.steps))
	damping := valueOrDefault(a.Damping, 1e-8)
	for v, vec := range g {
		c := vec.Creator()
		vec.Set(a.first[v])
		vec.Scale(c.MakeNumeric(scale))
		vec.Div(invSqrtDivisor(a.second[v], damping, 0.5))
	}
	return g
}

// MarshalBinary saves the moment estimates.
func (a *Adam) MarshalBinary() ([]byte, error) {
	return marshalStats(a.Params, a.steps, a.first, a.second)
}

// UnmarshalBinary restores state saved by MarshalBinary.
func (a *Adam) UnmarshalBinary(d []byte) error {
	steps, stats, err := unmarshalStats(a.Params, d, 2)
	if err != nil {
		return essentials.AddCtx("unmarshal Adam", err)
	}
	a.steps, a.first, a.second = steps, stats[0], stats[1]
	return nil
}

// Momentum implements SGD with momentum:
//
//     v := Momentum*v + grad
type Momentum struct {
	Momentum float64

	// Params fixes the variable order of saved state.
	Params []*anydiff.Var

	velocity anydiff.Grad
}

// Transform replaces the gradient with the velocity.
func (m *Momentum) Transform(g anydiff.Grad) anydiff.Grad {
	m.velocity = accumulate(m.velocity, g, m.Momentum, 1, false)
	for v, vec := range g {
		vec.Set(m.velocity[v])
	}
	return g
}

// MarshalBinary saves the velocity.
func (m *Momentum) MarshalBinary() ([]byte, error) {
	return marshalStats(m.Params, 0, m.velocity)
}

// UnmarshalBinary restores state saved by MarshalBinary.
func (m *Momentum) UnmarshalBinary(d []byte) error {
	_, stats, err := unmarshalStats(m.Params, d, 1)
	if err != nil {
		return essentials.AddCtx("unmarshal Momentum", err)
	}
	m.velocity = stats[0]
	return nil
}

// RMSProp divides gradients by a running root mean square.
// The average starts at the first squared gradient.
type RMSProp struct {
	// DecayRate defaults to 0.9 when zero.
	DecayRate float64

	// Damping defaults to 1e-8 when zero.
	Damping float64

	// Params fixes the variable order of saved state.
	Params []*anydiff.Var

	meanSquare anydiff.Grad
}

// Transform scales the gradient.
func (r *RMSProp) Transform(g anydiff.Grad) anydiff.Grad {
	if r.meanSquare == nil {
		r.meanSquare = accumulate(nil, g, 0, 1, true)
	} else {
		decay := valueOrDefault(r.DecayRate, 0.9)
		r.meanSquare = accumulate(r.meanSquare, g, decay, 1-decay, true)
	}
	damping := valueOrDefault(r.Damping, 1e-8)
	for v, vec := range g {
		vec.Mul(invSqrtDivisor(r.meanSquare[v], damping, -0.5))
	}
	return g
}

// MarshalBinary saves the mean square estimate.
func (r *RMSProp) MarshalBinary() ([]byte, error) {
	return marshalStats(r.Params, 0, r.meanSquare)
}

// UnmarshalBinary restores state saved by MarshalBinary.
func (r *RMSProp) UnmarshalBinary(d []byte) error {
	_, stats, err := unmarshalStats(r.Params, d, 1)
	if err != nil {
		return essentials.AddCtx("unmarshal RMSProp", err)
	}
	r.meanSquare = stats[0]
	return nil
}

// accumulate computes acc := decay*acc + weight*g (or g^2
// if square is set), treating a nil acc as zeros.
func accumulate(acc, g anydiff.Grad, decay, weight float64, square bool) anydiff.Grad {
	if acc == nil {
		acc = anydiff.Grad{}
		for v, vec := range g {
			acc[v] = vec.Creator().MakeVector(vec.Len())
		}
	}
	for v, vec := range g {
		c := vec.Creator()
		term := vec.Copy()
		if square {
			anyvec.Pow(term, c.MakeNumeric(2))
		}
		term.Scale(c.MakeNumeric(weight))
		acc[v].Scale(c.MakeNumeric(decay))
		acc[v].Add(term)
	}
	return acc
}

func invSqrtDivisor(stat anyvec.Vector, damping, power float64) anyvec.Vector {
	res := stat.Copy()
	res.AddScalar(res.Creator().MakeNumeric(damping))
	anyvec.Pow(res, res.Creator().MakeNumeric(power))
	return res
}

// marshalStats encodes a step count followed by gradients
// in the order of params.
// Missing statistics are encoded as empty byte strings.
func marshalStats(params []*anydiff.Var, steps float64, stats ...anydiff.Grad) ([]byte, error) {
	objs := []interface{}{serializer.Float64(steps)}
	for _, stat := range stats {
		encoded, err := encodeGrad(params, stat)
		if err != nil {
			return nil, err
		}
		objs = append(objs, serializer.Bytes(encoded))
	}
	return serializer.SerializeAny(objs...)
}

func unmarshalStats(params []*anydiff.Var, d []byte, count int) (float64, []anydiff.Grad,
	error) {
	var steps serializer.Float64
	dests := []interface{}{&steps}
	encoded := make([]serializer.Bytes, count)
	for i := range encoded {
		dests = append(dests, &encoded[i])
	}
	if err := serializer.DeserializeAny(d, dests...); err != nil {
		return 0, nil, err
	}
	stats := make([]anydiff.Grad, count)
	for i, data := range encoded {
		stat, err := decodeGrad(params, data)
		if err != nil {
			return 0, nil, err
		}
		stats[i] = stat
	}
	return float64(steps), stats, nil
}

func encodeGrad(params []*anydiff.Var, g anydiff.Grad) ([]byte, error) {
	if g == nil {
		return []byte{}, nil
	}
	if len(params) != len(g) {
		return nil, errors.New("gradient does not match parameter list")
	}
	var objs []interface{}
	for _, p := range params {
		vec, ok := g[p]
		if !ok {
			return nil, errors.New("gradient does not match parameter list")
		}
		objs = append(objs, &anyvecsave.S{Vector: vec})
	}
	return serializer.SerializeAny(objs...)
}

func decodeGrad(params []*anydiff.Var, d []byte) (anydiff.Grad, error) {
	if len(d) == 0 {
		return nil, nil
	}
	vecs := make([]*anyvecsave.S, len(params))
	dests := make([]interface{}, len(params))
	for i := range vecs {
		dests[i] = &vecs[i]
	}
	if err := serializer.DeserializeAny(d, dests...); err != nil {
		return nil, err
	}
	res := anydiff.Grad{}
	for i, p := range params {
		vec := vecs[i].Vector
		if vec.Len() != p.Vector.Len() {
			return nil, fmt.Errorf("parameter %d: expected %d components but got %d",
				i, p.Vector.Len(), vec.Len())
		}
		if vec.Creator() != p.Vector.Creator() {
			return nil, fmt.Errorf("parameter %d: mismatching creator", i)
		}
		res[p] = vec
	}
	return res, nil
}
