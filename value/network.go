package value

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
)

var ErrDimensionMismatch = errors.New("dimension mismatch")

// scoreScale squashes the raw score before tanh so early training stays in
// the linear region.
const scoreScale = 5.0

const initStddev = 0.01

// Function is a scalar evaluator over fixed-width feature vectors. Values
// are in [-1, 1] from the first player's perspective.
type Function interface {
	Width() int
	Evaluate(features []float64) (float64, error)
	// Gradient returns the value and its derivative with respect to Params.
	Gradient(features []float64) (float64, []float64, error)
	Params() []float64
	SetParams(params []float64) error
	// Apply adds delta to the parameters.
	Apply(delta []float64) error
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// Network is a one-hidden-layer ReLU network with a tanh output. Params are
// laid out as W1 (width x hidden, row-major) followed by W2 (hidden).
type Network struct {
	width  int
	hidden int
	params []float64
}

func NewNetwork(width, hidden int, r *rand.Rand) *Network {
	n := &Network{
		width:  width,
		hidden: hidden,
		params: make([]float64, width*hidden+hidden),
	}
	for i := range n.params {
		n.params[i] = r.NormFloat64() * initStddev
	}
	return n
}

// DecodeNetwork restores a network from MarshalBinary output.
func DecodeNetwork(data []byte) (*Network, error) {
	n := &Network{}
	if err := n.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Network) Width() int {
	return n.width
}

func (n *Network) Hidden() int {
	return n.hidden
}

func (n *Network) Evaluate(features []float64) (float64, error) {
	if len(features) != n.width {
		return 0, fmt.Errorf("%w: network expects %d features, got %d", ErrDimensionMismatch, n.width, len(features))
	}
	score := 0.0
	for j := 0; j < n.hidden; j++ {
		if a := n.activation(features, j); a > 0 {
			score += a * n.w2(j)
		}
	}
	return math.Tanh(score / scoreScale), nil
}

func (n *Network) Gradient(features []float64) (float64, []float64, error) {
	if len(features) != n.width {
		return 0, nil, fmt.Errorf("%w: network expects %d features, got %d", ErrDimensionMismatch, n.width, len(features))
	}

	hiddenOut := make([]float64, n.hidden)
	score := 0.0
	for j := range hiddenOut {
		if a := n.activation(features, j); a > 0 {
			hiddenOut[j] = a
			score += a * n.w2(j)
		}
	}
	v := math.Tanh(score / scoreScale)
	dScore := (1 - v*v) / scoreScale

	grad := make([]float64, len(n.params))
	offset := n.width * n.hidden
	for j, h := range hiddenOut {
		grad[offset+j] = dScore * h
		if h <= 0 {
			continue
		}
		dHidden := dScore * n.w2(j)
		for i, f := range features {
			grad[i*n.hidden+j] = dHidden * f
		}
	}
	return v, grad, nil
}

func (n *Network) Params() []float64 {
	p := make([]float64, len(n.params))
	copy(p, n.params)
	return p
}

func (n *Network) SetParams(params []float64) error {
	if len(params) != len(n.params) {
		return fmt.Errorf("%w: network has %d params, got %d", ErrDimensionMismatch, len(n.params), len(params))
	}
	copy(n.params, params)
	return nil
}

func (n *Network) Apply(delta []float64) error {
	if len(delta) != len(n.params) {
		return fmt.Errorf("%w: network has %d params, delta has %d", ErrDimensionMismatch, len(n.params), len(delta))
	}
	for i, d := range delta {
		n.params[i] += d
	}
	return nil
}

// Clone returns an independent copy.
func (n *Network) Clone() *Network {
	return &Network{width: n.width, hidden: n.hidden, params: n.Params()}
}

type encodedNetwork struct {
	Width  int
	Hidden int
	Params []float64
}

func (n *Network) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(encodedNetwork{Width: n.width, Hidden: n.hidden, Params: n.params})
	if err != nil {
		return nil, fmt.Errorf("encode network: %w", err)
	}
	return buf.Bytes(), nil
}

func (n *Network) UnmarshalBinary(data []byte) error {
	var enc encodedNetwork
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&enc); err != nil {
		return fmt.Errorf("decode network: %w", err)
	}
	if enc.Width <= 0 || enc.Hidden <= 0 || len(enc.Params) != enc.Width*enc.Hidden+enc.Hidden {
		return fmt.Errorf("%w: %d params for %dx%d network", ErrDimensionMismatch, len(enc.Params), enc.Width, enc.Hidden)
	}
	n.width, n.hidden, n.params = enc.Width, enc.Hidden, enc.Params
	return nil
}

func (n *Network) activation(features []float64, j int) float64 {
	a := 0.0
	for i, f := range features {
		if f != 0 {
			a += f * n.params[i*n.hidden+j]
		}
	}
	return a
}

func (n *Network) w2(j int) float64 {
	return n.params[n.width*n.hidden+j]
}
