// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Activation is an element-wise nonlinearity and its derivative.
type Activation struct {
	Name  string
	Apply func(z float32) float32
	Deriv func(z float32) float32
}

// activations is keyed by the names used in model configs.
var activations = map[string]Activation{
	"silu": {
		Name:  "silu",
		Apply: func(z float32) float32 { return z * tensor.Sigmoid(z) },
		// silu'(z) = sigmoid(z) * (1 + z * (1 - sigmoid(z)))
		Deriv: func(z float32) float32 {
			s := tensor.Sigmoid(z)
			return s * (1 + z*(1-s))
		},
	},
	"gelu": {
		Name: "gelu",
		Apply: func(z float32) float32 {
			return float32(0.5 * float64(z) * (1 + math.Erf(float64(z)/math.Sqrt2)))
		},
		Deriv: func(z float32) float32 {
			x := float64(z)
			cdf := 0.5 * (1 + math.Erf(x/math.Sqrt2))
			pdf := math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
			return float32(cdf + x*pdf)
		},
	},
	"gelu_pytorch_tanh": {
		Name: "gelu_pytorch_tanh",
		Apply: func(z float32) float32 {
			x := float64(z)
			return float32(0.5 * x * (1 + math.Tanh(geluC*(x+0.044715*x*x*x))))
		},
		Deriv: func(z float32) float32 {
			x := float64(z)
			u := geluC * (x + 0.044715*x*x*x)
			t := math.Tanh(u)
			du := geluC * (1 + 3*0.044715*x*x)
			return float32(0.5*(1+t) + 0.5*x*(1-t*t)*du)
		},
	},
	"relu": {
		Name: "relu",
		Apply: func(z float32) float32 {
			if z > 0 {
				return z
			}
			return 0
		},
		Deriv: func(z float32) float32 {
			if z > 0 {
				return 1
			}
			return 0
		},
	},
	"sigmoid": {
		Name:  "sigmoid",
		Apply: tensor.Sigmoid,
		Deriv: func(z float32) float32 {
			s := tensor.Sigmoid(z)
			return s * (1 - s)
		},
	},
}

// sqrt(2/pi)
const geluC = 0.7978845608028654

// LookupActivation returns the activation registered under name.
func LookupActivation(name string) (Activation, error) {
	act, ok := activations[name]
	if !ok {
		return Activation{}, errors.Wrapf(config.ErrInvalid, "unknown activation %q (known: %v)", name, ActivationNames())
	}
	return act, nil
}

// ActivationNames lists the registered activations, sorted.
func ActivationNames() []string {
	names := make([]string, 0, len(activations))
	for n := range activations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
