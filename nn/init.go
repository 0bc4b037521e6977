// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package nn

import (
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/fumi-engineer/machine_learning/qwenmoe/config"
	"github.com/fumi-engineer/machine_learning/qwenmoe/tensor"
)

// Initialize fills every parameter in ps according to method and rounds it
// to dtype.
//
// Each parameter draws its full logical tensor from a generator seeded by
// seed and the parameter's InitKey, then keeps only its local shard. Replicas
// on other data or context parallel ranks, and tied copies sharing an
// InitKey, therefore start bit-identical, and tensor-parallel shards are
// slices of one logical matrix.
//
// Standard init ("random"):
//
//	column / replicated / embedding: N(0, std)
//	row:                             N(0, std / sqrt(2 * numLayers))
//
// Spectral muP ("spectral_mup") for linear weights of logical [fan_out, fan_in]:
//
//	std' = std / sqrt(fan_in) * min(1, sqrt(fan_out / fan_in))
func Initialize(ps *ParamSet, method config.Init, numLayers int, seed int64, dtype tensor.DType) error {
	if method.Method != config.InitRandom && method.Method != config.InitSpectralMup {
		return errors.Wrapf(config.ErrInvalid, "unknown init method %q", method.Method)
	}
	for _, p := range ps.All() {
		full := tensor.New(p.Logical, tensor.F32)
		switch p.Role {
		case RoleNorm:
			fill(full, 1)
		case RoleBias:
		default:
			std := initStd(p, method, numLayers)
			rng := rand.New(rand.NewSource(seed ^ int64(keyHash(p.InitKey))))
			full = tensor.RandnWithStd(rng, p.Logical, float32(std))
		}
		local := full
		if p.Shard != nil {
			local = p.Shard.Extract(full)
		}
		copy(p.Data.DataPtr(), local.DataPtr())
		p.Data.SetDType(dtype)
	}
	return nil
}

func initStd(p *Param, method config.Init, numLayers int) float64 {
	std := method.Std
	if method.Method == config.InitSpectralMup {
		if p.Role == RoleEmbedding || p.Logical.NDim() != 2 {
			return std
		}
		fanOut, fanIn := float64(p.Logical.At(0)), float64(p.Logical.At(1))
		return std / math.Sqrt(fanIn) * math.Min(1, math.Sqrt(fanOut/fanIn))
	}
	if p.Role == RoleRow && numLayers > 0 {
		return std / math.Sqrt(2*float64(numLayers))
	}
	return std
}

func fill(t *tensor.Tensor, v float32) {
	d := t.DataPtr()
	for i := range d {
		d[i] = v
	}
}

func keyHash(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}
