// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"slices"

	"github.com/emirpasic/gods/v2/maps/treemap"

	"github.com/fumi-engineer/machine_learning/qwenmoe/nn"
)

// TiedLocation is one place a tied weight appears: its parameter name and
// the pipeline rank that holds it.
type TiedLocation struct {
	Name   string
	PPRank int
}

// TiedGroup is a set of parameters that must hold identical values on every
// rank in Ranks.
type TiedGroup struct {
	Name      string
	Locations []TiedLocation
	Ranks     []int
	// Local is this rank's copy, or nil when the rank holds none of the
	// locations. Locations on the same rank share one Param.
	Local *nn.Param
}

// TiedRegistry maps tied names to their groups. It is built once when the
// model is assembled and handed to whoever needs to keep the copies in sync.
type TiedRegistry struct {
	groups *treemap.Map[string, *TiedGroup]
	byName map[string]string // location name -> group name
}

// NewTiedRegistry returns an empty registry.
func NewTiedRegistry() *TiedRegistry {
	return &TiedRegistry{groups: treemap.New[string, *TiedGroup](), byName: make(map[string]string)}
}

// Add registers g. Ranks are stored sorted and deduplicated.
func (r *TiedRegistry) Add(g *TiedGroup) {
	ranks := slices.Clone(g.Ranks)
	slices.Sort(ranks)
	g.Ranks = slices.Compact(ranks)
	r.groups.Put(g.Name, g)
	for _, loc := range g.Locations {
		r.byName[loc.Name] = g.Name
	}
}

// Groups returns every group sorted by name.
func (r *TiedRegistry) Groups() []*TiedGroup { return r.groups.Values() }

// Len returns the number of groups.
func (r *TiedRegistry) Len() int { return r.groups.Size() }

// Lookup finds the group a parameter name belongs to.
func (r *TiedRegistry) Lookup(paramName string) (*TiedGroup, bool) {
	name, ok := r.byName[paramName]
	if !ok {
		return nil, false
	}
	return r.groups.Get(name)
}

// IsTied reports whether paramName is part of a tied group.
func (r *TiedRegistry) IsTied(paramName string) bool {
	_, ok := r.byName[paramName]
	return ok
}
