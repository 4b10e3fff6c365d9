// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"fmt"
	"sort"

	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
	"github.com/SitkaAI/SitkaReason/services/reasoner/graph"
)

// Strategy is the pluggable frontier policy.
//
// # Description
//
// UpdateFrontier runs strictly after evaluation has written scores. It
// returns the next frontier and the id of the best node among every node
// the strategy has ever seen evaluated. Strategies read nodes through the
// store and never mutate them.
//
// A strategy instance belongs to one run; implementations need not be safe
// for concurrent use.
type Strategy interface {
	// Name returns the strategy's registry tag.
	Name() string

	// UpdateFrontier folds this round's evaluated ids into the strategy's
	// view and returns the new frontier plus the all-time best id.
	UpdateFrontier(store *graph.Store, evaluatedIDs []string) (frontier []string, bestID string)

	// MarkExpanded records that the node's children have been generated;
	// global-frontier strategies exclude expanded nodes from selection.
	MarkExpanded(ids ...string)
}

// NewStrategy builds the strategy selected by cfg.Strategy. Extending the
// engine with a new policy means adding a case here and a tag in datatypes.
func NewStrategy(cfg datatypes.RunConfig) (Strategy, error) {
	switch cfg.Strategy {
	case datatypes.StrategyBeamSearch:
		return newBeamSearch(cfg.BeamWidth), nil
	case datatypes.StrategyBestFirstSearch:
		return newBestFirst(), nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", datatypes.ErrInvalidConfig, cfg.Strategy)
	}
}

// ranksBefore orders nodes by score descending, then higher confidence,
// then shallower depth, then lexicographic id.
func ranksBefore(a, b graph.Node) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if ca, cb := confidence(a), confidence(b); ca != cb {
		return ca > cb
	}
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.ID < b.ID
}

func confidence(n graph.Node) float64 {
	if n.RawScores == nil {
		return 0
	}
	return n.RawScores.Confidence
}

// sortByRank returns the nodes for ids, best first. Unknown ids are
// skipped.
func sortByRank(store *graph.Store, ids []string) []graph.Node {
	nodes := make([]graph.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := store.Get(id); ok {
			nodes = append(nodes, n)
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool { return ranksBefore(nodes[i], nodes[j]) })
	return nodes
}

// bestOf returns the id of the top-ranked node among ids, "" when empty.
func bestOf(store *graph.Store, ids map[string]struct{}) string {
	var best graph.Node
	bestID := ""
	for id := range ids {
		n, ok := store.Get(id)
		if !ok {
			continue
		}
		if bestID == "" || ranksBefore(n, best) {
			best = n
			bestID = id
		}
	}
	return bestID
}

// =============================================================================
// Beam Search
// =============================================================================

// beamSearch keeps the top-W nodes of each evaluation round as the next
// frontier.
type beamSearch struct {
	width int
	seen  map[string]struct{}
}

func newBeamSearch(width int) *beamSearch {
	if width <= 0 {
		width = 1
	}
	return &beamSearch{width: width, seen: make(map[string]struct{})}
}

func (b *beamSearch) Name() string { return datatypes.StrategyBeamSearch }

func (b *beamSearch) UpdateFrontier(store *graph.Store, evaluatedIDs []string) ([]string, string) {
	for _, id := range evaluatedIDs {
		b.seen[id] = struct{}{}
	}

	ranked := sortByRank(store, evaluatedIDs)
	if len(ranked) > b.width {
		ranked = ranked[:b.width]
	}
	frontier := make([]string, len(ranked))
	for i, n := range ranked {
		frontier[i] = n.ID
	}
	return frontier, bestOf(store, b.seen)
}

func (b *beamSearch) MarkExpanded(...string) {}

// =============================================================================
// Best-First Search
// =============================================================================

// bestFirst keeps a global priority view over every evaluated node in the
// tree and always expands the single best unexpanded, non-terminal node.
// Previously bypassed nodes are re-admitted when the newer ones score
// worse.
type bestFirst struct {
	seen     map[string]struct{}
	expanded map[string]struct{}
}

func newBestFirst() *bestFirst {
	return &bestFirst{
		seen:     make(map[string]struct{}),
		expanded: make(map[string]struct{}),
	}
}

func (b *bestFirst) Name() string { return datatypes.StrategyBestFirstSearch }

func (b *bestFirst) UpdateFrontier(store *graph.Store, evaluatedIDs []string) ([]string, string) {
	for _, id := range evaluatedIDs {
		b.seen[id] = struct{}{}
	}

	var top graph.Node
	topID := ""
	for id := range b.seen {
		if _, done := b.expanded[id]; done {
			continue
		}
		n, ok := store.Get(id)
		if !ok || n.IsTerminal {
			continue
		}
		if topID == "" || ranksBefore(n, top) {
			top = n
			topID = id
		}
	}

	var frontier []string
	if topID != "" {
		frontier = []string{topID}
	}
	return frontier, bestOf(store, b.seen)
}

func (b *bestFirst) MarkExpanded(ids ...string) {
	for _, id := range ids {
		b.expanded[id] = struct{}{}
	}
}
