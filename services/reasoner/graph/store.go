// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph holds the per-run thought tree.
//
// # Description
//
// Each run owns one Store: an in-memory container of immutable thoughts
// keyed by globally unique ids, with parent links for path reconstruction.
// Only the evaluation fields (score, raw scores, terminality) are writable
// after creation, through the Store's setters.
//
// # Thread Safety
//
// Store is safe for concurrent use. Accessors return copies; a returned
// Node is a value snapshot, never a live pointer into the store.
package graph

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
)

// ErrNodeNotFound is returned for lookups of unknown node ids.
var ErrNodeNotFound = errors.New("node not found")

// Node is one thought in the tree.
type Node struct {
	// ID is opaque and unique across all runs in the process.
	ID string

	// ParentID is empty for the root.
	ParentID string

	// Thought is the free-form reasoning step.
	Thought string

	// Depth is 0 for the root and parent.Depth+1 otherwise.
	Depth int

	// Score is the weighted composite written by the evaluator.
	Score float64

	// RawScores holds the per-dimension scores; nil until evaluated.
	RawScores *datatypes.ValueScore

	// IsTerminal marks a completed solution candidate.
	IsTerminal bool
}

// View projects the node to its external representation.
func (n Node) View() datatypes.NodeView {
	var raw *datatypes.ValueScore
	if n.RawScores != nil {
		rs := *n.RawScores
		raw = &rs
	}
	return datatypes.NodeView{
		ID:         n.ID,
		ParentID:   n.ParentID,
		Thought:    n.Thought,
		Depth:      n.Depth,
		Score:      n.Score,
		RawScores:  raw,
		IsTerminal: n.IsTerminal,
	}
}

// Store is the per-run node container.
type Store struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	rootID string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{nodes: make(map[string]*Node)}
}

// CreateRoot installs the root node. Calling it twice replaces nothing and
// returns an error.
func (s *Store) CreateRoot(text string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rootID != "" {
		return Node{}, fmt.Errorf("root already exists: %s", s.rootID)
	}
	n := &Node{ID: uuid.NewString(), Thought: text, Depth: 0}
	s.nodes[n.ID] = n
	s.rootID = n.ID
	return *n, nil
}

// RootID returns the root's id, empty before CreateRoot.
func (s *Store) RootID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rootID
}

// AddChild appends a thought under parentID.
func (s *Store) AddChild(parentID, text string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.nodes[parentID]
	if !ok {
		return Node{}, fmt.Errorf("%w: parent %s", ErrNodeNotFound, parentID)
	}
	n := &Node{
		ID:       uuid.NewString(),
		ParentID: parent.ID,
		Thought:  text,
		Depth:    parent.Depth + 1,
	}
	s.nodes[n.ID] = n
	return *n, nil
}

// Get returns a value snapshot of the node.
func (s *Store) Get(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// SetEvaluation writes the composite score and raw dimensions back.
func (s *Store) SetEvaluation(id string, score float64, raw datatypes.ValueScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.Score = score
	rs := raw
	n.RawScores = &rs
	return nil
}

// MarkTerminal flags the node as a completed solution candidate.
func (s *Store) MarkTerminal(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.IsTerminal = true
	return nil
}

// PathTexts returns the thoughts along root -> id, root first.
func (s *Store) PathTexts(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var reversed []string
	cur, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	for cur != nil {
		reversed = append(reversed, cur.Thought)
		if cur.ParentID == "" {
			break
		}
		parent, ok := s.nodes[cur.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: ancestor %s of %s", ErrNodeNotFound, cur.ParentID, id)
		}
		cur = parent
	}

	texts := make([]string, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		texts = append(texts, reversed[i])
	}
	return texts, nil
}

// PathText joins PathTexts with newlines; the cache and prompt layers key
// on this form.
func (s *Store) PathText(id string) (string, error) {
	texts, err := s.PathTexts(id)
	if err != nil {
		return "", err
	}
	return strings.Join(texts, "\n"), nil
}

// Len returns the total node count including the root.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// All returns value snapshots of every node.
func (s *Store) All() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	return out
}

// Views projects every node for a trace snapshot.
func (s *Store) Views() map[string]datatypes.NodeView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]datatypes.NodeView, len(s.nodes))
	for id, n := range s.nodes {
		out[id] = n.View()
	}
	return out
}
