// Copyright 2024 Lix Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package merge plans last-change-wins merges between two commits or two
// change sets. Planning only reads; the engine persists the result.
package merge

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"lix/internal/storage"
)

// Precedence breaks ties between unrelated commits of equal generation.
type Precedence int

const (
	PreferSource Precedence = iota
	PreferTarget
)

// Side names one input of a merge.
type Side int

const (
	SideTarget Side = iota
	SideSource
)

func (s Side) String() string {
	if s == SideSource {
		return "source"
	}
	return "target"
}

// Reason explains why a side won.
type Reason string

const (
	ReasonOnlySource Reason = "only-source"
	ReasonOnlyTarget Reason = "only-target"
	ReasonSame       Reason = "same-change"
	ReasonAncestry   Reason = "ancestry"
	ReasonGeneration Reason = "generation"
	ReasonPrecedence Reason = "precedence"
)

// Options tune a merge.
type Options struct {
	Precedence Precedence
}

// Leaf is the newest change of an entity reachable from a tip, with the
// earliest commit in that history that contains the change.
type Leaf struct {
	Key        storage.EntityKey
	ChangeID   string
	CommitID   string
	Generation int64
}

// Decision records how one conflicting key was settled.
type Decision struct {
	Key            storage.EntityKey
	SourceChangeID string
	TargetChangeID string
	Winner         Side
	Reason         Reason
}

// Result of a plan.
type Result struct {
	// UpToDate is set when the source is already contained in the target.
	UpToDate bool
	// Winners is the merged element set ordered by entity key.
	Winners []Leaf
	// Decisions covers every key present on both sides with different leaves.
	Decisions []Decision
	// Changed lists keys whose value in the target changes.
	Changed []storage.EntityKey
}

// history is the state reachable from one tip.
type history struct {
	leaves map[storage.EntityKey]Leaf
	// seen holds every change id carried by a reachable commit.
	seen map[string]bool
}

// CollectLeaves walks ancestry breadth-first from tip. The first change met
// for an entity key is its leaf. Parents are visited in id order.
func CollectLeaves(ctx context.Context, g Graph, tip string) (map[storage.EntityKey]Leaf, error) {
	h, err := walk(ctx, g, tip)
	if err != nil {
		return nil, err
	}
	return h.leaves, nil
}

func walk(ctx context.Context, g Graph, tip string) (*history, error) {
	h := &history{leaves: make(map[storage.EntityKey]Leaf), seen: make(map[string]bool)}
	// Merge commits carry untouched changes forward, so a leaf is dated by
	// the lowest-generation commit that contains it.
	origin := make(map[string]*storage.Commit)
	visited := map[string]bool{tip: true}
	queue := []string{tip}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := queue[0]
		queue = queue[1:]

		c, err := g.Commit(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("collect leaves: %w", err)
		}
		elems, err := g.Elements(ctx, c.ChangeSetID)
		if err != nil {
			return nil, fmt.Errorf("collect leaves: elements of %s: %w", c.ChangeSetID, err)
		}
		for _, el := range elems {
			h.seen[el.ChangeID] = true
			if o, ok := origin[el.ChangeID]; !ok || c.Generation < o.Generation {
				origin[el.ChangeID] = c
			}
			k := el.Key()
			if _, ok := h.leaves[k]; ok {
				continue
			}
			h.leaves[k] = Leaf{Key: k, ChangeID: el.ChangeID}
		}

		parents, err := g.ParentIDs(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("collect leaves: parents of %s: %w", id, err)
		}
		sort.Strings(parents)
		for _, p := range parents {
			if !visited[p] {
				visited[p] = true
				queue = append(queue, p)
			}
		}
	}
	for k, l := range h.leaves {
		o := origin[l.ChangeID]
		l.CommitID, l.Generation = o.ID, o.Generation
		h.leaves[k] = l
	}
	return h, nil
}

// Plan merges the state reachable from source into target.
func Plan(ctx context.Context, g Graph, source, target string, opts Options) (*Result, error) {
	contained, err := g.IsAncestor(ctx, source, target)
	if err != nil {
		return nil, err
	}
	if contained {
		log.Debugf("[Merge] up to date source=%s target=%s", source, target)
		return &Result{UpToDate: true}, nil
	}

	srcHist, err := walk(ctx, g, source)
	if err != nil {
		return nil, err
	}
	tgtHist, err := walk(ctx, g, target)
	if err != nil {
		return nil, err
	}
	src, tgt := srcHist.leaves, tgtHist.leaves

	res := &Result{}
	for _, k := range unionKeys(src, tgt) {
		s, inSource := src[k]
		t, inTarget := tgt[k]
		switch {
		case !inTarget:
			res.Winners = append(res.Winners, s)
			res.Changed = append(res.Changed, k)
		case !inSource:
			res.Winners = append(res.Winners, t)
		case s.ChangeID == t.ChangeID:
			res.Winners = append(res.Winners, t)
		default:
			winner, reason := lww(s, t, srcHist, tgtHist, opts.Precedence)
			res.Decisions = append(res.Decisions, Decision{
				Key:            k,
				SourceChangeID: s.ChangeID,
				TargetChangeID: t.ChangeID,
				Winner:         winner,
				Reason:         reason,
			})
			if winner == SideSource {
				res.Winners = append(res.Winners, s)
				res.Changed = append(res.Changed, k)
			} else {
				res.Winners = append(res.Winners, t)
			}
		}
	}
	log.Debugf("[Merge] planned source=%s target=%s winners=%d changed=%d", source, target, len(res.Winners), len(res.Changed))
	return res, nil
}

// lww picks the later of two leaves. A change the other side has already
// seen is older; otherwise the higher generation wins.
func lww(s, t Leaf, src, tgt *history, p Precedence) (Side, Reason) {
	switch {
	case tgt.seen[s.ChangeID]:
		return SideTarget, ReasonAncestry
	case src.seen[t.ChangeID]:
		return SideSource, ReasonAncestry
	case s.Generation > t.Generation:
		return SideSource, ReasonGeneration
	case t.Generation > s.Generation:
		return SideTarget, ReasonGeneration
	}
	if p == PreferTarget {
		return SideTarget, ReasonPrecedence
	}
	return SideSource, ReasonPrecedence
}

// PlanChangeSets merges two flat element sets. Without ancestry, differing
// keys are settled by precedence alone.
func PlanChangeSets(source, target []*storage.ChangeSetElement, opts Options) *Result {
	src := make(map[storage.EntityKey]Leaf, len(source))
	for _, el := range source {
		src[el.Key()] = Leaf{Key: el.Key(), ChangeID: el.ChangeID}
	}
	tgt := make(map[storage.EntityKey]Leaf, len(target))
	for _, el := range target {
		tgt[el.Key()] = Leaf{Key: el.Key(), ChangeID: el.ChangeID}
	}

	res := &Result{}
	for _, k := range unionKeys(src, tgt) {
		s, inSource := src[k]
		t, inTarget := tgt[k]
		switch {
		case !inTarget:
			res.Winners = append(res.Winners, s)
			res.Changed = append(res.Changed, k)
		case !inSource || s.ChangeID == t.ChangeID:
			res.Winners = append(res.Winners, t)
		default:
			d := Decision{Key: k, SourceChangeID: s.ChangeID, TargetChangeID: t.ChangeID, Reason: ReasonPrecedence}
			if opts.Precedence == PreferTarget {
				d.Winner = SideTarget
				res.Winners = append(res.Winners, t)
			} else {
				d.Winner = SideSource
				res.Winners = append(res.Winners, s)
				res.Changed = append(res.Changed, k)
			}
			res.Decisions = append(res.Decisions, d)
		}
	}
	return res
}

func unionKeys(a, b map[storage.EntityKey]Leaf) []storage.EntityKey {
	keys := make([]storage.EntityKey, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
	return keys
}

func lessKey(a, b storage.EntityKey) bool {
	if a.SchemaKey != b.SchemaKey {
		return a.SchemaKey < b.SchemaKey
	}
	if a.FileID != b.FileID {
		return a.FileID < b.FileID
	}
	return a.EntityID < b.EntityID
}
