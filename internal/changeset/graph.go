package changeset

import (
	"fmt"

	"github.com/lukaspiatkowski/mononoke/internal/types"
)

// All traversals below are iterative worklists: a long linear history must
// never risk stack exhaustion.

// Parents returns the parent ids of a changeset.
func Parents(s Store, id types.ChangesetId) ([]types.ChangesetId, error) {
	cs, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return cs.Parents, nil
}

// Reachable returns the set of changesets reachable from the given heads,
// heads included. Zero-valued heads are ignored.
func Reachable(s Store, heads ...types.ChangesetId) (map[types.ChangesetId]struct{}, error) {
	seen := make(map[types.ChangesetId]struct{})
	queue := make([]types.ChangesetId, 0, len(heads))
	for _, h := range heads {
		if !h.IsZero() {
			queue = append(queue, h)
		}
	}
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		parents, err := Parents(s, id)
		if err != nil {
			return nil, err
		}
		queue = append(queue, parents...)
	}
	return seen, nil
}

// IsAncestor reports whether anc is an ancestor of desc (or equal to it).
func IsAncestor(s Store, anc, desc types.ChangesetId) (bool, error) {
	if anc == desc {
		return true, nil
	}
	if anc.IsZero() {
		return true, nil
	}
	seen := map[types.ChangesetId]struct{}{}
	queue := []types.ChangesetId{desc}
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if id == anc {
			return true, nil
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		parents, err := Parents(s, id)
		if err != nil {
			return false, err
		}
		queue = append(queue, parents...)
	}
	return false, nil
}

// Range returns the changesets reachable from head but not from base, in
// topological order, ancestors first. A zero base means the full history
// of head.
func Range(s Store, head, base types.ChangesetId) ([]types.ChangesetId, error) {
	if head.IsZero() {
		return nil, nil
	}
	excluded, err := Reachable(s, base)
	if err != nil {
		return nil, err
	}
	if _, ok := excluded[head]; ok {
		return nil, nil
	}

	// Collect the subgraph, then Kahn-sort it ancestors first.
	members := make(map[types.ChangesetId][]types.ChangesetId)
	queue := []types.ChangesetId{head}
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, ok := members[id]; ok {
			continue
		}
		parents, err := Parents(s, id)
		if err != nil {
			return nil, err
		}
		members[id] = parents
		for _, p := range parents {
			if _, skip := excluded[p]; skip {
				continue
			}
			queue = append(queue, p)
		}
	}
	return topoSort(members, excluded)
}

// topoSort orders the members ancestors-first. Parents outside the member
// set (or in the excluded set) impose no ordering.
func topoSort(members map[types.ChangesetId][]types.ChangesetId, excluded map[types.ChangesetId]struct{}) ([]types.ChangesetId, error) {
	indegree := make(map[types.ChangesetId]int, len(members))
	children := make(map[types.ChangesetId][]types.ChangesetId, len(members))
	for id, parents := range members {
		for _, p := range parents {
			if _, inside := members[p]; !inside {
				continue
			}
			if _, skip := excluded[p]; skip {
				continue
			}
			indegree[id]++
			children[p] = append(children[p], id)
		}
	}
	var ready []types.ChangesetId
	for id := range members {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sortIDs(ready)

	out := make([]types.ChangesetId, 0, len(members))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		next := children[id]
		sortIDs(next)
		for _, c := range next {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	if len(out) != len(members) {
		return nil, fmt.Errorf("changeset: parent cycle detected over %d changesets", len(members))
	}
	return out, nil
}

// sortIDs orders ids bytewise for deterministic traversal output.
func sortIDs(ids []types.ChangesetId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && lessID(ids[j], ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func lessID(a, b types.ChangesetId) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// PathsTouched returns every path changed by a changeset in the range
// head..base (reachable from head, not from base).
func PathsTouched(s Store, head, base types.ChangesetId) (map[string]struct{}, error) {
	ids, err := Range(s, head, base)
	if err != nil {
		return nil, err
	}
	paths := make(map[string]struct{})
	for _, id := range ids {
		cs, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		for p := range cs.FileChanges {
			paths[p] = struct{}{}
		}
	}
	return paths, nil
}
