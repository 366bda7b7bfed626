package contextstore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/modelrouter/core/types"
)

// graph is the per-session entity/relationship arena: entities and
// relationships keyed by id, plus the adjacency lists the arena needs.
type graph struct {
	mu        sync.RWMutex
	entities  map[string]*types.Entity
	relations map[string]*types.Relationship
	outRels   map[string][]string
	inRels    map[string][]string
}

func newGraph() *graph {
	return &graph{
		entities:  make(map[string]*types.Entity),
		relations: make(map[string]*types.Relationship),
		outRels:   make(map[string][]string),
		inRels:    make(map[string][]string),
	}
}

// entityKey implements §4.5's normalized dedup key: "type:lowercase(name)".
func entityKey(t types.EntityType, name string) string {
	return fmt.Sprintf("%s:%s", t, strings.ToLower(name))
}

// upsertEntity adds a new entity or bumps Mentions/LastMentioned on a
// duplicate (same normalized key), per §4.5.
func (g *graph) upsertEntity(t types.EntityType, name string, confidence float64, now time.Time) *types.Entity {
	id := entityKey(t, name)
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entities[id]; ok {
		e.Mentions++
		e.LastMentioned = now
		copied := *e
		return &copied
	}
	e := &types.Entity{
		ID: id, Type: t, Name: name, Confidence: confidence,
		Source: "text_extraction", Mentions: 1, LastMentioned: now,
	}
	g.entities[id] = e
	copied := *e
	return &copied
}

// upsertRelation links two entities observed near each other; repeated
// observation bumps strength by 0.1, capped at 1.0, per §4.5.
func (g *graph) upsertRelation(fromID, toID string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, relID := range g.outRels[fromID] {
		if rel, ok := g.relations[relID]; ok && rel.ToID == toID {
			rel.Strength += 0.1
			if rel.Strength > 1.0 {
				rel.Strength = 1.0
			}
			rel.Mentions++
			rel.UpdatedAt = now
			return
		}
	}

	id := fmt.Sprintf("rel_%s_%s_%d", fromID, toID, now.UnixNano())
	rel := &types.Relationship{ID: id, FromID: fromID, ToID: toID, Strength: 0.7, Mentions: 1, UpdatedAt: now}
	g.relations[id] = rel
	g.outRels[fromID] = append(g.outRels[fromID], id)
	g.inRels[toID] = append(g.inRels[toID], id)
}

// topEntities returns the n entities with the highest Mentions count.
func (g *graph) topEntities(n int) []types.Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.Entity, 0, len(g.entities))
	for _, e := range g.entities {
		out = append(out, *e)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Mentions > out[i].Mentions {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// findPath is a depth-limited bidirectional DFS, mirroring the arena
// pattern's flattened entity/relationship lookup (no parent pointers).
func (g *graph) findPath(fromID, toID string, maxDepth int) [][]string {
	if maxDepth <= 0 {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.entities[fromID]; !ok {
		return nil
	}
	if _, ok := g.entities[toID]; !ok {
		return nil
	}
	var paths [][]string
	visited := make(map[string]bool)
	g.dfs(fromID, toID, maxDepth, visited, []string{fromID}, &paths)
	return paths
}

func (g *graph) dfs(current, target string, depth int, visited map[string]bool, path []string, paths *[][]string) {
	if current == target && len(path) > 1 {
		found := make([]string, len(path))
		copy(found, path)
		*paths = append(*paths, found)
		return
	}
	if depth <= 0 {
		return
	}
	visited[current] = true
	defer func() { visited[current] = false }()

	for _, relID := range g.outRels[current] {
		rel, ok := g.relations[relID]
		if !ok || visited[rel.ToID] {
			continue
		}
		g.dfs(rel.ToID, target, depth-1, visited, append(path, rel.ToID), paths)
	}
	for _, relID := range g.inRels[current] {
		rel, ok := g.relations[relID]
		if !ok || visited[rel.FromID] {
			continue
		}
		g.dfs(rel.FromID, target, depth-1, visited, append(path, rel.FromID), paths)
	}
}
