// Package site resolves per-station amplification terms by joint inversion
// of path-corrected coda amplitudes.
package site

import (
	"sort"

	"github.com/chrissnell/codacal/internal/coda"
)

// Observation is one path-corrected log10 amplitude.
type Observation struct {
	EventID   string
	StationID string
	Value     float64
}

// unionFind is a disjoint-set forest over integer node ids.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	u := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}

// Coverage splits the event/station graph of obs into connected clusters.
// Clusters are ordered by their first station and numbered from zero;
// stations and events inside a cluster are sorted.
func Coverage(bandID string, obs []Observation) []coda.Cluster {
	events := map[string]int{}
	stations := map[string]int{}
	var names []string
	node := func(m map[string]int, id string) int {
		if n, ok := m[id]; ok {
			return n
		}
		n := len(names)
		m[id] = n
		names = append(names, id)
		return n
	}
	type edge struct{ e, s int }
	edges := make([]edge, 0, len(obs))
	for _, o := range obs {
		edges = append(edges, edge{node(events, o.EventID), node(stations, o.StationID)})
	}

	uf := newUnionFind(len(names))
	for _, e := range edges {
		uf.union(e.e, e.s)
	}

	byRoot := map[int]*coda.Cluster{}
	for id, n := range stations {
		c := byRoot[uf.find(n)]
		if c == nil {
			c = &coda.Cluster{BandID: bandID}
			byRoot[uf.find(n)] = c
		}
		c.Stations = append(c.Stations, id)
	}
	for id, n := range events {
		c := byRoot[uf.find(n)]
		c.Events = append(c.Events, id)
	}

	clusters := make([]coda.Cluster, 0, len(byRoot))
	for _, c := range byRoot {
		sort.Strings(c.Stations)
		sort.Strings(c.Events)
		clusters = append(clusters, *c)
	}
	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].Stations[0] < clusters[j].Stations[0]
	})
	for i := range clusters {
		clusters[i].ID = i
	}
	return clusters
}
