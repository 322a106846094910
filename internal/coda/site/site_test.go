package site

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/chrissnell/codacal/internal/coda"
)

var (
	injectedEvents = map[string]float64{"ev1": 1.0, "ev2": 2.5, "ev3": -0.3, "ev4": 0.8}
	injectedSites  = map[string]float64{"A": 0.3, "B": -0.1, "C": -0.25, "D": 0.15, "E": -0.1}
	recordings     = map[string][]string{
		"A": {"ev1", "ev2", "ev3"},
		"B": {"ev1", "ev4"},
		"C": {"ev2", "ev3", "ev4"},
		"D": {"ev3"},
		"E": {"ev1", "ev2", "ev4"},
	}
)

func network(events, sites map[string]float64, recs map[string][]string) []Observation {
	var obs []Observation
	for st, evs := range recs {
		for _, ev := range evs {
			obs = append(obs, Observation{EventID: ev, StationID: st, Value: events[ev] + sites[st]})
		}
	}
	return obs
}

func TestSolveBandRecoversSiteTerms(t *testing.T) {
	tests := []struct {
		name       string
		denseLimit int
		epsilon    float64
	}{
		{"svd", 2000, 1e-9},
		{"cgls", 1, 1e-7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := coda.DefaultParams()
			params.DenseSolveLimit = tt.denseLimit

			res, err := NewSolver(params, nil).SolveBand(context.Background(), "1-2",
				network(injectedEvents, injectedSites, recordings))
			if err != nil {
				t.Fatalf("SolveBand() error = %v", err)
			}
			if len(res.Clusters) != 1 {
				t.Fatalf("got %d clusters, want 1", len(res.Clusters))
			}
			sites := res.SiteMap()
			if len(sites) != len(injectedSites) {
				t.Fatalf("got %d sites, want %d", len(sites), len(injectedSites))
			}
			sum := 0.0
			for st, want := range injectedSites {
				got := sites[st]
				sum += got.Term
				if math.Abs(got.Term-want) > tt.epsilon {
					t.Errorf("site %s = %v, want %v", st, got.Term, want)
				}
				if got.Count != len(recordings[st]) {
					t.Errorf("site %s count = %d, want %d", st, got.Count, len(recordings[st]))
				}
				if got.StdErr > tt.epsilon {
					t.Errorf("site %s stderr = %v on exact data", st, got.StdErr)
				}
			}
			if math.Abs(sum) > tt.epsilon {
				t.Errorf("site terms sum to %v, want 0", sum)
			}
			for ev, want := range injectedEvents {
				if math.Abs(res.EventTerms[ev]-want) > tt.epsilon {
					t.Errorf("event %s = %v, want %v", ev, res.EventTerms[ev], want)
				}
			}
		})
	}
}

func TestSolveBandReferenceStation(t *testing.T) {
	params := coda.DefaultParams()
	params.Normalization = coda.NormalizeReferenceStation
	params.ReferenceStation = "C"

	res, err := NewSolver(params, nil).SolveBand(context.Background(), "1-2",
		network(injectedEvents, injectedSites, recordings))
	if err != nil {
		t.Fatalf("SolveBand() error = %v", err)
	}
	sites := res.SiteMap()
	ref := injectedSites["C"]
	for st, want := range injectedSites {
		if math.Abs(sites[st].Term-(want-ref)) > 1e-9 {
			t.Errorf("site %s = %v, want %v", st, sites[st].Term, want-ref)
		}
	}
	if math.Abs(sites["C"].Term) > 1e-12 {
		t.Errorf("reference station term = %v, want 0", sites["C"].Term)
	}
}

func disconnected() []Observation {
	obs := network(injectedEvents, injectedSites, recordings)
	isolated := map[string]float64{"ev9": 3.0, "ev8": 2.0}
	isolatedSites := map[string]float64{"X": 0.2, "Y": -0.2}
	return append(obs, network(isolated, isolatedSites, map[string][]string{
		"X": {"ev8", "ev9"},
		"Y": {"ev8", "ev9"},
	})...)
}

func TestSolveBandDisconnectedClusters(t *testing.T) {
	res, err := NewSolver(coda.DefaultParams(), nil).SolveBand(context.Background(), "1-2", disconnected())
	if err != nil {
		t.Fatalf("SolveBand() error = %v", err)
	}
	if len(res.Clusters) != 2 {
		t.Fatalf("got %d clusters, want 2", len(res.Clusters))
	}
	sites := res.SiteMap()
	if math.Abs(sites["X"].Term-0.2) > 1e-9 || math.Abs(sites["Y"].Term+0.2) > 1e-9 {
		t.Errorf("isolated cluster terms = %v, %v", sites["X"].Term, sites["Y"].Term)
	}
	if sites["X"].Cluster == sites["A"].Cluster {
		t.Errorf("X and A share cluster %d", sites["X"].Cluster)
	}
	if math.Abs(sites["A"].Term-0.3) > 1e-9 {
		t.Errorf("site A = %v, want 0.3", sites["A"].Term)
	}

	params := coda.DefaultParams()
	params.RequireFullConnectivity = true
	_, err = NewSolver(params, nil).SolveBand(context.Background(), "1-2", disconnected())
	if !errors.Is(err, coda.ErrUnderdeterminedSystem) {
		t.Errorf("SolveBand() error = %v, want UnderdeterminedSystem", err)
	}
}

func TestSolveBandReferenceMissingFromCluster(t *testing.T) {
	params := coda.DefaultParams()
	params.Normalization = coda.NormalizeReferenceStation
	params.ReferenceStation = "A"

	res, err := NewSolver(params, nil).SolveBand(context.Background(), "1-2", disconnected())
	if err != nil {
		t.Fatalf("SolveBand() error = %v", err)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(res.Failures))
	}
	if res.Failures[0].Kind != coda.KindUnderdeterminedSystem || res.Failures[0].Scope != coda.ScopeCluster {
		t.Errorf("unexpected failure %v", res.Failures[0])
	}
	sites := res.SiteMap()
	if _, ok := sites["X"]; ok {
		t.Errorf("station X solved without a reference")
	}
	if math.Abs(sites["B"].Term-(-0.4)) > 1e-9 {
		t.Errorf("site B = %v, want -0.4", sites["B"].Term)
	}
}

func TestCoverageIsDeterministic(t *testing.T) {
	obs := disconnected()
	first := Coverage("1-2", obs)
	for i := 0; i < 5; i++ {
		// Reverse the input order; clusters must not change.
		rev := make([]Observation, len(obs))
		for j := range obs {
			rev[len(obs)-1-j] = obs[j]
		}
		obs = rev
		again := Coverage("1-2", obs)
		if len(again) != len(first) {
			t.Fatalf("cluster count changed: %d vs %d", len(again), len(first))
		}
		for c := range first {
			if first[c].ID != again[c].ID || len(first[c].Stations) != len(again[c].Stations) {
				t.Fatalf("cluster %d changed", c)
			}
			for s := range first[c].Stations {
				if first[c].Stations[s] != again[c].Stations[s] {
					t.Fatalf("cluster %d station order changed", c)
				}
			}
		}
	}
	if first[0].Stations[0] != "A" || len(first[0].Events) != 4 {
		t.Errorf("unexpected first cluster %+v", first[0])
	}
}

func TestSolveSystemLeavesInputUntouched(t *testing.T) {
	obs := network(injectedEvents, injectedSites, recordings)
	clusters := Coverage("1-2", obs)
	sys := BuildSystem(clusters[0], obs)
	rhs := append([]float64(nil), sys.RHS...)

	sol, err := SolveSystem(sys, 2000)
	if err != nil {
		t.Fatalf("SolveSystem() error = %v", err)
	}
	for i := range rhs {
		if rhs[i] != sys.RHS[i] {
			t.Fatalf("RHS[%d] modified", i)
		}
	}
	// Four events and five stations leave a one-dimensional null space.
	if sol.Rank != sys.Cols-1 {
		t.Errorf("rank = %d, want %d", sol.Rank, sys.Cols-1)
	}
	if sys.Rows != 12 || len(sys.Entries) != 24 {
		t.Errorf("system is %d rows with %d entries, want 12 and 24", sys.Rows, len(sys.Entries))
	}
}
