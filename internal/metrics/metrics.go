// Package metrics holds the engine's prometheus collectors.
package metrics

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lix_commits_total",
		Help: "Total number of commits written",
	})

	ChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lix_changes_total",
		Help: "Total number of changes appended to the change log",
	}, []string{"kind"})

	MergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lix_merges_total",
		Help: "Total number of merges by outcome",
	}, []string{"outcome"})

	CheckpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lix_checkpoints_total",
		Help: "Total number of checkpoints created",
	})

	ConflictResolutionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lix_conflict_resolutions_total",
		Help: "Total number of conflicts resolved",
	})

	StatementCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lix_statement_cache_lookups_total",
		Help: "Compiled statement cache lookups by result",
	}, []string{"result"})

	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lix_commit_duration_seconds",
		Help:    "Duration of the commit pipeline",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)

// Sample is one gathered series.
type Sample struct {
	Name  string
	Value float64
}

// Gather returns the lix_* counters and histogram counts from the default
// registry, sorted by name.
func Gather() ([]Sample, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, err
	}
	var out []Sample
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "lix_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				out = append(out, Sample{Name: name, Value: m.GetCounter().GetValue()})
			case m.GetHistogram() != nil:
				out = append(out, Sample{Name: name + "_count", Value: float64(m.GetHistogram().GetSampleCount())})
				out = append(out, Sample{Name: name + "_sum", Value: m.GetHistogram().GetSampleSum()})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
