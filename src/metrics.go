package paint

import (
	"fmt"
	"strings"
)

// Tracker names, in reporting order.
const (
	MetricDReal = "loss_D_real"
	MetricDFake = "loss_D_fake"
	MetricGGAN  = "loss_G_gan"
	MetricGL1   = "loss_G_l1"
)

// AverageTracker keeps a weighted running mean of a named scalar.
type AverageTracker struct {
	name  string
	sum   float64
	count float64
}

func NewAverageTracker(name string) *AverageTracker {
	return &AverageTracker{name: name}
}

// Initialize resets the tracker to its empty state.
func (a *AverageTracker) Initialize() {
	a.sum = 0
	a.count = 0
}

// Update adds value with the given weight (usually the batch size).
func (a *AverageTracker) Update(value, weight float64) {
	a.sum += value * weight
	a.count += weight
}

// Value returns sum/count, or ErrNoUpdates if nothing has been recorded
// since the last Initialize.
func (a *AverageTracker) Value() (float64, error) {
	if a.count == 0 {
		return 0, ErrNoUpdates
	}
	return a.sum / a.count, nil
}

func (a *AverageTracker) Name() string { return a.name }

// trackerSet is the ordered group of trackers one training epoch reports.
type trackerSet []*AverageTracker

func newTrackerSet(names ...string) trackerSet {
	set := make(trackerSet, len(names))
	for i, n := range names {
		set[i] = NewAverageTracker(n)
	}
	return set
}

func (s trackerSet) initialize() {
	for _, t := range s {
		t.Initialize()
	}
}

func (s trackerSet) get(name string) *AverageTracker {
	for _, t := range s {
		if t.name == name {
			return t
		}
	}
	return nil
}

// values snapshots every tracker that has been updated.
func (s trackerSet) values() map[string]float64 {
	out := make(map[string]float64, len(s))
	for _, t := range s {
		if v, err := t.Value(); err == nil {
			out[t.name] = v
		}
	}
	return out
}

// String renders "name = value, ..." in tracker order.
func (s trackerSet) String() string {
	parts := make([]string, 0, len(s))
	for _, t := range s {
		v, err := t.Value()
		if err != nil {
			parts = append(parts, fmt.Sprintf("%s = n/a", t.name))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = %f", t.name, v))
	}
	return strings.Join(parts, ", ")
}
