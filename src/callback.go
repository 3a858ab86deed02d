package paint

import (
	"log"
)

// Callback is called by the trainer at various points of an epoch
type Callback interface {
	onEpochBegin(lastIteration int)
	onBatchEnd(iteration int, trackers trackerSet)
	onEpochEnd(iteration int, trackers trackerSet)
	name() string
}

// PrintProgressCallback logs the running averages every PrintEvery
// iterations.
type PrintProgressCallback struct {
	PrintEvery int
	logger     *log.Logger
}

type PrintProgressConfig struct {
	PrintEvery int
	Logger     *log.Logger
}

func PrintProgress(config PrintProgressConfig) Callback {
	return &PrintProgressCallback{PrintEvery: config.PrintEvery, logger: config.Logger}
}

func (p *PrintProgressCallback) onEpochBegin(lastIteration int) {}

func (p *PrintProgressCallback) onBatchEnd(iteration int, trackers trackerSet) {
	if p.PrintEvery <= 0 || p.logger == nil {
		return
	}
	if iteration%p.PrintEvery == 0 {
		p.logger.Printf("[%d]: %s", iteration, trackers)
	}
}

func (p *PrintProgressCallback) onEpochEnd(iteration int, trackers trackerSet) {}

func (p *PrintProgressCallback) name() string { return "print_progress" }

// HistoryCallback records the epoch averages of every tracker
type HistoryCallback struct {
	History map[string][]float64
}

func History() *HistoryCallback {
	return &HistoryCallback{
		History: make(map[string][]float64),
	}
}

func (h *HistoryCallback) onEpochBegin(lastIteration int) {}

func (h *HistoryCallback) onBatchEnd(iteration int, trackers trackerSet) {}

func (h *HistoryCallback) onEpochEnd(iteration int, trackers trackerSet) {
	for k, v := range trackers.values() {
		h.History[k] = append(h.History[k], v)
	}
}

func (h *HistoryCallback) name() string { return "history" }
