package trainer

// EarlyStopping stops training once the monitored loss has not improved
// for Patience consecutive evaluations. An evaluation improves when it is
// strictly below the best loss minus MinDelta.
type EarlyStopping struct {
	Patience int
	MinDelta float64

	best    float64
	wait    int
	started bool
}

// NewEarlyStopping returns a stopper watching a loss to minimise.
func NewEarlyStopping(patience int, minDelta float64) *EarlyStopping {
	return &EarlyStopping{Patience: patience, MinDelta: minDelta}
}

// Update records loss and reports whether training should stop.
func (e *EarlyStopping) Update(loss float64) bool {
	if !e.started || loss < e.best-e.MinDelta {
		e.best = loss
		e.wait = 0
		e.started = true
		return false
	}
	e.wait++
	return e.wait >= e.Patience
}

// Best returns the lowest loss seen.
func (e *EarlyStopping) Best() float64 {
	return e.best
}
