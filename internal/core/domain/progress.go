package domain

// ProgressKind distinguishes the events an install reports.
type ProgressKind string

const (
	// ProgressStep is emitted once per completed unit of work.
	ProgressStep ProgressKind = "step"
	// ProgressPull carries image pull status lines.
	ProgressPull ProgressKind = "pull"
	// ProgressSync carries the cache sync percentage.
	ProgressSync ProgressKind = "sync"
)

// Units of work counted by an install.
const (
	UnitUI        = "ui"
	UnitCacheSync = "cache-sync"
	UnitEngine    = "engine"

	InstallSteps = 3
)

// ProgressEvent is delivered to the caller of an install.
type ProgressEvent struct {
	Kind    ProgressKind `json:"kind"`
	Unit    string       `json:"unit"`
	Step    int          `json:"step,omitempty"`
	Total   int          `json:"total,omitempty"`
	Percent int          `json:"percent,omitempty"`
	Message string       `json:"message,omitempty"`
}

// ProgressFunc receives progress events. It may be called from several
// goroutines at once.
type ProgressFunc func(ProgressEvent)

// Emit calls f when it is non-nil.
func (f ProgressFunc) Emit(ev ProgressEvent) {
	if f != nil {
		f(ev)
	}
}
