package pipeline

import (
	"slices"
	"sync"

	"github.com/conn-castle/fastchain/internal/installerr"
	"github.com/conn-castle/fastchain/internal/manifest"
)

// Status is the progress of one component through the pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFetching  Status = "fetching"
	StatusVerifying Status = "verifying"
	StatusUnpacking Status = "unpacking"
	StatusStaged    Status = "staged"
	StatusFailed    Status = "failed"
)

// Overall is the state of the whole run.
type Overall string

const (
	OverallRunning   Overall = "running"
	OverallCommitted Overall = "committed"
	OverallAborted   Overall = "aborted"
)

// ComponentState is the observable state of one component.
type ComponentState struct {
	Name string
	// Display is the name with the target triple, for people.
	Display string
	Status  Status
	// Fetched counts bytes received in the current download attempt.
	Fetched int64
	// Total is the advertised archive size, the size hint, or -1.
	Total int64
	// Err is set once Status is StatusFailed.
	Err error
}

// Snapshot is an immutable copy of the run state.
type Snapshot struct {
	// Seq increases with every change. Observers may see snapshots out of
	// order and should drop ones older than the last seen.
	Seq        uint64
	Overall    Overall
	Components []ComponentState
}

// Component returns the state of the named component.
func (s Snapshot) Component(name string) (ComponentState, bool) {
	for _, c := range s.Components {
		if c.Name == name {
			return c, true
		}
	}
	return ComponentState{}, false
}

// Count returns how many components are in status.
func (s Snapshot) Count(status Status) int {
	n := 0
	for _, c := range s.Components {
		if c.Status == status {
			n++
		}
	}
	return n
}

// Failure attributes an error to a component. Component is empty for
// failures of the run itself, such as staging setup or commit.
type Failure struct {
	Component string
	Kind      installerr.Kind
	Err       error
}

// tracker is the single owner of the run state. The observer is always
// called after the lock is released.
type tracker struct {
	observer func(Snapshot)

	mu         sync.Mutex
	seq        uint64
	overall    Overall
	components []ComponentState
	index      map[string]int
	failures   []Failure
	// canceled holds components that stopped only because the run did.
	canceled []Failure
}

func newTracker(components []manifest.Component, observer func(Snapshot)) *tracker {
	t := &tracker{
		observer:   observer,
		overall:    OverallRunning,
		components: make([]ComponentState, len(components)),
		index:      make(map[string]int, len(components)),
	}
	for i, c := range components {
		total := int64(-1)
		if c.SizeHint > 0 {
			total = c.SizeHint
		}
		t.components[i] = ComponentState{Name: c.Name, Display: c.DisplayName(), Status: StatusPending, Total: total}
		t.index[c.Name] = i
	}
	return t
}

func (t *tracker) update(fn func()) {
	t.mu.Lock()
	fn()
	t.seq++
	snap := t.snapshotLocked()
	t.mu.Unlock()
	if t.observer != nil {
		t.observer(snap)
	}
}

func (t *tracker) set(name string, status Status) {
	t.update(func() {
		t.components[t.index[name]].Status = status
	})
}

func (t *tracker) progress(name string, fetched int64, total int64) {
	t.update(func() {
		c := &t.components[t.index[name]]
		c.Fetched = fetched
		if total >= 0 {
			c.Total = total
		}
	})
}

// fail marks name failed. Cancellation fallout is kept apart from the
// failures that caused the abort.
func (t *tracker) fail(name string, err error) {
	kind := installerr.KindOf(err)
	t.update(func() {
		c := &t.components[t.index[name]]
		c.Status = StatusFailed
		c.Err = err
		f := Failure{Component: name, Kind: kind, Err: err}
		if kind == installerr.KindCanceled {
			t.canceled = append(t.canceled, f)
			return
		}
		t.failures = append(t.failures, f)
	})
}

// failRun records a failure found after the components finished. It is
// charged to the component named by err when there is one, and to the run
// otherwise.
func (t *tracker) failRun(err error) {
	name := installerr.ComponentOf(err)
	t.update(func() {
		i, ok := t.index[name]
		if !ok {
			name = ""
		} else {
			t.components[i].Status = StatusFailed
			t.components[i].Err = err
		}
		t.failures = append(t.failures, Failure{Component: name, Kind: installerr.KindOf(err), Err: err})
	})
}

func (t *tracker) allStaged() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.components {
		if c.Status != StatusStaged {
			return false
		}
	}
	return true
}

func (t *tracker) failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.failures) > 0
}

// finish moves the run to its terminal state and returns the failures that
// explain it. When nothing failed on its own, the canceled components are
// the explanation.
func (t *tracker) finish(overall Overall) []Failure {
	var out []Failure
	t.update(func() {
		t.overall = overall
		out = t.failures
		if len(out) == 0 {
			out = t.canceled
		}
		out = slices.Clone(out)
	})
	return out
}

// Snapshot returns a copy of the current state.
func (t *tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *tracker) snapshotLocked() Snapshot {
	return Snapshot{
		Seq:        t.seq,
		Overall:    t.overall,
		Components: slices.Clone(t.components),
	}
}
