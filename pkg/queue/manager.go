package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/nicktill/histqueue/pkg/config"
	"github.com/nicktill/histqueue/pkg/datapoint"
	"github.com/nicktill/histqueue/pkg/ebd"
	"github.com/nicktill/histqueue/pkg/parser"
	"github.com/nicktill/histqueue/pkg/tags"
	"github.com/nicktill/histqueue/pkg/tracker"
)

// Options wires a Manager to its collaborators.
type Options struct {
	Service  ebd.Service
	Registry tags.Registry
	Tracker  *tracker.Tracker
	Settings *config.Settings

	// Clock defaults to SystemClock over Settings.
	Clock Clock

	// Transient artifact paths, overwritten every cycle.
	StandardArtifact string
	StringArtifact   string

	Parser parser.Options

	// Deliver, if set, receives each cycle before the checkpoint advances.
	// An error leaves the checkpoint untouched so the window is pulled again.
	Deliver func(ctx context.Context, cycle *Cycle) error
}

// Cycle is the result of one extraction cycle.
type Cycle struct {
	Window Window        `json:"window"`
	Groups ebd.GroupMask `json:"groups"`

	// Points holds Standard channel points followed by StringHistory points,
	// each in export order.
	Points []datapoint.DataPoint `json:"-"`

	StandardCount int  `json:"standard_count"`
	StringCount   int  `json:"string_count"`
	NewEpoch      bool `json:"new_epoch"`

	// Recovered is set when the checkpoint had to be restored from one copy.
	Recovered bool `json:"recovered"`

	// Checkpoint is the tracker value after the cycle.
	Checkpoint int64         `json:"checkpoint"`
	Duration   time.Duration `json:"duration"`
}

// Manager runs extraction cycles against a single checkpoint. Cycles are
// serialized: two concurrent cycles would read the same checkpoint and
// both advance it.
type Manager struct {
	service  ebd.Service
	tracker  *tracker.Tracker
	settings *config.Settings
	clock    Clock
	planner  *Planner
	parser   *parser.Parser

	standardArtifact string
	stringArtifact   string
	deliver          func(ctx context.Context, cycle *Cycle) error

	mu   sync.Mutex
	last *Cycle
}

// NewManager creates a queue manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Service == nil {
		return nil, errors.New("export service is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("tag registry is required")
	}
	if opts.Tracker == nil {
		return nil, errors.New("time tracker is required")
	}
	if opts.StandardArtifact == "" || opts.StringArtifact == "" {
		return nil, errors.New("artifact paths are required")
	}
	if opts.StandardArtifact == opts.StringArtifact {
		return nil, errors.New("standard and string artifacts must use different paths")
	}

	settings := opts.Settings
	if settings == nil {
		settings = config.NewSettings()
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{Settings: settings}
	}

	return &Manager{
		service:          opts.Service,
		tracker:          opts.Tracker,
		settings:         settings,
		clock:            clock,
		planner:          NewPlanner(opts.Tracker),
		parser:           parser.New(opts.Registry, opts.Parser),
		standardArtifact: opts.StandardArtifact,
		stringArtifact:   opts.StringArtifact,
		deliver:          opts.Deliver,
	}, nil
}

// Settings returns the manager's runtime settings.
func (m *Manager) Settings() *config.Settings {
	return m.settings
}

// Pull runs one extraction cycle over the next window for the given tag
// groups, optionally including string history.
//
// The checkpoint only advances, to window end + 1, after every requested
// channel has been exported and parsed. On any earlier failure the
// checkpoint is left as it was and the whole window is retried on the next
// call, so delivery is at-least-once per window.
func (m *Manager) Pull(ctx context.Context, startNewEpoch bool, groups ebd.GroupMask, includeStrings bool) (*Cycle, error) {
	if groups.Empty() {
		return nil, ebd.ErrNoTagGroups
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pull(ctx, startNewEpoch, groups, includeStrings, m.settings.SpanMinutes())
}

// PullAllGroups pulls tag groups A-D, including string history when enabled
// in the settings.
func (m *Manager) PullAllGroups(ctx context.Context, startNewEpoch bool) (*Cycle, error) {
	return m.Pull(ctx, startNewEpoch, ebd.AllGroups, m.settings.StringHistoryEnabled())
}

// PullNext pulls with the groups and string flag from the settings. A new
// epoch is started when the tracker has never been written.
func (m *Manager) PullNext(ctx context.Context) (*Cycle, error) {
	snap := m.settings.Snapshot()
	if snap.Groups.Empty() {
		return nil, ebd.ErrNoTagGroups
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.tracker.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check time tracker: %w", err)
	}
	if !exists {
		log.Printf("No time tracker found, starting a new one")
	}
	return m.pull(ctx, !exists, snap.Groups, snap.StringHistory, snap.SpanMinutes)
}

func (m *Manager) pull(ctx context.Context, startNewEpoch bool, groups ebd.GroupMask, includeStrings bool, spanMinutes int64) (*Cycle, error) {
	started := time.Now()
	now := m.clock.NowMillis()

	plan, err := m.planner.NextWindow(ctx, startNewEpoch, spanMinutes, now)
	if err != nil {
		return nil, err
	}
	if plan.Checkpoint.Recovered() {
		log.Printf("WARNING: %v; continuing from %d", plan.Checkpoint.Err(), plan.Checkpoint.Value)
	}

	cycle := &Cycle{
		Window:    plan.Window,
		Groups:    groups,
		NewEpoch:  plan.NewEpoch,
		Recovered: plan.Checkpoint.Recovered(),
	}

	standard, err := m.exportChannel(ctx, plan.Window, groups, ebd.Standard, m.standardArtifact)
	if err != nil {
		return nil, err
	}
	cycle.StandardCount = len(standard)
	cycle.Points = standard

	if includeStrings {
		strs, err := m.exportChannel(ctx, plan.Window, groups, ebd.StringHistory, m.stringArtifact)
		if err != nil {
			return nil, err
		}
		cycle.StringCount = len(strs)
		cycle.Points = append(cycle.Points, strs...)
	}

	next := plan.Window.Next()
	if m.deliver != nil {
		if err := m.deliver(ctx, cycle); err != nil {
			return nil, fmt.Errorf("failed to deliver window %s: %w", plan.Window, err)
		}
	}
	if err := m.tracker.Write(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to advance time tracker: %w", err)
	}
	cycle.Checkpoint = next
	cycle.Duration = time.Since(started)

	m.last = cycle
	return cycle, nil
}

// exportChannel exports one channel of the window and parses the artifact.
func (m *Manager) exportChannel(ctx context.Context, w Window, groups ebd.GroupMask, channel ebd.Channel, artifact string) ([]datapoint.DataPoint, error) {
	if err := m.service.Export(ctx, w.Request(groups, channel, artifact)); err != nil {
		return nil, fmt.Errorf("%s export %s failed: %w", channel, w, err)
	}

	f, err := os.Open(artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s artifact: %w", channel, err)
	}
	defer f.Close()

	points, err := m.parser.ParseArtifact(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s artifact: %w", channel, err)
	}
	return points, nil
}

// Checkpoint reports whether the tracker exists and, if so, its value.
func (m *Manager) Checkpoint(ctx context.Context) (tracker.Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.tracker.Exists(ctx)
	if err != nil || !exists {
		return tracker.Result{}, exists, err
	}
	res, err := m.tracker.Read(ctx)
	return res, true, err
}

// ResetTracker starts a new epoch at value, discarding the old checkpoint.
// This is the operator recovery path for tracker.ErrUnrecoverable.
func (m *Manager) ResetTracker(ctx context.Context, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.tracker.Reset(ctx, value); err != nil {
		return fmt.Errorf("failed to reset time tracker: %w", err)
	}
	log.Printf("Time tracker reset to %d", value)
	return nil
}

// Now returns the manager's adjusted clock reading.
func (m *Manager) Now() int64 {
	return m.clock.NowMillis()
}

// LastCycle returns the most recent successful cycle, or nil.
func (m *Manager) LastCycle() *Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
