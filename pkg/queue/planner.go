package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/histqueue/pkg/config"
	"github.com/nicktill/histqueue/pkg/ebd"
	"github.com/nicktill/histqueue/pkg/tracker"
)

// ErrWindowNotReady is returned when the checkpoint is ahead of the clock,
// so there is no elapsed time to export yet.
var ErrWindowNotReady = errors.New("checkpoint is ahead of the clock")

// Clock reports the current time in epoch milliseconds.
type Clock interface {
	NowMillis() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

// NowMillis calls f.
func (f ClockFunc) NowMillis() int64 { return f() }

// SystemClock is wall time plus the configured clock offset, used to
// compensate for skew between this host and the device's log clock.
type SystemClock struct {
	Settings *config.Settings
}

// NowMillis returns the adjusted wall clock.
func (c SystemClock) NowMillis() int64 {
	now := time.Now().UnixMilli()
	if c.Settings != nil {
		now += c.Settings.ClockOffsetMs()
	}
	return now
}

// Window is a closed export interval in epoch milliseconds.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Next returns the checkpoint that follows this window. Windows are
// half-open across cycles so the boundary record isn't exported twice.
func (w Window) Next() int64 {
	return w.End + 1
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return time.Duration(w.End-w.Start) * time.Millisecond
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]",
		time.UnixMilli(w.Start).UTC().Format(time.RFC3339Nano),
		time.UnixMilli(w.End).UTC().Format(time.RFC3339Nano))
}

// Plan is the window chosen for a cycle and how its start was obtained.
type Plan struct {
	Window     Window
	Checkpoint tracker.Result
	NewEpoch   bool
}

// Planner computes the next export window from the time tracker.
type Planner struct {
	tracker *tracker.Tracker
}

// NewPlanner creates a planner over t.
func NewPlanner(t *tracker.Tracker) *Planner {
	return &Planner{tracker: t}
}

// NextWindow returns the window to export next.
//
// With startNewEpoch the window starts at now and the tracker is reset to
// now before anything is exported. Otherwise it starts at the stored
// checkpoint. The end is start+span clamped to now, so the window never
// reaches into the future.
func (p *Planner) NextWindow(ctx context.Context, startNewEpoch bool, spanMinutes, now int64) (Plan, error) {
	if spanMinutes < 1 {
		return Plan{}, fmt.Errorf("span must be at least 1 minute, got %d", spanMinutes)
	}

	var plan Plan
	if startNewEpoch {
		if err := p.tracker.Reset(ctx, now); err != nil {
			return Plan{}, fmt.Errorf("failed to start new time tracker: %w", err)
		}
		plan.NewEpoch = true
		plan.Checkpoint = tracker.Result{Value: now, Status: tracker.StatusOK}
	} else {
		res, err := p.tracker.Read(ctx)
		if err != nil {
			return Plan{}, err
		}
		plan.Checkpoint = res
	}

	start := plan.Checkpoint.Value
	if start > now {
		return plan, fmt.Errorf("%w: checkpoint %d, now %d", ErrWindowNotReady, start, now)
	}

	end := start + spanMinutes*60*1000
	if end > now {
		end = now
	}
	plan.Window = Window{Start: start, End: end}
	return plan, nil
}

// Request builds the export request for one channel of a window.
func (w Window) Request(groups ebd.GroupMask, channel ebd.Channel, destination string) ebd.Request {
	return ebd.Request{
		Start:       w.Start,
		End:         w.End,
		Groups:      groups,
		Channel:     channel,
		Destination: destination,
	}
}
