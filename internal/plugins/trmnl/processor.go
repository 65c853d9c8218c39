package trmnl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trmnlpush/internal/events"
	"trmnlpush/internal/metrics"
	"trmnlpush/internal/options"
	"trmnlpush/internal/payload"
	"trmnlpush/internal/webhook"
)

// Cycle triggers
const (
	TriggerStartup  = "startup"
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Outcome is the terminal state of a push cycle
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeBusy    Outcome = "busy"
)

var outcomeEvents = map[Outcome]events.EventType{
	OutcomeSent:    events.EventPushSent,
	OutcomeFailed:  events.EventPushFailed,
	OutcomeSkipped: events.EventPushSkipped,
	OutcomeBusy:    events.EventPushBusy,
}

// CycleReport describes one finished cycle
type CycleReport struct {
	ID         string        `json:"id"`
	Trigger    string        `json:"trigger"`
	Outcome    Outcome       `json:"outcome"`
	StatusCode int           `json:"status_code,omitempty"`
	Size       int           `json:"size"`
	Entities   int           `json:"entities"`
	Skipped    []string      `json:"skipped,omitempty"`
	Dropped    []string      `json:"dropped,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`

	err error
}

// Err returns the cycle error for failed and skipped cycles
func (r *CycleReport) Err() error {
	return r.err
}

// RunCycle runs one push cycle: re-read options, select, assemble, POST.
// A cycle that starts while another is in flight ends at once as busy.
// Failures are recorded and logged, never returned to the scheduler.
func (p *Plugin) RunCycle(ctx context.Context, trigger string) *CycleReport {
	report := &CycleReport{
		ID:      events.NewCycleID(),
		Trigger: trigger,
	}
	start := p.now()

	if !p.cycleMu.TryLock() {
		report.Outcome = OutcomeBusy
		report.err = errors.New("previous cycle still running")
		p.finish(report, start)
		return report
	}
	defer p.cycleMu.Unlock()

	p.Logger().Debugf("Cycle %s started (%s)", report.ID, trigger)

	deps := p.Deps()
	opts, err := options.Load(deps.Storage, p.Name())
	if err != nil {
		report.Outcome = OutcomeFailed
		report.err = err
		p.finish(report, start)
		return report
	}
	if !opts.Configured() {
		report.Outcome = OutcomeSkipped
		report.err = errors.New("integration is not configured")
		p.finish(report, start)
		return report
	}

	result, err := p.assemble(opts)
	if err != nil {
		report.Outcome = OutcomeSkipped
		if errors.Is(err, payload.ErrPayloadTooLarge) {
			report.Outcome = OutcomeFailed
		}
		report.err = err
		p.finish(report, start)
		return report
	}

	report.Size = result.Size
	report.Entities = len(result.Included)
	report.Skipped = result.Skipped
	report.Dropped = result.Dropped
	metrics.ObserveAssembly(result.Size, len(result.Included), len(result.Dropped))

	resp, err := deps.Webhook.Post(ctx, opts.URL, result.Body)
	if resp != nil {
		report.StatusCode = resp.StatusCode
		metrics.ObserveWebhook(resp.Duration)
	}
	if err != nil {
		report.Outcome = OutcomeFailed
		report.err = err
		p.finish(report, start)
		return report
	}

	report.Outcome = OutcomeSent
	p.finish(report, start)
	return report
}

// assemble builds the document for opts from the current states
func (p *Plugin) assemble(opts *options.Options) (*payload.Result, error) {
	states := p.Deps().States
	selection := opts.Selector().Select(states)
	return payload.NewAssembler(states, p.Logger()).
		WithClock(p.now).
		Assemble(selection, opts.IncludeIDs)
}

// finish logs, counts and records a report
func (p *Plugin) finish(report *CycleReport, start time.Time) {
	report.FinishedAt = p.now()
	report.Duration = report.FinishedAt.Sub(start)
	if report.err != nil {
		report.Error = report.err.Error()
	}

	logger := p.Logger()
	switch report.Outcome {
	case OutcomeSent:
		logger.Infof("Sent %d entities (%d bytes) to TRMNL, HTTP %d", report.Entities, report.Size, report.StatusCode)
		if len(report.Dropped) > 0 {
			logger.Warnf("Trimmed %d sensors to fit %d bytes: %v", len(report.Dropped), payload.MaxPayloadSize, report.Dropped)
		}
	case OutcomeFailed:
		var statusErr *webhook.StatusError
		if errors.As(report.err, &statusErr) {
			logger.Errorf("TRMNL webhook returned HTTP %d: %s", statusErr.StatusCode, statusErr.Body)
		} else {
			logger.Errorf("Push cycle failed: %v", report.err)
		}
	case OutcomeSkipped:
		logger.Warnf("Push cycle skipped: %v", report.err)
	case OutcomeBusy:
		logger.Warnf("Push cycle %s skipped: previous cycle still running", report.Trigger)
	}

	metrics.CycleFinished(string(report.Outcome))

	if store := p.Deps().EventStore; store != nil {
		store.AddCycle(outcomeEvents[report.Outcome], &events.Cycle{
			ID:         report.ID,
			Trigger:    report.Trigger,
			StatusCode: report.StatusCode,
			Size:       report.Size,
			Entities:   report.Entities,
			Dropped:    report.Dropped,
			DurationMS: report.Duration.Milliseconds(),
		}, report.Error)
	}

	// A busy report says nothing about the cycle that holds the lock
	if report.Outcome == OutcomeBusy {
		return
	}

	p.mu.Lock()
	p.lastReport = report
	if report.Outcome == OutcomeSent {
		p.lastSuccess = report.FinishedAt
	}
	p.mu.Unlock()

	p.publishStatus(report)
}

// describe formats a report for API responses
func (r *CycleReport) describe() string {
	switch r.Outcome {
	case OutcomeSent:
		return fmt.Sprintf("sent %d entities (%d bytes)", r.Entities, r.Size)
	case OutcomeBusy:
		return "a cycle is already running"
	default:
		return r.Error
	}
}
