// Package worker serializes all device I/O: multi-step sequences run one at a
// time with retries and timeouts, and each refresh publishes an immutable
// snapshot.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaypilot/relaypilot/pkg/device"
	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/types"
)

// ErrQueueFull is returned by Submit when the request queue is full.
var ErrQueueFull = errors.New("worker request queue is full")

const defaultQueueSize = 32

// Config builds a Worker.
type Config struct {
	Client  device.Client
	Devices []device.Config
	// MaxConcurrentErrors before failures are escalated to error logs. Zero
	// means 10.
	MaxConcurrentErrors int
	// QueueSize bounds the pending request queue. Zero means 32.
	QueueSize int
}

type outputRef struct {
	dev     device.Config
	channel int
}

// Worker executes sequence requests FIFO on a single goroutine. Submit and
// the read accessors are safe to call from any goroutine.
type Worker struct {
	client              device.Client
	devices             []device.Config
	deviceByID          map[int]device.Config
	outputs             map[int]outputRef
	maxConcurrentErrors int

	requests chan types.SequenceRequest

	mu       sync.Mutex
	done     map[string]chan types.SequenceResult
	location *types.Location

	snapshot         atomic.Pointer[types.Snapshot]
	concurrentErrors atomic.Int32
	reinitNeeded     atomic.Bool

	// someOffline tracks the previous refresh outcome. Only the worker
	// goroutine touches it.
	someOffline bool

	now func() time.Time
}

// New creates a Worker for the configured devices.
func New(cfg Config) *Worker {
	if cfg.MaxConcurrentErrors <= 0 {
		cfg.MaxConcurrentErrors = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	w := &Worker{
		client:              cfg.Client,
		devices:             cfg.Devices,
		deviceByID:          make(map[int]device.Config, len(cfg.Devices)),
		outputs:             make(map[int]outputRef),
		maxConcurrentErrors: cfg.MaxConcurrentErrors,
		requests:            make(chan types.SequenceRequest, cfg.QueueSize),
		done:                make(map[string]chan types.SequenceResult),
		now:                 time.Now,
	}
	for _, dev := range cfg.Devices {
		w.deviceByID[dev.ID] = dev
		for _, port := range dev.Outputs {
			w.outputs[port.ID] = outputRef{dev: dev, channel: port.Channel}
		}
	}
	return w
}

// Run processes requests until the context ends. It always returns nil on
// context cancellation so it can sit under a supervisor.
func (w *Worker) Run(ctx context.Context) error {
	log.Named(ctx, "worker").InfoContext(ctx, "device worker started",
		slog.Int("devices", len(w.devices)))
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-w.requests:
			queueDepth.Set(float64(len(w.requests)))
			w.execute(ctx, req)
		}
	}
}

// Submit queues a sequence request. The result can be collected with
// WaitForResult or via req.OnComplete.
func (w *Worker) Submit(req types.SequenceRequest) error {
	if req.ID == "" {
		return fmt.Errorf("sequence request needs an ID")
	}
	w.mu.Lock()
	if _, exists := w.done[req.ID]; exists {
		w.mu.Unlock()
		return fmt.Errorf("sequence request %q already pending", req.ID)
	}
	w.done[req.ID] = make(chan types.SequenceResult, 1)
	w.mu.Unlock()

	select {
	case w.requests <- req:
		queueDepth.Set(float64(len(w.requests)))
		return nil
	default:
		w.mu.Lock()
		delete(w.done, req.ID)
		w.mu.Unlock()
		return ErrQueueFull
	}
}

// WaitForResult blocks until the request completes, the timeout passes, or
// the context ends. An unknown id counts as already completed. The second
// return reports whether the sequence actually finished.
func (w *Worker) WaitForResult(ctx context.Context, id string, timeout time.Duration) (types.SequenceResult, bool) {
	w.mu.Lock()
	ch, ok := w.done[id]
	w.mu.Unlock()
	if !ok {
		return types.SequenceResult{ID: id, OK: true}, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, true
	case <-timer.C:
		return types.SequenceResult{ID: id, Error: "timed out waiting for sequence"}, false
	case <-ctx.Done():
		return types.SequenceResult{ID: id, Error: ctx.Err().Error()}, false
	}
}

// RequestRefreshStatus queues a single-step status refresh.
func (w *Worker) RequestRefreshStatus(id string) error {
	return w.Submit(types.SequenceRequest{
		ID:    id,
		Label: "refresh status",
		Steps: []types.SequenceStep{{Kind: types.StepRefreshStatus}},
	})
}

// RequestDeviceLocation queues a location fetch for the given device.
func (w *Worker) RequestDeviceLocation(id string, deviceID int) error {
	return w.Submit(types.SequenceRequest{
		ID:    id,
		Label: "get device location",
		Steps: []types.SequenceStep{{Kind: types.StepGetLocation, DeviceID: deviceID}},
	})
}

// LatestStatus returns the most recently published snapshot. Callers must
// treat it as read-only.
func (w *Worker) LatestStatus() (types.Snapshot, bool) {
	if snap := w.snapshot.Load(); snap != nil {
		return *snap, true
	}
	return types.Snapshot{}, false
}

// Location returns the last device-reported location, if any.
func (w *Worker) Location() (types.Location, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.location == nil {
		return types.Location{}, false
	}
	return *w.location, true
}

// ReinitialiseNeeded reports (and clears) the flag raised when devices came
// back from offline to all-online.
func (w *Worker) ReinitialiseNeeded() bool {
	return w.reinitNeeded.Swap(false)
}

// ConcurrentErrors returns the consecutive sequence failure count.
func (w *Worker) ConcurrentErrors() int {
	return int(w.concurrentErrors.Load())
}

func (w *Worker) execute(ctx context.Context, req types.SequenceRequest) {
	started := w.now()
	l := log.Named(ctx, "worker").With(
		slog.String("sequenceID", req.ID),
		slog.String("label", req.Label))
	l.DebugContext(ctx, "executing sequence", slog.Int("steps", len(req.Steps)))

	seqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		seqCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var err error
	for i, step := range req.Steps {
		if err = w.runStep(seqCtx, step); err != nil {
			err = fmt.Errorf("step %d (%s): %w", i+1, step.Kind, err)
			break
		}
	}

	res := types.SequenceResult{
		ID:       req.ID,
		OK:       err == nil,
		Started:  started,
		Finished: w.now(),
	}
	if err == nil {
		sequenceCount.WithLabelValues("ok").Inc()
	} else {
		sequenceCount.WithLabelValues("error").Inc()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			res.Error = "sequence timeout"
		} else {
			res.Error = err.Error()
		}
		count := w.concurrentErrors.Add(1)
		if int(count) > w.maxConcurrentErrors {
			l.ErrorContext(ctx, "sequence failed, error limit exceeded",
				slog.String("error", res.Error), slog.Int("concurrentErrors", int(count)))
		} else {
			l.WarnContext(ctx, "sequence failed",
				slog.String("error", res.Error), slog.Int("concurrentErrors", int(count)))
		}
	} else {
		l.DebugContext(ctx, "sequence completed",
			slog.Duration("elapsed", res.Finished.Sub(res.Started)))
	}

	w.mu.Lock()
	if ch, ok := w.done[req.ID]; ok {
		ch <- res
		close(ch)
		delete(w.done, req.ID)
	}
	w.mu.Unlock()

	if req.OnComplete != nil {
		req.OnComplete(res)
	}
}

// runStep executes one step with linear retry backoff: attempt n waits
// n x RetryBackoff after a failure.
func (w *Worker) runStep(ctx context.Context, step types.SequenceStep) error {
	attempts := step.Retries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = w.doStep(ctx, step); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		log.Named(ctx, "worker").DebugContext(ctx, "step failed, retrying",
			slog.String("kind", string(step.Kind)),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		backoff := time.Duration(attempt) * step.RetryBackoff
		if backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return err
}

func (w *Worker) doStep(ctx context.Context, step types.SequenceStep) error {
	switch step.Kind {
	case types.StepChangeOutput:
		ref, ok := w.outputs[step.OutputID]
		if !ok {
			return fmt.Errorf("unknown output ID %d", step.OutputID)
		}
		didChange, err := w.client.ChangeOutput(ctx, ref.dev, ref.channel, step.State)
		if err != nil {
			return err
		}
		log.Named(ctx, "worker").DebugContext(ctx, "changed output",
			slog.Int("outputID", step.OutputID),
			slog.Bool("state", step.State),
			slog.Bool("didChange", didChange))
		return nil

	case types.StepSleep:
		d := time.Duration(step.Seconds * float64(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}

	case types.StepRefreshStatus:
		return w.refreshAll(ctx)

	case types.StepGetLocation:
		dev, ok := w.deviceByID[step.DeviceID]
		if !ok {
			return fmt.Errorf("unknown device ID %d", step.DeviceID)
		}
		loc, err := w.client.GetLocation(ctx, dev)
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.location = &loc
		w.mu.Unlock()
		return nil

	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// refreshAll polls every device and atomically publishes a new snapshot.
// Per-device errors mark the device offline rather than failing the step;
// devices expected to be offline are not even logged as warnings.
func (w *Worker) refreshAll(ctx context.Context) error {
	statuses := make(map[int]device.Status, len(w.devices))
	for _, dev := range w.devices {
		status, err := w.client.Refresh(ctx, dev)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if dev.ExpectOffline {
				log.Named(ctx, "worker").DebugContext(ctx, "expected-offline device unreachable",
					slog.String("device", dev.Name))
			} else {
				log.Named(ctx, "worker").WarnContext(ctx, "failed to refresh device",
					slog.String("device", dev.Name), slog.Any("error", err))
			}
			continue
		}
		statuses[dev.ID] = status
	}

	snap := device.BuildSnapshot(w.now(), w.devices, statuses)
	w.snapshot.Store(&snap)

	allOnline, _ := snap.AllOnline()
	if w.someOffline && allOnline {
		log.Named(ctx, "worker").InfoContext(ctx, "all devices back online, reinitialise needed")
		w.reinitNeeded.Store(true)
	}
	w.someOffline = !allOnline

	w.concurrentErrors.Store(0)
	return nil
}
