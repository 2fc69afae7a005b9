// Package controller runs the control loop: each tick it refreshes the
// tariff, takes a device snapshot, lets every output review its plan and
// evaluate its conditions, forwards the resulting actions to the device
// worker and persists the system state.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/relaypilot/relaypilot/pkg/common"
	"github.com/relaypilot/relaypilot/pkg/config"
	"github.com/relaypilot/relaypilot/pkg/device"
	"github.com/relaypilot/relaypilot/pkg/log"
	"github.com/relaypilot/relaypilot/pkg/outputs"
	"github.com/relaypilot/relaypilot/pkg/pricing"
	"github.com/relaypilot/relaypilot/pkg/storage"
	"github.com/relaypilot/relaypilot/pkg/types"
)

const (
	// statusTimeout bounds the wait for a RefreshStatus sequence each tick.
	statusTimeout = 90 * time.Second
	// shutdownActionTimeout bounds the wait for each StopOnExit off action.
	shutdownActionTimeout = 3 * time.Second
	// maxProbeReadings caps the retained temperature log per probe; at one
	// reading per 30s tick this covers a bit over two hours.
	maxProbeReadings = 288
)

// Config holds the controller's own settings, lifted from the YAML General
// section.
type Config struct {
	DeviceName      string
	PollingInterval time.Duration
	HeartbeatURL    string
	// HeartbeatInterval rate-limits heartbeat pings. Zero means 5 minutes.
	HeartbeatInterval time.Duration
	Devices           []device.Config
	TestingMode       bool
}

// Deps are the long-lived collaborators.
type Deps struct {
	Loader  *config.Loader
	Store   storage.Store
	Worker  DeviceWorker
	Pricing *pricing.Manager
}

// DeviceWorker is the part of the worker the controller drives.
type DeviceWorker interface {
	Submit(req types.SequenceRequest) error
	WaitForResult(ctx context.Context, id string, timeout time.Duration) (types.SequenceResult, bool)
	RequestRefreshStatus(id string) error
	RequestDeviceLocation(id string, deviceID int) error
	LatestStatus() (types.Snapshot, bool)
	Location() (types.Location, bool)
	ReinitialiseNeeded() bool
}

// OutputSnapshot is one output's state in a published status snapshot.
type OutputSnapshot struct {
	Name        string             `json:"name"`
	SystemState types.SystemState  `json:"systemState"`
	IsOn        bool               `json:"isOn"`
	Reason      string             `json:"reason"`
	AppMode     types.AppMode      `json:"appMode"`
	RunPlan     *types.RunPlan     `json:"runPlan,omitempty"`
	History     types.HistoryState `json:"history"`
}

// StatusSnapshot is the controller state published after every tick for the
// admin surface.
type StatusSnapshot struct {
	DeviceName   string           `json:"deviceName"`
	Taken        time.Time        `json:"taken"`
	AllOnline    bool             `json:"allOnline"`
	CurrentPrice float64          `json:"currentPrice"`
	Outputs      []OutputSnapshot `json:"outputs"`
	Devices      types.Snapshot   `json:"devices"`
}

// Controller owns the tick loop. All component mutation happens on its
// goroutine; the admin surface talks to it through PostCommand.
type Controller struct {
	cfg        Config
	loader     *config.Loader
	store      storage.Store
	worker     DeviceWorker
	pricing    *pricing.Manager
	components *Components

	commands chan types.Command
	wake     chan struct{}

	configModTime time.Time
	tempLog       storage.TempProbeLog
	lastHeartbeat time.Time
	heartbeat     *http.Client
	deviceLoc     *types.Location

	status atomic.Pointer[StatusSnapshot]
	seq    atomic.Uint64

	now func() time.Time
}

// New creates a Controller around already-built components.
func New(cfg Config, deps Deps, components *Components, configModTime time.Time) *Controller {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Minute
	}
	return &Controller{
		cfg:           cfg,
		loader:        deps.Loader,
		store:         deps.Store,
		worker:        deps.Worker,
		pricing:       deps.Pricing,
		components:    components,
		commands:      make(chan types.Command, 16),
		wake:          make(chan struct{}, 1),
		configModTime: configModTime,
		tempLog:       storage.TempProbeLog{},
		heartbeat:     common.HTTPClient(10 * time.Second),
		now:           time.Now,
	}
}

// PostCommand queues an admin command and wakes the loop. A full queue drops
// the command with an error log rather than blocking the caller.
func (c *Controller) PostCommand(ctx context.Context, cmd types.Command) {
	select {
	case c.commands <- cmd:
		c.Wake()
	default:
		log.Named(ctx, "controller").ErrorContext(ctx, "command queue full, dropping command",
			slog.String("kind", cmd.Kind))
	}
}

// Wake makes the loop tick now instead of waiting out the polling interval.
func (c *Controller) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Status returns the snapshot published after the most recent tick, or nil
// before the first one.
func (c *Controller) Status() *StatusSnapshot {
	return c.status.Load()
}

// Run executes the control loop until the context ends, then switches off
// every StopOnExit output. The worker must keep running until Run returns.
func (c *Controller) Run(ctx context.Context) error {
	l := log.Named(ctx, "controller")
	l.InfoContext(ctx, "controller started",
		slog.String("device", c.cfg.DeviceName),
		slog.Duration("pollingInterval", c.cfg.PollingInterval))

	if err := c.initialise(ctx); err != nil {
		return err
	}
	c.restoreState(ctx)

	for {
		c.tick(ctx)
		select {
		case <-ctx.Done():
			c.shutdown(context.WithoutCancel(ctx))
			return nil
		case <-c.wake:
		case <-time.After(c.cfg.PollingInterval):
		}
	}
}

// initialise waits for the first device snapshot and resolves every output's
// device components against it. Failure here is fatal.
func (c *Controller) initialise(ctx context.Context) error {
	id := c.nextID("refresh")
	if err := c.worker.RequestRefreshStatus(id); err != nil {
		return fmt.Errorf("failed to request initial status: %w", err)
	}
	if res, ok := c.worker.WaitForResult(ctx, id, statusTimeout); !ok || !res.OK {
		return fmt.Errorf("initial device status failed: %s", res.Error)
	}
	snap, ok := c.worker.LatestStatus()
	if !ok {
		return fmt.Errorf("no device snapshot after initial refresh")
	}
	view := device.NewView(snap)
	for _, m := range c.components.Outputs {
		if err := m.Initialise(ctx, view); err != nil {
			return err
		}
	}
	c.resolveDeviceLocation(ctx)
	return nil
}

// resolveDeviceLocation asks the first device for a location fix when the
// config carries no coordinates, so dawn/dusk windows still resolve. Failure
// is not fatal; schedules without sun-relative times are unaffected.
func (c *Controller) resolveDeviceLocation(ctx context.Context) {
	if c.components.Location.Latitude != 0 || c.components.Location.Longitude != 0 {
		return
	}
	if len(c.cfg.Devices) == 0 {
		return
	}
	l := log.Named(ctx, "controller")
	id := c.nextID("location")
	if err := c.worker.RequestDeviceLocation(id, c.cfg.Devices[0].ID); err != nil {
		l.WarnContext(ctx, "failed to request device location", slog.Any("error", err))
		return
	}
	if res, ok := c.worker.WaitForResult(ctx, id, statusTimeout); !ok || !res.OK {
		l.WarnContext(ctx, "device location fetch failed, dawn/dusk windows unavailable",
			slog.String("error", res.Error))
		return
	}
	loc, ok := c.worker.Location()
	if !ok {
		return
	}
	c.deviceLoc = &loc
	if err := c.components.Scheduler.SetLocation(ctx, loc); err != nil {
		l.WarnContext(ctx, "failed to apply device location", slog.Any("error", err))
		return
	}
	l.InfoContext(ctx, "using device-reported location",
		slog.Float64("lat", loc.Latitude), slog.Float64("lon", loc.Longitude))
}

// restoreState rehydrates outputs from the persisted state file, matching by
// output name so config changes between runs are tolerated.
func (c *Controller) restoreState(ctx context.Context) {
	state, err := c.store.LoadState(ctx, c.cfg.DeviceName)
	if err != nil {
		log.Named(ctx, "controller").WarnContext(ctx, "failed to load saved state",
			slog.Any("error", err))
		return
	}
	if state == nil {
		return
	}
	c.applyState(ctx, state)
	if state.TempProbeLogging != nil {
		c.tempLog = state.TempProbeLogging
	}
	log.Named(ctx, "controller").InfoContext(ctx, "restored saved state",
		slog.Time("savedAt", state.SaveTime))
}

func (c *Controller) applyState(ctx context.Context, state *storage.StateFile) {
	byName := make(map[string]outputs.State, len(state.Outputs))
	for _, s := range state.Outputs {
		byName[s.Name] = s
	}
	for _, m := range c.components.Outputs {
		if s, ok := byName[m.Name()]; ok {
			m.Restore(s)
		} else {
			log.Named(ctx, "controller").DebugContext(ctx, "no saved state for output",
				slog.String("output", m.Name()))
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	l := log.Named(ctx, "controller")

	if refreshed, err := c.pricing.RefreshIfDue(ctx); err != nil {
		l.WarnContext(ctx, "tariff refresh failed", slog.Any("error", err))
	} else if refreshed {
		l.DebugContext(ctx, "tariff data refreshed")
	}

	id := c.nextID("refresh")
	if err := c.worker.RequestRefreshStatus(id); err != nil {
		l.WarnContext(ctx, "failed to request status refresh", slog.Any("error", err))
	} else if res, ok := c.worker.WaitForResult(ctx, id, statusTimeout); !ok || !res.OK {
		l.WarnContext(ctx, "status refresh incomplete, using last snapshot",
			slog.String("error", res.Error))
	}

	snap, ok := c.worker.LatestStatus()
	if !ok {
		l.WarnContext(ctx, "no device snapshot available, skipping tick")
		return
	}
	view := device.NewView(snap)

	c.drainCommands(ctx, view)
	c.monitorDeviceTemps(ctx, view)
	c.logProbeReadings(view)

	for _, m := range c.components.Outputs {
		m.DeviceStatusUpdated(ctx, view)
		m.CalculateRunningTotals(ctx, view)
		m.ReviewRunPlan(ctx, view)
	}

	// Parents first: components.Outputs is already sorted that way.
	for _, m := range c.components.Outputs {
		if m.ActionRequest() != nil {
			// At most one action in flight per output. Completion arrives as a
			// sequence_completed command.
			continue
		}
		action := m.EvaluateConditions(ctx, view, c.components.Sequences)
		if action == nil {
			continue
		}
		switch action.Type {
		case types.ActionTurnOn, types.ActionTurnOff:
			c.submitAction(ctx, m, action)
		default:
			m.RecordActionComplete(ctx, action, view)
		}
	}

	if c.worker.ReinitialiseNeeded() {
		l.InfoContext(ctx, "reinitialising outputs after devices came back online")
		for _, m := range c.components.Outputs {
			if err := m.Initialise(ctx, view); err != nil {
				l.ErrorContext(ctx, "failed to reinitialise output",
					slog.String("output", m.Name()), slog.Any("error", err))
			}
		}
	}

	c.reloadConfigIfChanged(ctx, view)
	c.saveState(ctx)
	c.pingHeartbeat(ctx)
	c.publishStatus(ctx, view)
	tickCount.Inc()
}

// submitAction sends a turn-on/turn-off sequence to the worker and records it
// as the output's in-flight action.
func (c *Controller) submitAction(ctx context.Context, m *outputs.Manager, action *types.OutputAction) {
	id := c.nextID(m.Name())
	req := *action.Request
	req.ID = id
	req.OnComplete = func(res types.SequenceResult) {
		c.PostCommand(ctx, types.Command{
			Kind:       types.CommandSequenceCompleted,
			SequenceID: res.ID,
			Label:      req.Label,
			OK:         res.OK,
			Error:      res.Error,
		})
	}
	if err := c.worker.Submit(req); err != nil {
		log.Named(ctx, "controller").ErrorContext(ctx, "failed to submit output action",
			slog.String("output", m.Name()),
			slog.String("action", string(action.Type)),
			slog.Any("error", err))
		return
	}
	action.WorkerRequestID = id
	m.RecordActionRequest(action)
	actionCount.WithLabelValues(m.Name(), string(action.Type)).Inc()
	log.Named(ctx, "controller").DebugContext(ctx, "output action submitted",
		slog.String("output", m.Name()),
		slog.String("action", string(action.Type)),
		slog.String("sequenceID", id))
}

// drainCommands applies every queued admin command.
func (c *Controller) drainCommands(ctx context.Context, view *device.View) {
	for {
		select {
		case cmd := <-c.commands:
			c.handleCommand(ctx, cmd, view)
		default:
			return
		}
	}
}

func (c *Controller) handleCommand(ctx context.Context, cmd types.Command, view *device.View) {
	l := log.Named(ctx, "controller")
	switch cmd.Kind {
	case types.CommandSetMode:
		m := c.outputByName(cmd.OutputID)
		if m == nil {
			l.WarnContext(ctx, "set_mode for unknown output", slog.String("output", cmd.OutputID))
			return
		}
		if err := m.SetAppMode(ctx, view, cmd.Mode, cmd.RevertMinutes); err != nil {
			l.WarnContext(ctx, "set_mode rejected", slog.Any("error", err))
		}

	case types.CommandSequenceCompleted:
		m := c.outputByPendingSequence(cmd.SequenceID)
		if m == nil {
			l.DebugContext(ctx, "sequence completion with no matching action",
				slog.String("sequenceID", cmd.SequenceID))
			return
		}
		action := m.ActionRequest()
		if cmd.OK {
			m.RecordActionComplete(ctx, action, view)
		} else {
			m.ActionRequestFailed(ctx, cmd.Error)
		}
		c.recordAction(ctx, m.Name(), action, cmd.OK, cmd.Error)

	default:
		l.WarnContext(ctx, "unknown command", slog.String("kind", cmd.Kind))
	}
}

func (c *Controller) outputByName(name string) *outputs.Manager {
	for _, m := range c.components.Outputs {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

func (c *Controller) outputByPendingSequence(id string) *outputs.Manager {
	for _, m := range c.components.Outputs {
		if p := m.ActionRequest(); p != nil && p.WorkerRequestID == id {
			return m
		}
	}
	return nil
}

// recordAction appends the completed (or failed) action to the audit trail.
func (c *Controller) recordAction(ctx context.Context, output string, action *types.OutputAction, ok bool, errMsg string) {
	rec := storage.ActionRecord{
		Timestamp:   c.now(),
		Output:      output,
		Type:        action.Type,
		SystemState: action.SystemState,
		ReasonOn:    action.ReasonOn,
		ReasonOff:   action.ReasonOff,
		OK:          ok,
		Error:       errMsg,
	}
	if err := c.store.InsertAction(ctx, c.cfg.DeviceName, rec); err != nil {
		log.Named(ctx, "controller").WarnContext(ctx, "failed to record action",
			slog.Any("error", err))
	}
}

// reloadConfigIfChanged re-reads the config file when its mtime moved and
// rebuilds the scheduler and outputs, carrying runtime state across by name.
// A broken new config keeps the running one.
func (c *Controller) reloadConfigIfChanged(ctx context.Context, view *device.View) {
	if c.loader == nil || !c.loader.Changed(c.configModTime) {
		return
	}
	l := log.Named(ctx, "controller")
	l.InfoContext(ctx, "config file changed, reloading")

	state := c.buildStateFile()
	if err := c.store.SaveState(ctx, state); err != nil {
		l.WarnContext(ctx, "failed to save state before reload", slog.Any("error", err))
	}

	cfg, err := c.loader.Load()
	if err != nil {
		l.ErrorContext(ctx, "config reload failed, keeping running config", slog.Any("error", err))
		return
	}
	components, err := Build(ctx, cfg, c.pricing)
	if err != nil {
		l.ErrorContext(ctx, "config rebuild failed, keeping running config", slog.Any("error", err))
		return
	}
	for _, m := range components.Outputs {
		if err := m.Initialise(ctx, view); err != nil {
			l.ErrorContext(ctx, "new config failed to initialise, keeping running config",
				slog.Any("error", err))
			return
		}
	}

	c.components = components
	c.configModTime = cfg.ModTime
	c.applyState(ctx, &state)
	if c.deviceLoc != nil && components.Location.Latitude == 0 && components.Location.Longitude == 0 {
		if err := components.Scheduler.SetLocation(ctx, *c.deviceLoc); err != nil {
			l.WarnContext(ctx, "failed to re-apply device location", slog.Any("error", err))
		}
	}
	// Device list changes cannot be applied to a running worker.
	if len(cfg.ShellyDevices.Devices) != len(c.cfg.Devices) {
		l.WarnContext(ctx, "device list changed; restart required for device changes to apply")
	}
	l.InfoContext(ctx, "config reloaded", slog.Int("outputs", len(components.Outputs)))
}

func (c *Controller) buildStateFile() storage.StateFile {
	states := make([]outputs.State, 0, len(c.components.Outputs))
	for _, m := range c.components.Outputs {
		states = append(states, m.State())
	}
	return storage.StateFile{
		SchemaVersion:    types.SchemaVersion,
		StateFileType:    types.StateFileType,
		DeviceName:       c.cfg.DeviceName,
		SaveTime:         c.now(),
		Outputs:          states,
		Scheduler:        c.components.Scheduler.State(),
		TempProbeLogging: c.tempLog,
	}
}

func (c *Controller) saveState(ctx context.Context) {
	if err := c.store.SaveState(ctx, c.buildStateFile()); err != nil {
		log.Named(ctx, "controller").WarnContext(ctx, "failed to persist state",
			slog.Any("error", err))
	}
}

// monitorDeviceTemps warns when a device's internal temperature is at or above
// its configured alert threshold.
func (c *Controller) monitorDeviceTemps(ctx context.Context, view *device.View) {
	for _, dev := range c.cfg.Devices {
		if dev.AlertTempC <= 0 {
			continue
		}
		d, err := view.Device(dev.ID)
		if err != nil || !d.Online || d.TempC == nil {
			continue
		}
		if *d.TempC >= dev.AlertTempC {
			log.Named(ctx, "controller").WarnContext(ctx, "device internal temperature above alert threshold",
				slog.String("device", dev.Name),
				slog.Float64("tempC", *d.TempC),
				slog.Float64("alertTempC", dev.AlertTempC))
		}
	}
}

// logProbeReadings appends the current probe temperatures to the persisted
// probe log, trimming each probe to the retention cap.
func (c *Controller) logProbeReadings(view *device.View) {
	now := c.now()
	for _, probe := range view.Snapshot().TempProbes {
		readings := append(c.tempLog[probe.Name], storage.ProbeReading{
			Time:  now,
			TempC: probe.TempC,
		})
		if len(readings) > maxProbeReadings {
			readings = readings[len(readings)-maxProbeReadings:]
		}
		c.tempLog[probe.Name] = readings
	}
}

// pingHeartbeat issues a rate-limited GET to the configured heartbeat URL.
func (c *Controller) pingHeartbeat(ctx context.Context) {
	if c.cfg.HeartbeatURL == "" || c.now().Sub(c.lastHeartbeat) < c.cfg.HeartbeatInterval {
		return
	}
	c.lastHeartbeat = c.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HeartbeatURL, nil)
	if err != nil {
		log.Named(ctx, "controller").WarnContext(ctx, "bad heartbeat URL", slog.Any("error", err))
		return
	}
	res, err := c.heartbeat.Do(req)
	if err != nil {
		log.Named(ctx, "controller").WarnContext(ctx, "heartbeat ping failed", slog.Any("error", err))
		return
	}
	res.Body.Close()
	log.Named(ctx, "controller").DebugContext(ctx, "heartbeat pinged",
		slog.Int("status", res.StatusCode))
}

// publishStatus exposes the post-tick state to the admin surface and metrics.
func (c *Controller) publishStatus(ctx context.Context, view *device.View) {
	allOnline, _ := view.AllOnline()
	status := &StatusSnapshot{
		DeviceName:   c.cfg.DeviceName,
		Taken:        c.now(),
		AllOnline:    allOnline,
		CurrentPrice: c.pricing.GetCurrentPrice(ctx, types.ChannelGeneral),
		Devices:      view.Snapshot(),
	}
	currentPriceGauge.WithLabelValues(string(types.ChannelGeneral)).Set(status.CurrentPrice)

	for _, m := range c.components.Outputs {
		s := m.State()
		status.Outputs = append(status.Outputs, OutputSnapshot{
			Name:        s.Name,
			SystemState: s.SystemState,
			IsOn:        s.IsOn,
			Reason:      m.Reason(),
			AppMode:     s.AppMode,
			RunPlan:     s.RunPlan,
			History:     s.RunHistory,
		})
		on := 0.0
		if s.IsOn {
			on = 1
		}
		outputOnGauge.WithLabelValues(s.Name).Set(on)
	}
	c.status.Store(status)
}

// shutdown turns off every StopOnExit output that is still on, waiting
// briefly for each, then persists a final state file.
func (c *Controller) shutdown(ctx context.Context) {
	l := log.Named(ctx, "controller")
	snap, ok := c.worker.LatestStatus()
	if !ok {
		return
	}
	view := device.NewView(snap)

	for _, m := range c.components.Outputs {
		if !m.Shutdown(view) {
			continue
		}
		action := m.ShutdownAction(c.components.Sequences)
		id := c.nextID("shutdown")
		req := *action.Request
		req.ID = id
		if err := c.worker.Submit(req); err != nil {
			l.ErrorContext(ctx, "failed to submit shutdown action",
				slog.String("output", m.Name()), slog.Any("error", err))
			continue
		}
		res, _ := c.worker.WaitForResult(ctx, id, shutdownActionTimeout)
		if res.OK {
			l.InfoContext(ctx, "output switched off for shutdown", slog.String("output", m.Name()))
			m.RecordActionComplete(ctx, action, view)
		} else {
			l.WarnContext(ctx, "shutdown action did not complete",
				slog.String("output", m.Name()), slog.String("error", res.Error))
		}
	}
	c.saveState(ctx)
}

func (c *Controller) nextID(label string) string {
	return fmt.Sprintf("%s-%d", label, c.seq.Add(1))
}
