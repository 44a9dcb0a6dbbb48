package attendsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Version is reported in the User-Agent header and in status output.
const Version = "1.0.0"

const (
	ProfileGeneric = "generic"
	ProfileHosted  = "hosted"

	defaultSyncInterval     = 30 * time.Second
	defaultDeviceDelay      = 2 * time.Second
	defaultStatusEvery      = 10
	defaultDeviceCheckEvery = 5
)

// Config controls Orchestrator behavior.
type Config struct {
	Backend Backend
	// Profile labels the deployment flavor in logs and status output.
	Profile string
	// BaseURL is shown in status reports only.
	BaseURL      string
	SyncInterval time.Duration
	// DeviceDelay follows every per-device sync call to bound request rate.
	DeviceDelay time.Duration
	// StatusEvery reports status every N continuous cycles.
	StatusEvery int
	// DeviceCheckEvery announces a device-change check every N cycles.
	DeviceCheckEvery int
	Health           HealthPolicy
	Recorder         SyncRecorder
	Reporter         StatusReporter
	Deployment       []InfoField
}

// Orchestrator discovers devices, triggers their sync endpoint one by one and
// aggregates the results. All state is owned by the instance; it is meant to
// be driven from a single goroutine.
type Orchestrator struct {
	cfg       Config
	backend   Backend
	devices   *deviceManager
	recorder  SyncRecorder
	reporter  StatusReporter
	sessionID string

	mu     sync.Mutex
	cycles int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	// newTimer drives health retry waits; nil uses a real timer.
	newTimer func() backoff.Timer
}

// NewOrchestrator builds an orchestrator, filling unset config with defaults.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend cannot be nil")
	}
	if strings.TrimSpace(cfg.Profile) == "" {
		cfg.Profile = ProfileGeneric
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.DeviceDelay <= 0 {
		cfg.DeviceDelay = defaultDeviceDelay
	}
	if cfg.StatusEvery <= 0 {
		cfg.StatusEvery = defaultStatusEvery
	}
	if cfg.DeviceCheckEvery <= 0 {
		cfg.DeviceCheckEvery = defaultDeviceCheckEvery
	}
	if cfg.Health.Attempts <= 0 {
		cfg.Health.Attempts = 1
	}
	o := &Orchestrator{
		cfg:       cfg,
		backend:   cfg.Backend,
		devices:   newDeviceManager(),
		recorder:  cfg.Recorder,
		reporter:  cfg.Reporter,
		sessionID: uuid.NewString(),
		now:       time.Now,
		sleep:     sleepContext,
	}
	if o.recorder == nil {
		o.recorder = noopRecorder{}
	}
	log.Info().
		Str("profile", cfg.Profile).
		Str("base_url", cfg.BaseURL).
		Dur("sync_interval", cfg.SyncInterval).
		Str("session_id", o.sessionID).
		Msg("attendance sync orchestrator initialized")
	return o, nil
}

// SessionID identifies this orchestrator instance in recorded history.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Cycles returns the number of cycles started so far.
func (o *Orchestrator) Cycles() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cycles
}

func (o *Orchestrator) nextCycle() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycles++
	return o.cycles
}

// Discover lists devices, updates the known device set and returns the
// devices that carry an id. Transport failures are logged and yield an empty
// list with the known set left untouched.
func (o *Orchestrator) Discover(ctx context.Context) []Device {
	listed, err := o.backend.ListDevices(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to get biometric devices")
		if IsTimeout(err) {
			log.Warn().Msg("device listing timed out, backend may be dormant")
		}
		return nil
	}
	devices := make([]Device, 0, len(listed))
	seen := make(map[string]struct{}, len(listed))
	for idx, dev := range listed {
		if dev.ID == "" {
			log.Warn().Int("index", idx).Str("device_name", dev.Name).Msg("skip device record without deviceId")
			continue
		}
		if _, dup := seen[dev.ID]; dup {
			log.Warn().Str("device_id", dev.ID).Msg("skip duplicate device record")
			continue
		}
		seen[dev.ID] = struct{}{}
		devices = append(devices, dev)
	}
	changes := o.devices.Apply(devices)
	ids := make([]string, 0, len(devices))
	for _, dev := range devices {
		ids = append(ids, dev.ID)
	}
	log.Info().
		Int("active_devices", len(devices)).
		Strs("device_ids", ids).
		Int("added", len(changes.Added)).
		Int("removed", len(changes.Removed)).
		Msg("device discovery finished")
	return devices
}

// SyncDevice triggers the backend sync for one device. It never returns an
// error: transport and application failures are folded into the outcome.
func (o *Orchestrator) SyncDevice(ctx context.Context, dev Device) SyncOutcome {
	name := dev.DisplayName()
	outcome := SyncOutcome{DeviceID: dev.ID, DeviceName: name}
	log.Info().Str("device_id", dev.ID).Str("device_name", name).Msg("starting attendance sync")

	start := o.now()
	resp, err := o.backend.TriggerSync(ctx, dev.ID)
	outcome.Duration = o.now().Sub(start)
	if err != nil {
		outcome.Error = describeError(err)
		if IsTimeout(err) {
			log.Warn().Err(err).Str("device_id", dev.ID).Msg("sync timed out, backend may be under load")
		} else {
			log.Error().Err(err).Str("device_id", dev.ID).Msg("network error while syncing device")
		}
		return outcome
	}
	if !resp.Success {
		msg := strings.TrimSpace(resp.Message)
		if msg == "" {
			msg = "unknown error"
		}
		outcome.Error = msg
		log.Error().Str("device_id", dev.ID).Str("device_name", name).Str("reason", msg).Msg("device sync failed")
		return outcome
	}

	outcome.Success = true
	outcome.RawRecords = resp.RawRecords
	outcome.ProcessedRecords = resp.ProcessedRecords
	o.devices.MarkSynced(dev.ID, o.now())
	log.Info().
		Str("device_id", dev.ID).
		Str("device_name", name).
		Int("raw_records", resp.RawRecords).
		Int("processed_records", resp.ProcessedRecords).
		Msg("device sync finished")
	return outcome
}

// RunCycle performs one discovery + sequential sync pass and hands the
// result to the recorder.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleResult {
	cycle := o.Cycles()
	if cycle > 0 && cycle%o.cfg.DeviceCheckEvery == 0 {
		log.Info().Int("cycle", cycle).Msg("checking for device changes")
	}
	startedAt := o.now()

	var result CycleResult
	devices := o.Discover(ctx)
	if len(devices) == 0 {
		log.Warn().Msg("no devices found to sync")
		o.record(ctx, cycle, startedAt, result)
		return result
	}

	for _, dev := range devices {
		result.Add(o.SyncDevice(ctx, dev))
		if err := o.sleep(ctx, o.cfg.DeviceDelay); err != nil {
			log.Debug().Err(err).Msg("inter-device delay interrupted")
		}
	}

	log.Info().
		Int("cycle", cycle).
		Int("successful", result.SuccessfulSyncs).
		Int("total", result.TotalDevices).
		Str("success_rate", fmt.Sprintf("%.1f%%", result.SuccessRate())).
		Msg("sync summary")
	log.Info().
		Int("raw_records", result.TotalRawRecords).
		Int("processed_records", result.TotalProcessedRecords).
		Msg("sync records summary")

	o.record(ctx, cycle, startedAt, result)
	return result
}

func (o *Orchestrator) record(ctx context.Context, cycle int, startedAt time.Time, result CycleResult) {
	report := CycleReport{
		SessionID:  o.sessionID,
		Cycle:      cycle,
		StartedAt:  startedAt,
		FinishedAt: o.now(),
		Result:     result,
	}
	if err := o.recorder.RecordCycle(ctx, report); err != nil {
		log.Error().Err(err).Int("cycle", cycle).Msg("record sync cycle failed")
	}
}

// Run gates on backend health and then syncs every SyncInterval until ctx is
// cancelled. Cancellation is observed between cycles and while waiting; a
// cycle in progress always completes. A final status report is emitted on
// cancellation. Errors escaping a cycle terminate the loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Info().Str("profile", o.cfg.Profile).Msg("starting continuous attendance sync")
	if err := o.CheckHealth(ctx); err != nil {
		if ctx.Err() != nil {
			log.Info().Msg("sync stopped before health check completed")
			return nil
		}
		return err
	}

	log.Info().Msg("initial device discovery")
	o.Discover(context.WithoutCancel(ctx))

	for {
		if ctx.Err() != nil {
			o.stop()
			return nil
		}
		cycle := o.nextCycle()
		log.Info().Int("cycle", cycle).Msg("sync cycle started")
		if err := o.runGuarded(ctx); err != nil {
			log.Error().Err(err).Int("cycle", cycle).Msg("unexpected error in sync loop")
			return errors.Wrapf(err, "sync cycle %d", cycle)
		}
		if cycle%o.cfg.StatusEvery == 0 {
			o.ReportStatus()
		}
		log.Info().Dur("wait", o.cfg.SyncInterval).Msg("waiting for next sync")
		if err := o.sleep(ctx, o.cfg.SyncInterval); err != nil {
			o.stop()
			return nil
		}
	}
}

func (o *Orchestrator) runGuarded(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	o.RunCycle(context.WithoutCancel(ctx))
	return nil
}

func (o *Orchestrator) stop() {
	log.Info().Int("cycles", o.Cycles()).Msg("sync stopped by operator")
	o.ReportStatus()
}

// RunSingle gates on health and runs exactly one cycle. It reports true only
// when at least one device was synced and every device succeeded.
func (o *Orchestrator) RunSingle(ctx context.Context) (bool, error) {
	log.Info().Msg("running single sync cycle")
	if err := o.CheckHealth(ctx); err != nil {
		return false, err
	}
	o.nextCycle()
	result := o.RunCycle(ctx)
	if result.TotalDevices == 0 {
		log.Warn().Msg("single sync found no devices")
		return false, nil
	}
	log.Info().
		Str("success_rate", fmt.Sprintf("%.1f%%", result.SuccessRate())).
		Msg("single sync completed")
	return result.AllSucceeded(), nil
}

// Probe gates on health and runs one discovery, returning what it found.
func (o *Orchestrator) Probe(ctx context.Context) ([]Device, error) {
	if err := o.CheckHealth(ctx); err != nil {
		return nil, err
	}
	return o.Discover(ctx), nil
}

// Snapshot copies the current state for reporting.
func (o *Orchestrator) Snapshot() StatusSnapshot {
	now := o.now()
	return StatusSnapshot{
		Profile:      o.cfg.Profile,
		BaseURL:      o.cfg.BaseURL,
		SyncInterval: o.cfg.SyncInterval,
		Now:          now,
		Cycles:       o.Cycles(),
		KnownDevices: o.devices.KnownDevices(),
		LastSyncs:    BuildLastSyncs(o.devices.LastSyncTimes(), now),
		Deployment:   o.cfg.Deployment,
	}
}

// ReportStatus hands the current snapshot to the configured reporter, or
// logs it when none is set.
func (o *Orchestrator) ReportStatus() {
	snapshot := o.Snapshot()
	if o.reporter != nil {
		o.reporter.ReportStatus(snapshot)
		return
	}
	log.Info().
		Int("cycles", snapshot.Cycles).
		Strs("known_devices", snapshot.KnownDevices).
		Int("synced_devices", len(snapshot.LastSyncs)).
		Msg("sync status")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
