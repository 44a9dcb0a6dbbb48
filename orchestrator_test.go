package attendsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type stubBackend struct {
	mu        sync.Mutex
	devices   [][]Device
	listErr   error
	responses map[string]*SyncResponse
	syncErrs  map[string]error
	statuses  []string
	statusErr error

	listCalls   int
	syncCalls   []string
	statusCalls int
}

func (s *stubBackend) ListDevices(ctx context.Context) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	if len(s.devices) == 0 {
		return nil, nil
	}
	idx := s.listCalls - 1
	if idx >= len(s.devices) {
		idx = len(s.devices) - 1
	}
	out := make([]Device, len(s.devices[idx]))
	copy(out, s.devices[idx])
	return out, nil
}

func (s *stubBackend) TriggerSync(ctx context.Context, deviceID string) (*SyncResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncCalls = append(s.syncCalls, deviceID)
	if err := s.syncErrs[deviceID]; err != nil {
		return nil, err
	}
	if resp, ok := s.responses[deviceID]; ok {
		return resp, nil
	}
	return &SyncResponse{Success: true}, nil
}

func (s *stubBackend) DatabaseStatus(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls++
	if s.statusErr != nil {
		return "", s.statusErr
	}
	if len(s.statuses) == 0 {
		return StatusConnected, nil
	}
	idx := s.statusCalls - 1
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	return s.statuses[idx], nil
}

type stubRecorder struct {
	reports []CycleReport
	err     error
}

func (r *stubRecorder) RecordCycle(ctx context.Context, report CycleReport) error {
	r.reports = append(r.reports, report)
	return r.err
}

type stubReporter struct {
	snapshots []StatusSnapshot
}

func (r *stubReporter) ReportStatus(snapshot StatusSnapshot) {
	r.snapshots = append(r.snapshots, snapshot)
}

type countingWaker struct {
	calls int
	err   error
}

func (w *countingWaker) Wake(ctx context.Context) error {
	w.calls++
	return w.err
}

type sleepRecorder struct {
	durations []time.Duration
	// cancelAfter cancels the run once this many sleeps of length wait happened.
	cancel      context.CancelFunc
	wait        time.Duration
	cancelAfter int
	waits       int
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.durations = append(s.durations, d)
	if s.cancel != nil && d == s.wait {
		s.waits++
		if s.waits >= s.cancelAfter {
			s.cancel()
			return context.Canceled
		}
	}
	return nil
}

// retryTimer fires immediately and records each requested wait.
type retryTimer struct {
	rec *sleepRecorder
	c   chan time.Time
}

func (t *retryTimer) Start(d time.Duration) {
	t.rec.durations = append(t.rec.durations, d)
	t.c <- time.Time{}
}

func (t *retryTimer) Stop() {}

func (t *retryTimer) C() <-chan time.Time { return t.c }

func newTestOrchestrator(t *testing.T, backend Backend, mutate func(*Config)) (*Orchestrator, *sleepRecorder) {
	t.Helper()
	cfg := Config{Backend: backend, BaseURL: "http://backend.test"}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	sleeper := &sleepRecorder{}
	o.sleep = sleeper.sleep
	o.newTimer = func() backoff.Timer {
		return &retryTimer{rec: sleeper, c: make(chan time.Time, 1)}
	}
	return o, sleeper
}

func TestRunCycleAggregatesMixedOutcomes(t *testing.T) {
	backend := &stubBackend{
		devices: [][]Device{{{ID: "A"}, {ID: "B"}}},
		responses: map[string]*SyncResponse{
			"A": {Success: true, RawRecords: 10, ProcessedRecords: 8},
			"B": {Success: false, Message: "offline"},
		},
	}
	recorder := &stubRecorder{}
	o, sleeper := newTestOrchestrator(t, backend, func(cfg *Config) { cfg.Recorder = recorder })

	result := o.RunCycle(context.Background())

	if result.TotalDevices != 2 || result.SuccessfulSyncs != 1 || result.FailedSyncs != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if result.TotalRawRecords != 10 || result.TotalProcessedRecords != 8 {
		t.Fatalf("unexpected record totals: raw=%d processed=%d", result.TotalRawRecords, result.TotalProcessedRecords)
	}
	if len(result.Outcomes) != result.TotalDevices {
		t.Fatalf("outcomes mismatch: %d vs %d", len(result.Outcomes), result.TotalDevices)
	}
	if result.Outcomes[0].DeviceID != "A" || result.Outcomes[1].DeviceID != "B" {
		t.Fatalf("outcomes out of discovery order: %+v", result.Outcomes)
	}
	if result.Outcomes[1].Error != "offline" {
		t.Fatalf("expected backend message, got %q", result.Outcomes[1].Error)
	}
	if len(sleeper.durations) != 2 || sleeper.durations[0] != defaultDeviceDelay {
		t.Fatalf("expected one inter-device delay per device, got %v", sleeper.durations)
	}
	if len(recorder.reports) != 1 || recorder.reports[0].SessionID != o.SessionID() {
		t.Fatalf("expected one recorded cycle, got %+v", recorder.reports)
	}

	times := o.devices.LastSyncTimes()
	if _, ok := times["A"]; !ok {
		t.Fatal("successful device should have a sync time")
	}
	if _, ok := times["B"]; ok {
		t.Fatal("failed device should not have a sync time")
	}
}

func TestRunCycleWithoutDevicesIssuesNoSyncCalls(t *testing.T) {
	backend := &stubBackend{devices: [][]Device{{}}}
	o, sleeper := newTestOrchestrator(t, backend, nil)

	result := o.RunCycle(context.Background())

	if result.TotalDevices != 0 || result.SuccessfulSyncs != 0 || result.FailedSyncs != 0 {
		t.Fatalf("expected zero result, got %+v", result)
	}
	if len(backend.syncCalls) != 0 {
		t.Fatalf("expected no sync calls, got %v", backend.syncCalls)
	}
	if len(sleeper.durations) != 0 {
		t.Fatalf("expected no delays, got %v", sleeper.durations)
	}
}

func TestRunCycleSkipsDevicesWithoutID(t *testing.T) {
	backend := &stubBackend{devices: [][]Device{{{ID: "A"}, {Name: "lobby"}, {ID: "C"}}}}
	o, _ := newTestOrchestrator(t, backend, nil)

	result := o.RunCycle(context.Background())

	if result.TotalDevices != 2 || len(result.Outcomes) != 2 {
		t.Fatalf("malformed record should be skipped: %+v", result)
	}
	if result.SuccessfulSyncs+result.FailedSyncs != result.TotalDevices {
		t.Fatalf("count invariant broken: %+v", result)
	}
	if got := o.devices.KnownDevices(); len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Fatalf("known devices mismatch: %v", got)
	}
}

func TestSyncDeviceTransportFailure(t *testing.T) {
	backend := &stubBackend{
		devices:  [][]Device{{{ID: "A", Name: "Gate"}}},
		syncErrs: map[string]error{"A": errors.New("connection refused")},
	}
	o, _ := newTestOrchestrator(t, backend, nil)
	o.Discover(context.Background())

	outcome := o.SyncDevice(context.Background(), Device{ID: "A", Name: "Gate"})

	if outcome.Success {
		t.Fatal("expected failure outcome")
	}
	if outcome.Error != "connection refused" || outcome.DeviceName != "Gate" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(o.devices.LastSyncTimes()) != 0 {
		t.Fatal("transport failure must not record a sync time")
	}
}

func TestSyncDeviceDefaultsMissingMessage(t *testing.T) {
	backend := &stubBackend{responses: map[string]*SyncResponse{"A": {Success: false}}}
	o, _ := newTestOrchestrator(t, backend, nil)

	outcome := o.SyncDevice(context.Background(), Device{ID: "A"})
	if outcome.Error != "unknown error" {
		t.Fatalf("expected default message, got %q", outcome.Error)
	}
	if outcome.DeviceName != "A" {
		t.Fatalf("display name should fall back to id, got %q", outcome.DeviceName)
	}
}

func TestDiscoverFailureKeepsKnownDevices(t *testing.T) {
	backend := &stubBackend{devices: [][]Device{{{ID: "A"}}}}
	o, _ := newTestOrchestrator(t, backend, nil)
	o.Discover(context.Background())

	backend.listErr = errors.New("boom")
	if devices := o.Discover(context.Background()); len(devices) != 0 {
		t.Fatalf("expected empty list on failure, got %v", devices)
	}
	if got := o.devices.KnownDevices(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("known devices should be unchanged, got %v", got)
	}
}

func TestDiscoverRemovesSyncTimeOfVanishedDevice(t *testing.T) {
	backend := &stubBackend{devices: [][]Device{
		{{ID: "A"}, {ID: "B"}},
		{{ID: "B"}, {ID: "C"}},
	}}
	o, _ := newTestOrchestrator(t, backend, nil)

	o.RunCycle(context.Background())
	if len(o.devices.LastSyncTimes()) != 2 {
		t.Fatalf("expected both devices synced, got %v", o.devices.LastSyncTimes())
	}

	o.Discover(context.Background())
	times := o.devices.LastSyncTimes()
	if _, ok := times["A"]; ok {
		t.Fatal("removed device should lose its sync time")
	}
	if _, ok := times["C"]; ok {
		t.Fatal("new device should not get a sync time before syncing")
	}
	if _, ok := times["B"]; !ok {
		t.Fatal("remaining device should keep its sync time")
	}
}

func TestCheckHealthRetriesWithWaker(t *testing.T) {
	backend := &stubBackend{statuses: []string{"disconnected", "connecting", StatusConnected}}
	waker := &countingWaker{}
	o, sleeper := newTestOrchestrator(t, backend, func(cfg *Config) {
		cfg.Health = HostedHealthPolicy(waker)
	})

	if err := o.CheckHealth(context.Background()); err != nil {
		t.Fatalf("expected healthy after retries, got %v", err)
	}
	if backend.statusCalls != 3 {
		t.Fatalf("expected 3 status checks, got %d", backend.statusCalls)
	}
	if waker.calls != 2 {
		t.Fatalf("expected a wake before each retry, got %d", waker.calls)
	}
	if len(sleeper.durations) != 2 || sleeper.durations[0] != 10*time.Second {
		t.Fatalf("unexpected retry delays: %v", sleeper.durations)
	}
}

func TestCheckHealthGenericPolicyChecksOnce(t *testing.T) {
	backend := &stubBackend{statusErr: context.DeadlineExceeded}
	o, sleeper := newTestOrchestrator(t, backend, func(cfg *Config) {
		cfg.Health = GenericHealthPolicy()
	})

	err := o.CheckHealth(context.Background())
	if !errors.Is(err, ErrBackendUnhealthy) {
		t.Fatalf("expected ErrBackendUnhealthy, got %v", err)
	}
	if backend.statusCalls != 1 || len(sleeper.durations) != 0 {
		t.Fatalf("generic policy should check once without waiting: calls=%d sleeps=%v", backend.statusCalls, sleeper.durations)
	}
}

func TestRunStopsWhenHealthGateFails(t *testing.T) {
	backend := &stubBackend{statusErr: errors.New("connection refused")}
	waker := &countingWaker{err: errors.New("still asleep")}
	o, sleeper := newTestOrchestrator(t, backend, func(cfg *Config) {
		cfg.Health = HostedHealthPolicy(waker)
	})

	err := o.Run(context.Background())
	if !errors.Is(err, ErrBackendUnhealthy) {
		t.Fatalf("expected ErrBackendUnhealthy, got %v", err)
	}
	if backend.listCalls != 0 {
		t.Fatalf("loop must not discover devices, got %d list calls", backend.listCalls)
	}
	if backend.statusCalls != 3 {
		t.Fatalf("expected 3 health attempts, got %d", backend.statusCalls)
	}
	if waker.calls != 2 {
		t.Fatalf("expected a wake before each of the 2 retries, got %d", waker.calls)
	}
	if len(sleeper.durations) != 2 || sleeper.durations[1] != 10*time.Second {
		t.Fatalf("expected two constant retry waits, got %v", sleeper.durations)
	}
}

func TestCheckHealthStopsWhenCancelled(t *testing.T) {
	backend := &stubBackend{statuses: []string{"disconnected"}}
	ctx, cancel := context.WithCancel(context.Background())
	o, _ := newTestOrchestrator(t, backend, func(cfg *Config) {
		cfg.Health = HostedHealthPolicy(nil)
	})
	// A timer that never fires leaves cancellation as the only way out.
	o.newTimer = func() backoff.Timer {
		return &stalledTimer{c: make(chan time.Time), started: cancel}
	}

	err := o.CheckHealth(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if backend.statusCalls != 1 {
		t.Fatalf("expected a single check before cancellation, got %d", backend.statusCalls)
	}
}

type stalledTimer struct {
	c       chan time.Time
	started context.CancelFunc
}

func (t *stalledTimer) Start(time.Duration) { t.started() }
func (t *stalledTimer) Stop()               {}
func (t *stalledTimer) C() <-chan time.Time { return t.c }

func TestRunReportsStatusAndStopsOnCancel(t *testing.T) {
	backend := &stubBackend{devices: [][]Device{{{ID: "A"}}}}
	reporter := &stubReporter{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o, sleeper := newTestOrchestrator(t, backend, func(cfg *Config) {
		cfg.Reporter = reporter
		cfg.StatusEvery = 2
		cfg.SyncInterval = time.Minute
	})
	sleeper.cancel = cancel
	sleeper.wait = time.Minute
	sleeper.cancelAfter = 3

	if err := o.Run(ctx); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if o.Cycles() != 3 {
		t.Fatalf("expected 3 cycles, got %d", o.Cycles())
	}
	// one periodic report at cycle 2 plus the final report
	if len(reporter.snapshots) != 2 {
		t.Fatalf("expected 2 status reports, got %d", len(reporter.snapshots))
	}
	final := reporter.snapshots[1]
	if final.Cycles != 3 || len(final.LastSyncs) != 1 || final.LastSyncs[0].DeviceID != "A" {
		t.Fatalf("unexpected final snapshot: %+v", final)
	}
	// initial discovery plus one per cycle
	if backend.listCalls != 4 {
		t.Fatalf("expected 4 list calls, got %d", backend.listCalls)
	}
}

func TestRunSingle(t *testing.T) {
	tests := []struct {
		name      string
		responses map[string]*SyncResponse
		devices   []Device
		want      bool
	}{
		{
			name:    "all devices succeed",
			devices: []Device{{ID: "A"}, {ID: "B"}},
			want:    true,
		},
		{
			name:      "one device fails",
			devices:   []Device{{ID: "A"}, {ID: "B"}},
			responses: map[string]*SyncResponse{"B": {Success: false, Message: "offline"}},
			want:      false,
		},
		{
			name:    "no devices",
			devices: []Device{},
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &stubBackend{devices: [][]Device{tt.devices}, responses: tt.responses}
			o, _ := newTestOrchestrator(t, backend, nil)
			got, err := o.RunSingle(context.Background())
			if err != nil {
				t.Fatalf("run single: %v", err)
			}
			if got != tt.want {
				t.Fatalf("RunSingle() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunSingleUnhealthy(t *testing.T) {
	backend := &stubBackend{statuses: []string{"disconnected"}}
	o, _ := newTestOrchestrator(t, backend, nil)

	ok, err := o.RunSingle(context.Background())
	if ok || !errors.Is(err, ErrBackendUnhealthy) {
		t.Fatalf("expected unhealthy failure, got ok=%v err=%v", ok, err)
	}
	if backend.listCalls != 0 {
		t.Fatal("single mode must not discover when unhealthy")
	}
}

func TestRecorderErrorDoesNotFailCycle(t *testing.T) {
	backend := &stubBackend{devices: [][]Device{{{ID: "A"}}}}
	recorder := &stubRecorder{err: errors.New("disk full")}
	o, _ := newTestOrchestrator(t, backend, func(cfg *Config) { cfg.Recorder = recorder })

	result := o.RunCycle(context.Background())
	if result.SuccessfulSyncs != 1 {
		t.Fatalf("cycle should still succeed: %+v", result)
	}
}

type panicBackend struct{ stubBackend }

func (p *panicBackend) TriggerSync(ctx context.Context, deviceID string) (*SyncResponse, error) {
	panic("unexpected payload")
}

func TestRunReturnsLoopFatalError(t *testing.T) {
	backend := &panicBackend{stubBackend{devices: [][]Device{{{ID: "A"}}}}}
	o, _ := newTestOrchestrator(t, backend, nil)

	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("expected loop-fatal error")
	}
	if o.Cycles() != 1 {
		t.Fatalf("loop should stop after the failing cycle, got %d cycles", o.Cycles())
	}
}

func TestProbeRunsHealthThenDiscovery(t *testing.T) {
	backend := &stubBackend{devices: [][]Device{{{ID: "A", Name: "Gate"}, {ID: "B"}}}}
	o, _ := newTestOrchestrator(t, backend, nil)

	devices, err := o.Probe(context.Background())
	if err != nil {
		t.Fatalf("probe returned error: %v", err)
	}
	if len(devices) != 2 || backend.statusCalls != 1 || len(backend.syncCalls) != 0 {
		t.Fatalf("unexpected probe result: devices=%v status=%d syncs=%v", devices, backend.statusCalls, backend.syncCalls)
	}

	unhealthy := &stubBackend{statuses: []string{"disconnected"}}
	o, _ = newTestOrchestrator(t, unhealthy, nil)
	if _, err := o.Probe(context.Background()); !errors.Is(err, ErrBackendUnhealthy) {
		t.Fatalf("expected ErrBackendUnhealthy, got %v", err)
	}
	if unhealthy.listCalls != 0 {
		t.Fatalf("probe must not discover when unhealthy")
	}
}
