package attendsync

import (
	"math"
	"strings"
	"time"
)

// Device is a biometric attendance terminal as reported by the backend.
type Device struct {
	ID   string
	Name string
}

// DisplayName returns the device name, falling back to its id.
func (d Device) DisplayName() string {
	if name := strings.TrimSpace(d.Name); name != "" {
		return name
	}
	return d.ID
}

// SyncOutcome is the result of triggering the sync endpoint for one device.
type SyncOutcome struct {
	DeviceID         string
	DeviceName       string
	Success          bool
	RawRecords       int
	ProcessedRecords int
	Error            string
	Duration         time.Duration
}

// CycleResult aggregates the outcomes of one discovery + sync pass.
type CycleResult struct {
	TotalDevices          int
	SuccessfulSyncs       int
	FailedSyncs           int
	TotalRawRecords       int
	TotalProcessedRecords int
	Outcomes              []SyncOutcome
}

// Add folds one device outcome into the aggregate.
func (r *CycleResult) Add(outcome SyncOutcome) {
	r.TotalDevices++
	r.Outcomes = append(r.Outcomes, outcome)
	if outcome.Success {
		r.SuccessfulSyncs++
		r.TotalRawRecords += outcome.RawRecords
		r.TotalProcessedRecords += outcome.ProcessedRecords
		return
	}
	r.FailedSyncs++
}

// SuccessRate returns the percentage of successful syncs rounded to one
// decimal; zero devices yield 0.
func (r CycleResult) SuccessRate() float64 {
	if r.TotalDevices == 0 {
		return 0
	}
	rate := float64(r.SuccessfulSyncs) / float64(r.TotalDevices) * 100
	return math.Round(rate*10) / 10
}

// AllSucceeded reports whether at least one device was synced and none failed.
func (r CycleResult) AllSucceeded() bool {
	return r.TotalDevices > 0 && r.SuccessfulSyncs == r.TotalDevices
}

// FailedDevices lists the ids of devices whose sync failed, in sync order.
func (r CycleResult) FailedDevices() []string {
	var failed []string
	for _, outcome := range r.Outcomes {
		if !outcome.Success {
			failed = append(failed, outcome.DeviceID)
		}
	}
	return failed
}

// CycleReport is handed to recorders once a cycle finishes.
type CycleReport struct {
	SessionID  string
	Cycle      int
	StartedAt  time.Time
	FinishedAt time.Time
	Result     CycleResult
}

// DeviceChanges describes how the device set moved during one discovery.
type DeviceChanges struct {
	Added   []string
	Removed []string
}

// Empty reports whether discovery saw no additions or removals.
func (c DeviceChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}
