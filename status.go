package attendsync

import (
	"sort"
	"time"
)

// Freshness buckets the age of a device's last successful sync.
type Freshness string

const (
	FreshnessRecent  Freshness = "RECENT"
	FreshnessWarning Freshness = "WARNING"
	FreshnessOld     Freshness = "OLD"
)

const (
	recentThreshold  = 2 * time.Minute
	warningThreshold = 5 * time.Minute
)

// FreshnessOf classifies how long ago a device last synced.
func FreshnessOf(age time.Duration) Freshness {
	switch {
	case age < recentThreshold:
		return FreshnessRecent
	case age < warningThreshold:
		return FreshnessWarning
	default:
		return FreshnessOld
	}
}

// DeviceSyncStatus is one row of the status report.
type DeviceSyncStatus struct {
	DeviceID  string
	LastSync  time.Time
	Freshness Freshness
}

// InfoField is an ordered key/value pair of deployment metadata.
type InfoField struct {
	Key   string
	Value string
}

// StatusSnapshot is a point-in-time copy of the orchestrator state.
type StatusSnapshot struct {
	Profile      string
	BaseURL      string
	SyncInterval time.Duration
	Now          time.Time
	Cycles       int
	KnownDevices []string
	LastSyncs    []DeviceSyncStatus
	Deployment   []InfoField
}

// StatusReporter renders periodic and final status reports.
type StatusReporter interface {
	ReportStatus(snapshot StatusSnapshot)
}

// BuildLastSyncs turns a sync-time table into report rows sorted by device id.
func BuildLastSyncs(times map[string]time.Time, now time.Time) []DeviceSyncStatus {
	rows := make([]DeviceSyncStatus, 0, len(times))
	for id, at := range times {
		rows = append(rows, DeviceSyncStatus{
			DeviceID:  id,
			LastSync:  at,
			Freshness: FreshnessOf(now.Sub(at)),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DeviceID < rows[j].DeviceID })
	return rows
}
