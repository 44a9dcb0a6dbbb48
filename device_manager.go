package attendsync

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// deviceManager 维护已知设备集合及每台设备最近一次成功同步的时间。
type deviceManager struct {
	mu       sync.Mutex
	known    map[string]struct{}
	lastSync map[string]time.Time
}

func newDeviceManager() *deviceManager {
	return &deviceManager{
		known:    make(map[string]struct{}),
		lastSync: make(map[string]time.Time),
	}
}

// Apply 用本次发现的设备替换已知集合，并返回新增/移除的设备。
func (m *deviceManager) Apply(devices []Device) DeviceChanges {
	current := make(map[string]struct{}, len(devices))
	for _, dev := range devices {
		current[dev.ID] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var changes DeviceChanges
	for id := range current {
		if _, ok := m.known[id]; !ok {
			changes.Added = append(changes.Added, id)
		}
	}
	for id := range m.known {
		if _, ok := current[id]; !ok {
			changes.Removed = append(changes.Removed, id)
			delete(m.lastSync, id)
		}
	}
	sort.Strings(changes.Added)
	sort.Strings(changes.Removed)

	for _, id := range changes.Added {
		log.Info().Str("device_id", id).Msg("device added")
	}
	for _, id := range changes.Removed {
		log.Info().Str("device_id", id).Msg("device removed")
	}
	m.known = current
	return changes
}

// MarkSynced 记录设备成功同步的时间；未知设备忽略。
func (m *deviceManager) MarkSynced(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.known[id]; !ok {
		log.Warn().Str("device_id", id).Msg("ignore sync time for unknown device")
		return
	}
	m.lastSync[id] = at
}

// KnownDevices 返回排序后的已知设备 ID。
func (m *deviceManager) KnownDevices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, 0, len(m.known))
	for id := range m.known {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// LastSyncTimes 返回同步时间表的副本。
func (m *deviceManager) LastSyncTimes() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]time.Time, len(m.lastSync))
	for id, at := range m.lastSync {
		result[id] = at
	}
	return result
}
