package attendsync

import (
	"context"
	"errors"
)

// SyncRecorder receives every finished cycle, e.g. to persist sync history.
type SyncRecorder interface {
	RecordCycle(ctx context.Context, report CycleReport) error
}

type noopRecorder struct{}

func (noopRecorder) RecordCycle(ctx context.Context, report CycleReport) error { return nil }

// MultiRecorder fans a report out to every recorder and joins their errors.
type MultiRecorder []SyncRecorder

func (m MultiRecorder) RecordCycle(ctx context.Context, report CycleReport) error {
	var errs []error
	for _, rec := range m {
		if rec == nil {
			continue
		}
		if err := rec.RecordCycle(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
