package feishu

import (
	"context"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	attendsync "github.com/mof-lk/attendsync"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Column names of the cycle ledger table.
const (
	FieldSession          = "Session"
	FieldCycle            = "Cycle"
	FieldFinishedAt       = "FinishedAt"
	FieldTotalDevices     = "TotalDevices"
	FieldSuccessful       = "Successful"
	FieldFailed           = "Failed"
	FieldSuccessRate      = "SuccessRate"
	FieldRawRecords       = "RawRecords"
	FieldProcessedRecords = "ProcessedRecords"
	FieldFailedDevices    = "FailedDevices"
)

type recordCreator interface {
	Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
}

// Options configures the bitable cycle ledger.
type Options struct {
	AppID      string
	AppSecret  string
	TenantKey  string
	BaseURL    string
	BitableURL string
}

// CycleRecorder appends one bitable row per finished sync cycle. It
// implements attendsync.SyncRecorder.
type CycleRecorder struct {
	ref       BitableRef
	tenantKey string
	records   recordCreator
}

// NewCycleRecorder builds a recorder backed by the Feishu open API.
func NewCycleRecorder(opts Options) (*CycleRecorder, error) {
	appID := strings.TrimSpace(opts.AppID)
	appSecret := strings.TrimSpace(opts.AppSecret)
	if appID == "" || appSecret == "" {
		return nil, errors.New("feishu: app id and app secret are required")
	}
	ref, err := ParseBitableURL(opts.BitableURL)
	if err != nil {
		return nil, err
	}

	clientOpts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
	}
	if baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"); baseURL != "" && baseURL != lark.FeishuBaseUrl {
		clientOpts = append(clientOpts, lark.WithOpenBaseUrl(baseURL))
	}
	client := lark.NewClient(appID, appSecret, clientOpts...)

	return &CycleRecorder{
		ref:       ref,
		tenantKey: strings.TrimSpace(opts.TenantKey),
		records:   client.Bitable.V1.AppTableRecord,
	}, nil
}

func (r *CycleRecorder) RecordCycle(ctx context.Context, report attendsync.CycleReport) error {
	if r == nil || r.records == nil {
		return nil
	}
	record := larkbitable.NewAppTableRecordBuilder().
		Fields(cycleFields(report)).
		Build()
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(r.ref.AppToken).
		TableId(r.ref.TableID).
		AppTableRecord(record).
		Build()

	var options []larkcore.RequestOptionFunc
	if r.tenantKey != "" {
		options = append(options, larkcore.WithTenantKey(r.tenantKey))
	}
	resp, err := r.records.Create(ctx, req, options...)
	if err != nil {
		return errors.Wrap(err, "feishu: create cycle record request failed")
	}
	if resp == nil {
		return errors.New("feishu: empty response when creating cycle record")
	}
	if !resp.Success() {
		return errors.Errorf("feishu: create cycle record failed code=%d msg=%s", resp.Code, resp.Msg)
	}
	log.Debug().
		Int("cycle", report.Cycle).
		Str("table_id", r.ref.TableID).
		Msg("feishu: cycle record created")
	return nil
}

func cycleFields(report attendsync.CycleReport) map[string]interface{} {
	res := report.Result
	return map[string]interface{}{
		FieldSession:          report.SessionID,
		FieldCycle:            report.Cycle,
		FieldFinishedAt:       report.FinishedAt.UnixMilli(),
		FieldTotalDevices:     res.TotalDevices,
		FieldSuccessful:       res.SuccessfulSyncs,
		FieldFailed:           res.FailedSyncs,
		FieldSuccessRate:      res.SuccessRate(),
		FieldRawRecords:       res.TotalRawRecords,
		FieldProcessedRecords: res.TotalProcessedRecords,
		FieldFailedDevices:    strings.Join(res.FailedDevices(), ","),
	}
}
