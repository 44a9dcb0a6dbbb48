// Package report renders orchestrator state for terminals.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	attendsync "github.com/mof-lk/attendsync"
	"github.com/mof-lk/attendsync/internal/storage"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const timeLayout = "2006-01-02 15:04:05"

// Printer writes human-readable reports. It implements
// attendsync.StatusReporter and is safe to call from a signal path.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPrinter returns a Printer writing to out, or stdout when out is nil.
func NewPrinter(out io.Writer) *Printer {
	if out == nil {
		out = os.Stdout
	}
	return &Printer{out: out}
}

func (p *Printer) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.out, s)
}

// ReportStatus renders the status header, deployment info and the last sync
// table.
func (p *Printer) ReportStatus(s attendsync.StatusSnapshot) {
	p.write(RenderStatus(s))
}

// RenderStatus formats a snapshot.
func RenderStatus(s attendsync.StatusSnapshot) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Attendance sync status") + "\n")
	sb.WriteString(keyValues("  ",
		kv("profile", s.Profile),
		kv("api", s.BaseURL),
		kv("interval", s.SyncInterval.String()),
		kv("cycles", strconv.Itoa(s.Cycles)),
		kv("devices", formatDevices(s.KnownDevices)),
		kv("time", s.Now.Format(timeLayout)),
	))
	if len(s.Deployment) > 0 {
		pairs := make([]pair, 0, len(s.Deployment))
		for _, field := range s.Deployment {
			pairs = append(pairs, kv(field.Key, field.Value))
		}
		sb.WriteString(labelStyle.Render("  deployment") + "\n")
		sb.WriteString(keyValues("    ", pairs...))
	}
	if len(s.LastSyncs) == 0 {
		sb.WriteString(warnStyle.Render("  no successful syncs yet") + "\n")
		return sb.String()
	}
	rows := make([][]string, 0, len(s.LastSyncs))
	for _, row := range s.LastSyncs {
		rows = append(rows, []string{
			row.DeviceID,
			row.LastSync.Format(timeLayout),
			formatAge(s.Now.Sub(row.LastSync)),
			renderFreshness(row.Freshness),
		})
	}
	sb.WriteString(renderTable([]string{"DEVICE", "LAST SYNC", "AGE", "STATE"}, rows))
	sb.WriteString("\n")
	return sb.String()
}

// PrintHistory renders persisted cycles, newest first.
func (p *Printer) PrintHistory(rows []storage.CycleRow) {
	if len(rows) == 0 {
		p.write(warnStyle.Render("no recorded sync cycles") + "\n")
		return
	}
	body := make([][]string, 0, len(rows))
	for _, row := range rows {
		var result attendsync.CycleResult
		result.TotalDevices = row.TotalDevices
		result.SuccessfulSyncs = row.Successful
		body = append(body, []string{
			row.FinishedAt.Format(timeLayout),
			shortSession(row.SessionID),
			strconv.Itoa(row.Cycle),
			fmt.Sprintf("%d/%d", row.Successful, row.TotalDevices),
			fmt.Sprintf("%.1f%%", result.SuccessRate()),
			strconv.Itoa(row.RawRecords),
			strconv.Itoa(row.ProcessedRecords),
		})
	}
	p.write(renderTable([]string{"FINISHED", "SESSION", "CYCLE", "OK", "RATE", "RAW", "PROCESSED"}, body) + "\n")
}

// PrintProbe renders the outcome of a connectivity test.
func (p *Printer) PrintProbe(baseURL string, devices []attendsync.Device) {
	var sb strings.Builder
	sb.WriteString(successStyle.Render("✓") + " backend healthy at " + baseURL + "\n")
	if len(devices) == 0 {
		sb.WriteString(warnStyle.Render("!") + " no devices registered\n")
		p.write(sb.String())
		return
	}
	rows := make([][]string, 0, len(devices))
	for _, dev := range devices {
		rows = append(rows, []string{dev.ID, dev.DisplayName()})
	}
	sb.WriteString(renderTable([]string{"DEVICE", "NAME"}, rows) + "\n")
	p.write(sb.String())
}

// PrintFailure renders a single-line failure message.
func (p *Printer) PrintFailure(format string, args ...any) {
	p.write(errorStyle.Render("✗") + " " + fmt.Sprintf(format, args...) + "\n")
}

// PrintDeployment writes deployment metadata as "json" or "yaml", preserving
// field order.
func (p *Printer) PrintDeployment(fields []attendsync.InfoField, format string) error {
	out, err := EncodeDeployment(fields, format)
	if err != nil {
		return err
	}
	p.write(out)
	return nil
}

// EncodeDeployment serializes ordered metadata.
func EncodeDeployment(fields []attendsync.InfoField, format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		var sb strings.Builder
		sb.WriteString("{\n")
		for i, field := range fields {
			key, _ := json.Marshal(field.Key)
			val, _ := json.Marshal(field.Value)
			sb.WriteString("  " + string(key) + ": " + string(val))
			if i < len(fields)-1 {
				sb.WriteString(",")
			}
			sb.WriteString("\n")
		}
		sb.WriteString("}\n")
		return sb.String(), nil
	case "yaml", "yml":
		node := &yaml.Node{Kind: yaml.MappingNode}
		for _, field := range fields {
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: field.Key},
				&yaml.Node{Kind: yaml.ScalarNode, Value: field.Value, Style: yaml.DoubleQuotedStyle},
			)
		}
		data, err := yaml.Marshal(node)
		if err != nil {
			return "", errors.Wrap(err, "encode deployment yaml")
		}
		return string(data), nil
	default:
		return "", errors.Errorf("unsupported format %q (want json or yaml)", format)
	}
}

func renderFreshness(f attendsync.Freshness) string {
	switch f {
	case attendsync.FreshnessRecent:
		return successStyle.Render(string(f))
	case attendsync.FreshnessWarning:
		return warnStyle.Render(string(f))
	default:
		return errorStyle.Render(string(f))
	}
}

func formatDevices(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return fmt.Sprintf("%d (%s)", len(ids), strings.Join(ids, ", "))
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}

func shortSession(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
