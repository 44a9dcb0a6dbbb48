package attendsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	pathDevices        = "/api/biometric-devices"
	pathDeviceSync     = "/api/auto-sync/device/"
	pathDatabaseStatus = "/api/database/status"

	// StatusConnected is the database status value reported by a healthy backend.
	StatusConnected = "connected"

	defaultListTimeout   = 15 * time.Second
	defaultSyncTimeout   = 60 * time.Second
	defaultHealthTimeout = 15 * time.Second
	defaultWakeTimeout   = 10 * time.Second

	maxErrorBody = 512
)

// Backend is the HR system API consumed by the orchestrator.
type Backend interface {
	// ListDevices returns the registered devices in backend order. Records
	// without an id are returned with an empty ID so callers can report them;
	// records that do not decode at all are dropped.
	ListDevices(ctx context.Context) ([]Device, error)
	// TriggerSync asks the backend to pull attendance logs from one device.
	TriggerSync(ctx context.Context, deviceID string) (*SyncResponse, error)
	// DatabaseStatus returns the backend's database status string.
	DatabaseStatus(ctx context.Context) (string, error)
}

// SyncResponse mirrors the body returned by the per-device sync endpoint.
// Missing counts decode as zero.
type SyncResponse struct {
	Success          bool   `json:"success"`
	RawRecords       int    `json:"rawRecords"`
	ProcessedRecords int    `json:"processedRecords"`
	Message          string `json:"message"`
}

type deviceRecord struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

// HTTPOptions tunes HTTPBackend. Zero values fall back to defaults.
type HTTPOptions struct {
	Token         string
	UserAgent     string
	HTTPClient    *http.Client
	ListTimeout   time.Duration
	SyncTimeout   time.Duration
	HealthTimeout time.Duration
	WakeTimeout   time.Duration
}

// HTTPBackend talks to the backend over HTTP. Every call carries its own
// timeout; sync triggers get a longer one since the backend pulls logs from
// the terminal while the request is open.
type HTTPBackend struct {
	baseURL    string
	opts       HTTPOptions
	httpClient *http.Client
}

// NewHTTPBackend validates baseURL and applies option defaults.
func NewHTTPBackend(baseURL string, opts HTTPOptions) (*HTTPBackend, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend base url is empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse backend base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = defaultListTimeout
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaultSyncTimeout
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = defaultHealthTimeout
	}
	if opts.WakeTimeout <= 0 {
		opts.WakeTimeout = defaultWakeTimeout
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "attendsync/" + Version
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPBackend{baseURL: baseURL, opts: opts, httpClient: httpClient}, nil
}

// BaseURL returns the normalized backend URL.
func (c *HTTPBackend) BaseURL() string {
	return c.baseURL
}

func (c *HTTPBackend) ListDevices(ctx context.Context) ([]Device, error) {
	var raw []json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, pathDevices, c.opts.ListTimeout, &raw); err != nil {
		return nil, errors.Wrap(err, "list biometric devices")
	}
	devices := make([]Device, 0, len(raw))
	for idx, item := range raw {
		var rec deviceRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			log.Warn().Err(err).Int("index", idx).Msg("skip malformed device record")
			continue
		}
		devices = append(devices, Device{
			ID:   strings.TrimSpace(rec.DeviceID),
			Name: strings.TrimSpace(rec.DeviceName),
		})
	}
	return devices, nil
}

func (c *HTTPBackend) TriggerSync(ctx context.Context, deviceID string) (*SyncResponse, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, errors.New("device id is empty")
	}
	var resp SyncResponse
	path := pathDeviceSync + url.PathEscape(deviceID)
	if err := c.doJSON(ctx, http.MethodPost, path, c.opts.SyncTimeout, &resp); err != nil {
		return nil, errors.Wrapf(err, "trigger sync for device %s", deviceID)
	}
	return &resp, nil
}

func (c *HTTPBackend) DatabaseStatus(ctx context.Context) (string, error) {
	var parsed struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, pathDatabaseStatus, c.opts.HealthTimeout, &parsed); err != nil {
		return "", errors.Wrap(err, "check database status")
	}
	return strings.TrimSpace(parsed.Status), nil
}

// Wake issues a lightweight request so a dormant backend starts spinning up.
// Any 200 response counts as awake; the body is ignored.
func (c *HTTPBackend) Wake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.WakeTimeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodGet, pathDatabaseStatus)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "wake backend")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("wake backend: http %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPBackend) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s %s request", method, path)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if token := strings.TrimSpace(c.opts.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *HTTPBackend) doJSON(ctx context.Context, method, path string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("http_status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	snippet := strings.TrimSpace(string(body))
	if snippet == "" {
		return errors.Errorf("http %d", resp.StatusCode)
	}
	return errors.Errorf("http %d: %s", resp.StatusCode, snippet)
}

// IsTimeout reports whether err was caused by a request deadline rather than
// a refused connection or an error status.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// describeError keeps transport failures readable in outcomes and status rows.
func describeError(err error) string {
	if err == nil {
		return ""
	}
	if IsTimeout(err) {
		return fmt.Sprintf("timeout: %v", err)
	}
	return err.Error()
}
