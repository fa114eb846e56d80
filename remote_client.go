package taskdispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Remote state codes, mirrored from the central-control service.
const (
	StateSuccess        = 0
	StatePartialSuccess = 1
	StateFail           = -1
)

// DeviceInfo describes one remote device as reported by central control.
type DeviceInfo struct {
	ID          int64  `json:"id"`
	SN          string `json:"sn"`
	Serial      string `json:"serial"`
	TaskName    string `json:"task_name,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	TaskRunning bool   `json:"task_running,omitempty"`
	DeviceType  string `json:"device_type"`
	NodeHost    string `json:"node_host"`
	ShowName    string `json:"show_name"`
	BoundStatus string `json:"bound_status"`
}

// FileRef points at one file to push onto a device.
type FileRef struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// DistributeRequest carries a script dispatch to central control.
type DistributeRequest struct {
	SNs            []string          `json:"sns"`
	TaskID         string            `json:"task_id"`
	TaskName       string            `json:"task_name"`
	RecordID       string            `json:"record_id"`
	LuaCode        string            `json:"lua_code"`
	TableVariables map[string]any    `json:"tableVariables"`
	UserVariables  map[string]any    `json:"userVariables,omitempty"`
	TaskPlatform   string            `json:"task_platform,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// DistributeResult reports per-device dispatch outcomes.
type DistributeResult struct {
	FailedSNs []string `json:"failedSns"`
	Success   []string `json:"success"`
}

// RemoteResponse is the uniform central-control envelope. A non-success Code
// or a transport failure both surface here; callers never see raw transport
// errors.
type RemoteResponse[T any] struct {
	Code    int    `json:"code"`
	Data    *T     `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the remote call fully succeeded.
func (r RemoteResponse[T]) OK() bool { return r.Code == StateSuccess }

// Reason renders the failure as a task-level reason string.
func (r RemoteResponse[T]) Reason() string {
	if r.Message != "" {
		return r.Message
	}
	return ReasonUnknown
}

// RemoteDeviceClient is the RPC surface of the central-control service. All
// implementations normalize transport errors into the response envelope.
type RemoteDeviceClient interface {
	DeviceInfo(ctx context.Context, sn string) RemoteResponse[DeviceInfo]
	UploadMultiFiles(ctx context.Context, sns []string, files []FileRef) RemoteResponse[struct{}]
	DistributeTasks(ctx context.Context, req DistributeRequest) RemoteResponse[DistributeResult]
	StopTask(ctx context.Context, sns []string, taskID string) RemoteResponse[struct{}]
}

// HTTPRemoteClient talks to central control over HTTP.
type HTTPRemoteClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRemoteClient builds a client for the central-control address.
func NewHTTPRemoteClient(baseURL string) (*HTTPRemoteClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("central control address is required")
	}
	return &HTTPRemoteClient{
		baseURL: baseURL,
		client:  &http.Client{},
	}, nil
}

func (c *HTTPRemoteClient) DeviceInfo(ctx context.Context, sn string) RemoteResponse[DeviceInfo] {
	return post[DeviceInfo](ctx, c, "/device/info", map[string]any{"sn": sn}, 5*time.Second)
}

func (c *HTTPRemoteClient) UploadMultiFiles(ctx context.Context, sns []string, files []FileRef) RemoteResponse[struct{}] {
	return post[struct{}](ctx, c, "/device/uploadMultiFiles", map[string]any{
		"sns":   sns,
		"files": files,
	}, 30*time.Second)
}

func (c *HTTPRemoteClient) DistributeTasks(ctx context.Context, req DistributeRequest) RemoteResponse[DistributeResult] {
	return post[DistributeResult](ctx, c, "/device/task_start_single", req, 30*time.Second)
}

func (c *HTTPRemoteClient) StopTask(ctx context.Context, sns []string, taskID string) RemoteResponse[struct{}] {
	return post[struct{}](ctx, c, "/device/task_stop", map[string]any{
		"sns":    sns,
		"taskId": taskID,
	}, 30*time.Second)
}

// post runs one central-control call. Every failure mode, including building
// the request, collapses into a code-400 envelope so call sites stay flat.
func post[T any](ctx context.Context, c *HTTPRemoteClient, path string, body any, timeout time.Duration) RemoteResponse[T] {
	fail := func(err error) RemoteResponse[T] {
		log.Error().Err(err).Str("url", c.baseURL+path).Msg("central control request failed")
		return RemoteResponse[T]{Code: 400, Message: err.Error()}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fail(errors.Wrap(err, "encode request"))
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fail(errors.Wrap(err, "build request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fail(errors.Wrap(err, "request"))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fail(errors.Wrap(err, "read response"))
	}
	var out RemoteResponse[T]
	if err := json.Unmarshal(data, &out); err != nil {
		return fail(errors.Wrapf(err, "decode response (http %d)", resp.StatusCode))
	}
	return out
}
