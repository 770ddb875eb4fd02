package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/riverd/river/pkg/types"
)

// RunnerHTTPClient implements dispatch.RunnerClient over net/http+JSON
// POSTs to a runner's control endpoints.
type RunnerHTTPClient struct {
	http   *http.Client
	scheme string
}

// NewRunnerHTTPClient builds a client. Passing an hc built with
// pkg/security.BuildClientTLSConfig in its Transport switches the
// client onto https and mutual TLS; a plain client suffices for
// same-host or trusted-network deployments.
func NewRunnerHTTPClient(hc *http.Client) *RunnerHTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &RunnerHTTPClient{http: hc, scheme: schemeFor(hc)}
}

// schemeFor inspects hc's Transport for a TLS client certificate, which
// is how callers opt into mTLS (pkg/security.BuildClientTLSConfig sets
// Certificates on the tls.Config it returns).
func schemeFor(hc *http.Client) string {
	if t, ok := hc.Transport.(*http.Transport); ok && t.TLSClientConfig != nil && len(t.TLSClientConfig.Certificates) > 0 {
		return "https"
	}
	return "http"
}

func (c *RunnerHTTPClient) post(ctx context.Context, addr, path string, body interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request for %s: %w", path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.scheme+"://"+addr+path, &buf)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, errBody.Error)
		}
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	return nil
}

// ExecuteRequest is the wire body of the execute RPC (§6.1): enough of
// the task descriptor for the runner to build its runtime-create
// request without a second round trip back to the Host.
type ExecuteRequest struct {
	TaskID     int64             `json:"task_id"`
	Kind       types.TaskKind    `json:"kind"`
	Command    string            `json:"command"`
	Args       types.StringList  `json:"args"`
	Env        types.EnvMap      `json:"env"`
	Resources  types.ResourceRequest `json:"resources"`
	Image      string            `json:"image"`
	Mounts     []types.BindMount `json:"mounts"`
	Privileged bool              `json:"privileged"`
	Backend    types.VPSBackend  `json:"backend,omitempty"`
	ReservedIP string            `json:"reserved_ip,omitempty"`
}

func (c *RunnerHTTPClient) Execute(ctx context.Context, addr string, task *types.Task) error {
	req := ExecuteRequest{
		TaskID:     task.ID,
		Kind:       task.Kind,
		Command:    task.Command,
		Args:       task.Args,
		Env:        task.Env,
		Resources:  task.Resources,
		Image:      task.Image,
		Mounts:     task.Mounts,
		Privileged: task.Privileged,
		Backend:    task.Backend,
	}
	if task.ReservedIP != nil {
		req.ReservedIP = task.ReservedIP.String()
	}

	path := "/execute"
	if task.Kind == types.TaskKindVPS {
		path = "/vps_create"
	}
	return c.post(ctx, addr, path, req)
}

func (c *RunnerHTTPClient) Kill(ctx context.Context, addr string, taskID int64) error {
	return c.post(ctx, addr, "/kill", map[string]int64{"task_id": taskID})
}

func (c *RunnerHTTPClient) Pause(ctx context.Context, addr string, taskID int64) error {
	return c.post(ctx, addr, "/pause", map[string]int64{"task_id": taskID})
}

func (c *RunnerHTTPClient) Resume(ctx context.Context, addr string, taskID int64) error {
	return c.post(ctx, addr, "/resume", map[string]int64{"task_id": taskID})
}

func (c *RunnerHTTPClient) VPSStop(ctx context.Context, addr string, taskID int64) error {
	return c.post(ctx, addr, "/vps_stop", map[string]int64{"task_id": taskID})
}

func (c *RunnerHTTPClient) VPSRestart(ctx context.Context, addr string, taskID int64) error {
	return c.post(ctx, addr, "/vps_restart", map[string]int64{"task_id": taskID})
}

// HostClient is the runner-side complement: it issues the
// runner->host callbacks (§6.2) against the Host's HTTP API.
type HostClient struct {
	http     *http.Client
	hostAddr string
	scheme   string
}

// NewHostClient builds a client bound to a single Host address.
func NewHostClient(hostAddr string, hc *http.Client) *HostClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &HostClient{http: hc, hostAddr: hostAddr, scheme: schemeFor(hc)}
}

func (c *HostClient) postJSON(ctx context.Context, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("encode request for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.scheme+"://"+c.hostAddr+path, &buf)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Register issues the register callback and returns any assigned
// overlay allocation.
func (c *HostClient) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.postJSON(ctx, "/runner/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat issues the periodic heartbeat callback.
func (c *HostClient) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	return c.postJSON(ctx, "/runner/heartbeat", req, nil)
}

// TaskStatus issues a task_status_update callback.
func (c *HostClient) TaskStatus(ctx context.Context, req TaskStatusRequest) error {
	return c.postJSON(ctx, "/runner/task_status", req, nil)
}
