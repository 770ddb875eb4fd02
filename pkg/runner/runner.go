// Package runner is the Runner Agent: it receives dispatch RPCs from
// the Host over pkg/transport, executes COMMAND and VPS tasks through
// pkg/containerrt/pkg/vmbackend, and reports status back via periodic
// heartbeats and per-task callbacks.
//
// The Host dispatches directly over HTTP and the runner answers with
// status callbacks; there is no poll loop pulling assignments from the
// Host.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/riverd/river/pkg/containerrt"
	"github.com/riverd/river/pkg/log"
	"github.com/riverd/river/pkg/transport"
	"github.com/riverd/river/pkg/types"
	"github.com/riverd/river/pkg/vmbackend"
)

// Config holds the Runner Agent's configuration.
type Config struct {
	Hostname          string
	HostAddr          string // the Host's HTTP address, for callbacks
	ListenAddr        string // this runner's own HTTP listen address
	DataDir           string
	ContainerdSocket  string
	EnvImageDir       string // shared-storage directory of named environment tarballs
	HeartbeatInterval time.Duration
	Capacity          types.NodeCapacity
	RunnerVersion     string
	VMCapable         bool
}

// Runner is the Runner Agent process: one HTTP server answering the
// Host's dispatch RPCs, one heartbeat loop, and the in-flight task set
// that survives a restart.
type Runner struct {
	cfg Config

	host      *transport.HostClient
	runtime   *containerrt.Runtime
	vms       *vmbackend.Backend
	images    *imageLoader
	inflight  *inFlightStore
	logger    zerolog.Logger

	mu      sync.Mutex
	running map[int64]bool // task id -> still owned locally (not externally killed)

	killedSinceMu sync.Mutex
	killedSince   []transport.KilledTaskReport

	mux    *http.ServeMux
	stopCh chan struct{}
}

// New builds a Runner wired to a containerd runtime and, when
// cfg.VMCapable, a Lima-backed VM backend.
func New(cfg Config, hc *http.Client) (*Runner, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}

	rt, err := containerrt.New(cfg.ContainerdSocket)
	if err != nil {
		return nil, fmt.Errorf("init containerd runtime: %w", err)
	}

	store, err := openInFlightStore(cfg.DataDir)
	if err != nil {
		rt.Close()
		return nil, err
	}

	r := &Runner{
		cfg:      cfg,
		host:     transport.NewHostClient(cfg.HostAddr, hc),
		runtime:  rt,
		images:   newImageLoader(rt, cfg.EnvImageDir),
		inflight: store,
		logger:   log.WithComponent("runner").With().Str("hostname", cfg.Hostname).Logger(),
		running:  make(map[int64]bool),
		stopCh:   make(chan struct{}),
	}
	if cfg.VMCapable {
		r.vms = vmbackend.New(cfg.DataDir, r.logger)
	}

	r.mux = http.NewServeMux()
	r.routes()
	return r, nil
}

func (r *Runner) routes() {
	r.mux.HandleFunc("/execute", r.handleExecute)
	r.mux.HandleFunc("/vps_create", r.handleVPSCreate)
	r.mux.HandleFunc("/kill", r.handleControl(r.doKill))
	r.mux.HandleFunc("/pause", r.handleControl(r.doPause))
	r.mux.HandleFunc("/resume", r.handleControl(r.doResume))
	r.mux.HandleFunc("/vps_stop", r.handleControl(r.doVPSStop))
	r.mux.HandleFunc("/vps_restart", r.handleControl(r.doVPSRestart))
	r.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

// ServeHTTP makes Runner an http.Handler directly, so it can be wrapped
// in an http.Server by cmd/river-runner or exercised with httptest.
func (r *Runner) ServeHTTP(w http.ResponseWriter, req *http.Request) { r.mux.ServeHTTP(w, req) }

// Start registers with the Host, rehydrates the in-flight set left from
// a prior run, and starts the heartbeat loop.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.rehydrate(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("failed to rehydrate in-flight set")
	}

	resp, err := r.host.Register(ctx, transport.RegisterRequest{
		Hostname:      r.cfg.Hostname,
		PhysicalIP:    r.cfg.ListenAddr,
		Capacity:      r.cfg.Capacity,
		RunnerVersion: r.cfg.RunnerVersion,
		VMCapable:     r.cfg.VMCapable,
	})
	if err != nil {
		return fmt.Errorf("register with host: %w", err)
	}
	if resp.Overlay != nil {
		r.logger.Info().Int("vni", resp.Overlay.VNI).Str("subnet", resp.Overlay.Subnet).Msg("registered with overlay allocation")
	}

	go r.heartbeatLoop()
	return nil
}

// Stop halts background loops and closes local resources. In-flight
// containers are left running; they are rediscovered on the next Start.
func (r *Runner) Stop() error {
	close(r.stopCh)
	if err := r.inflight.Close(); err != nil {
		return err
	}
	return r.runtime.Close()
}

// rehydrate rediscovers the runner's owned containers by re-checking the
// in-flight set persisted from a prior run against containerd's live
// container list, so a restart never sends a spurious RUNNING callback
// for a task the Host has already finalised (§4.10).
func (r *Runner) rehydrate(ctx context.Context) error {
	entries, err := r.inflight.List()
	if err != nil {
		return err
	}

	live, err := r.runtime.ListContainers(ctx)
	if err != nil {
		return err
	}
	liveSet := make(map[string]bool, len(live))
	for _, id := range live {
		liveSet[id] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if liveSet[e.ContainerName] {
			r.running[e.TaskID] = true
		} else {
			_ = r.inflight.Delete(e.TaskID)
		}
	}
	return nil
}

func (r *Runner) heartbeatLoop() {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.sendHeartbeat(); err != nil {
				r.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) sendHeartbeat() error {
	r.mu.Lock()
	runningTasks := make([]int64, 0, len(r.running))
	for id, owned := range r.running {
		if owned {
			runningTasks = append(runningTasks, id)
		}
	}
	r.mu.Unlock()

	r.killedSinceMu.Lock()
	killed := r.killedSince
	r.killedSince = nil
	r.killedSinceMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return r.host.Heartbeat(ctx, transport.HeartbeatRequest{
		Hostname:     r.cfg.Hostname,
		RunningTasks: runningTasks,
		KilledTasks:  killed,
		Capacity:     r.cfg.Capacity,
	})
}

func (r *Runner) markRunning(taskID int64, containerName string) {
	r.mu.Lock()
	r.running[taskID] = true
	r.mu.Unlock()
	_ = r.inflight.Put(inFlightEntry{TaskID: taskID, ContainerName: containerName})
}

// forget removes a task from the in-flight set, marking it as no longer
// externally addressable. Returns whether the task was still owned
// locally (vs. already removed by an external kill), used to decide
// whether a terminal status callback should be sent (§4.9 step 6).
func (r *Runner) forget(taskID int64) bool {
	r.mu.Lock()
	_, owned := r.running[taskID]
	delete(r.running, taskID)
	r.mu.Unlock()
	_ = r.inflight.Delete(taskID)
	return owned
}

func (r *Runner) recordKernelKill(taskID int64, reason string) {
	r.killedSinceMu.Lock()
	r.killedSince = append(r.killedSince, transport.KilledTaskReport{TaskID: taskID, Reason: reason})
	r.killedSinceMu.Unlock()
}

func parseTaskIDForm(req *http.Request) (int64, error) {
	var body struct {
		TaskID int64 `json:"task_id"`
	}
	defer req.Body.Close()
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.TaskID, nil
}
