// Package transport is the net/http+JSON wire layer (§6.1/§6.2): the
// Host-side HTTP API that serves both runner callbacks and the client
// task-submission surface, and the runner-facing HTTP client the
// Dispatcher drives.
package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/riverd/river/pkg/approval"
	"github.com/riverd/river/pkg/ipreserve"
	"github.com/riverd/river/pkg/liveness"
	"github.com/riverd/river/pkg/log"
	"github.com/riverd/river/pkg/metrics"
	"github.com/riverd/river/pkg/overlay"
	"github.com/riverd/river/pkg/snowflake"
	"github.com/riverd/river/pkg/statemachine"
	"github.com/riverd/river/pkg/store"
	"github.com/riverd/river/pkg/types"
	"github.com/rs/zerolog"
)

// taskIDs is the Host's single task id generator (node id 0).
var taskIDs, _ = snowflake.NewGenerator(0)

// Server is the Host's HTTP API: runner callbacks under /runner/*, the
// client task surface under /tasks and /nodes.
type Server struct {
	store     *store.RaftStore
	authority *statemachine.Authority
	liveness  *liveness.Monitor
	overlay   *overlay.Allocator
	reserve   *ipreserve.Manager
	gate      *approval.Gate
	logger    zerolog.Logger

	mux *http.ServeMux
}

// NewServer wires every dependency into a ready-to-serve mux.
func NewServer(st *store.RaftStore, authority *statemachine.Authority, mon *liveness.Monitor, ov *overlay.Allocator, reserve *ipreserve.Manager, gate *approval.Gate) *Server {
	s := &Server{
		store:     st,
		authority: authority,
		liveness:  mon,
		overlay:   ov,
		reserve:   reserve,
		gate:      gate,
		logger:    log.WithComponent("transport"),
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/runner/register", s.withMetrics("register", s.handleRegister))
	s.mux.HandleFunc("/runner/heartbeat", s.withMetrics("heartbeat", s.handleHeartbeat))
	s.mux.HandleFunc("/runner/task_status", s.withMetrics("task_status", s.handleTaskStatus))

	s.mux.HandleFunc("/tasks", s.withMetrics("tasks", s.handleTasks))
	s.mux.HandleFunc("/tasks/", s.withMetrics("task_detail", s.handleTaskDetail))
	s.mux.HandleFunc("/nodes", s.withMetrics("nodes", s.handleNodes))

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.mux.Handle("/metrics", metrics.Handler())
}

// ServeHTTP makes Server an http.Handler directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) withMetrics(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(op, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, op)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// RegisterRequest is the runner->host register callback body (§6.2).
type RegisterRequest struct {
	Hostname      string             `json:"hostname"`
	PhysicalIP    string             `json:"physical_ip"`
	Capacity      types.NodeCapacity `json:"declared_capacity"`
	RunnerVersion string             `json:"runner_version"`
	VMCapable     bool               `json:"vm_capability"`
}

type RegisterResponse struct {
	Overlay *types.OverlayAllocation `json:"overlay,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	node, err := s.store.GetNode(req.Hostname)
	if err != nil {
		node = &types.Node{Hostname: req.Hostname}
	}
	node.Address = req.PhysicalIP
	node.Capacity = req.Capacity
	node.RunnerVersion = req.RunnerVersion
	node.VMCapable = req.VMCapable
	node.LastHeartbeat = time.Now()
	node.Liveness = types.NodeOnline

	var resp RegisterResponse
	if s.overlay != nil {
		alloc, err := s.overlay.Allocate(req.Hostname, parseIPOrNil(req.PhysicalIP))
		if err != nil {
			s.logger.Warn().Str("hostname", req.Hostname).Err(err).Msg("overlay allocation failed, registering without overlay")
		} else {
			node.Overlay = alloc
			resp.Overlay = alloc
		}
	}

	if err := s.store.CreateNode(node); err != nil {
		if err := s.store.UpdateNode(node); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// HeartbeatRequest is the runner->host heartbeat callback body (§4.10).
type HeartbeatRequest struct {
	Hostname     string             `json:"hostname"`
	RunningTasks []int64            `json:"running_tasks"`
	KilledTasks  []KilledTaskReport `json:"killed_tasks"`
	Capacity     types.NodeCapacity `json:"capacity"`
}

type KilledTaskReport struct {
	TaskID int64  `json:"task_id"`
	Reason string `json:"reason"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.liveness.Heartbeat(req.Hostname, req.Capacity, req.RunningTasks); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	for _, kt := range req.KilledTasks {
		if _, err := s.authority.Exit(kt.TaskID, 137, kt.Reason); err != nil {
			s.logger.Warn().Int64("task_id", kt.TaskID).Err(err).Msg("failed to apply kernel-reported kill")
		}
	}

	s.logOrphansAndZombies(req.Hostname, req.RunningTasks)

	writeJSON(w, http.StatusOK, map[string]string{"ack": "ok"})
}

// logOrphansAndZombies cross-checks the runner's self-reported running
// set against the Host's view of tasks assigned to this node (§4.10):
// an orphan is RUNNING here but absent from the report; a zombie is
// present in the report but terminal or unknown here. Neither is
// auto-corrected — both are surfaced only as log lines.
func (s *Server) logOrphansAndZombies(hostname string, reported []int64) {
	reportedSet := make(map[int64]bool, len(reported))
	for _, id := range reported {
		reportedSet[id] = true
	}

	tasks, err := s.store.ListTasksByNode(hostname)
	if err != nil {
		return
	}
	for _, task := range tasks {
		if task.Status == types.StatusRunning && !reportedSet[task.ID] {
			s.logger.Warn().Int64("task_id", task.ID).Str("hostname", hostname).Msg("orphan: host believes task running but runner does not report it")
		}
	}
	for id := range reportedSet {
		task, err := s.store.GetTask(id)
		if err != nil || task.Status.Terminal() {
			s.logger.Warn().Int64("task_id", id).Str("hostname", hostname).Msg("zombie: runner reports task running but host considers it terminal or unknown")
		}
	}
}

// TaskStatusRequest is the runner->host task_status_update callback
// body (§6.2).
type TaskStatusRequest struct {
	TaskID          int64  `json:"task_id"`
	NewStatus       string `json:"new_status"`
	ExitCode        *int   `json:"exit_code,omitempty"`
	Error           string `json:"error,omitempty"`
	AssignedSSHPort *int   `json:"assigned_ssh_port,omitempty"`
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req TaskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		task *types.Task
		err  error
	)
	switch types.TaskStatus(req.NewStatus) {
	case types.StatusRunning:
		task, err = s.authority.Start(req.TaskID)
	case types.StatusCompleted, types.StatusFailed, types.StatusKilledOOM:
		code := 0
		if req.ExitCode != nil {
			code = *req.ExitCode
		}
		task, err = s.authority.Exit(req.TaskID, code, req.Error)
	case types.StatusStopped:
		task, err = s.authority.Stop(req.TaskID)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unrecognized status %q", req.NewStatus))
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	if req.AssignedSSHPort != nil {
		task.SSHPort = req.AssignedSSHPort
		_ = s.store.UpdateTask(task)
	}

	writeJSON(w, http.StatusOK, task)
}

// submitRequest is the client->host task submission body.
type submitRequest struct {
	Kind           string              `json:"kind"`
	Name           string              `json:"name,omitempty"`
	Command        string              `json:"command"`
	Args           []string            `json:"args,omitempty"`
	Env            map[string]string   `json:"env,omitempty"`
	Resources      types.ResourceRequest `json:"resources"`
	Image          string              `json:"image,omitempty"`
	TargetNode     string              `json:"target_node,omitempty"`
	OwnerID        string              `json:"owner_id"`
	Tier           string              `json:"tier"`
	ReservationTok string              `json:"reservation_token,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.store.ListTasks()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		s.handleSubmit(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var reservedIP net.IP
	if req.ReservationTok != "" && s.reserve != nil {
		ip, _, err := s.reserve.Validate(req.ReservationTok)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid reservation token: %w", err))
			return
		}
		reservedIP = net.ParseIP(ip)
	}

	task := &types.Task{
		ID:          taskIDs.Next(),
		Kind:        types.TaskKind(req.Kind),
		Name:        req.Name,
		Command:     req.Command,
		Args:        req.Args,
		Env:         req.Env,
		Resources:   req.Resources,
		Image:       req.Image,
		TargetNode:  req.TargetNode,
		OwnerID:     req.OwnerID,
		ReservedIP:  reservedIP,
		SubmittedAt: time.Now(),
	}

	status := s.gate.InitialStatus(approval.Tier(req.Tier))
	task.Status = status
	if status == types.StatusPendingApproval {
		task.ApprovalState = types.ApprovalPending
	}

	if err := s.store.CreateTask(task); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.SplitN(idStr, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid task id"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		task, err := s.store.GetTask(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}

	var body struct {
		ApproverID string `json:"approver_id"`
		Tier       string `json:"tier"`
		Reason     string `json:"reason,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	var (
		task *types.Task
		opErr error
	)
	switch parts[1] {
	case "approve":
		task, opErr = s.gate.Approve(id, body.ApproverID, approval.Tier(body.Tier))
	case "reject":
		task, opErr = s.gate.Reject(id, body.ApproverID, body.Reason, approval.Tier(body.Tier))
	case "kill":
		task, opErr = s.authority.Kill(id)
	case "pause":
		task, opErr = s.authority.Pause(id)
	case "resume":
		task, opErr = s.authority.Resume(id)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown task action %q", parts[1]))
		return
	}
	if opErr != nil {
		writeError(w, http.StatusConflict, opErr)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	nodes, err := s.store.ListNodes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func parseIPOrNil(s string) (ip net.IP) {
	return net.ParseIP(s)
}
