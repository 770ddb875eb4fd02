package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/riverd/river/pkg/containerrt"
	"github.com/riverd/river/pkg/transport"
	"github.com/riverd/river/pkg/types"
	"github.com/riverd/river/pkg/vmbackend"
)

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

func taskFromExecuteRequest(req transport.ExecuteRequest) *types.Task {
	task := &types.Task{
		ID:         req.TaskID,
		Kind:       req.Kind,
		Command:    req.Command,
		Args:       req.Args,
		Env:        req.Env,
		Resources:  req.Resources,
		Image:      req.Image,
		Mounts:     req.Mounts,
		Privileged: req.Privileged,
		Backend:    req.Backend,
	}
	if req.ReservedIP != "" {
		task.ReservedIP = parseIPOrNil(req.ReservedIP)
	}
	return task
}

// handleExecute answers the Host's execute RPC (§6.1): create and start
// a COMMAND workload, accepting the request synchronously and running
// the container asynchronously.
func (r *Runner) handleExecute(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var body transport.ExecuteRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	task := taskFromExecuteRequest(body)
	if r.alreadyOwns(task.ID) {
		writeError(w, http.StatusConflict, fmt.Errorf("task %d already running", task.ID))
		return
	}

	go r.runCommandTask(context.Background(), task)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleVPSCreate answers vps_create (§6.1): create a persistent
// interactive workload, routed to the container or VM backend per the
// task's declared Backend.
func (r *Runner) handleVPSCreate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var body transport.ExecuteRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	task := taskFromExecuteRequest(body)
	if r.alreadyOwns(task.ID) {
		writeError(w, http.StatusConflict, fmt.Errorf("task %d already running", task.ID))
		return
	}

	go r.runVPSTask(context.Background(), task)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (r *Runner) alreadyOwns(taskID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[taskID]
}

// runCommandTask executes a command task: ensure image, build the
// runtime-create request, start, report RUNNING, wait for exit, report
// terminal status unless the task was externally killed in the meantime.
func (r *Runner) runCommandTask(ctx context.Context, task *types.Task) {
	name := containerrt.ContainerID(task.ID)

	if err := r.images.Ensure(ctx, task.Image); err != nil {
		r.reportTerminal(ctx, task.ID, types.StatusFailed, 1, fmt.Sprintf("image unavailable: %v", err))
		return
	}

	secretsPath := ""   // secrets mounting is out of scope for river's Task model
	resolvConfPath := "" // DNS handling delegated to the overlay's default bridge resolv.conf

	if _, err := r.runtime.Create(ctx, task, secretsPath, resolvConfPath); err != nil {
		r.reportTerminal(ctx, task.ID, types.StatusFailed, 1, fmt.Sprintf("create container: %v", err))
		return
	}
	if err := r.runtime.Start(ctx, name); err != nil {
		r.reportTerminal(ctx, task.ID, types.StatusFailed, 1, fmt.Sprintf("start container: %v", err))
		return
	}

	r.markRunning(task.ID, name)
	r.reportStatus(ctx, task.ID, types.StatusRunning, nil, "")

	r.waitAndReport(ctx, task.ID, name)
}

// waitAndReport polls the container's status until it exits, then
// applies the exit-code mapping (§4.9) and, if the task is still in the
// agent's local in-flight set, reports the terminal status; otherwise the
// exit was externally commanded (kill path already reported it).
func (r *Runner) waitAndReport(ctx context.Context, taskID int64, containerName string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			status, exitCode, err := r.runtime.Status(ctx, containerName)
			if err != nil {
				continue
			}
			if status == types.StatusRunning || status == types.StatusPending {
				continue
			}

			owned := r.forget(taskID)
			if !owned {
				return
			}

			code := 0
			if exitCode != nil {
				code = *exitCode
			}
			finalStatus, reportErr := mapExitCode(code)
			if finalStatus == types.StatusKilledOOM {
				r.recordKernelKill(taskID, "oom")
			}
			r.reportTerminal(ctx, taskID, finalStatus, code, reportErr)
			return
		}
	}
}

// mapExitCode translates a process exit code into a terminal task status.
func mapExitCode(code int) (types.TaskStatus, string) {
	switch code {
	case 0:
		return types.StatusCompleted, ""
	case 137:
		return types.StatusKilledOOM, "killed by SIGKILL, attributed to OOM"
	default:
		return types.StatusFailed, fmt.Sprintf("container exited with code %d", code)
	}
}

func (r *Runner) reportStatus(ctx context.Context, taskID int64, status types.TaskStatus, exitCode *int, errMsg string) {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.host.TaskStatus(hctx, transport.TaskStatusRequest{
		TaskID:    taskID,
		NewStatus: string(status),
		ExitCode:  exitCode,
		Error:     errMsg,
	}); err != nil {
		r.logger.Warn().Int64("task_id", taskID).Err(err).Msg("failed to report task status")
	}
}

func (r *Runner) reportTerminal(ctx context.Context, taskID int64, status types.TaskStatus, exitCode int, errMsg string) {
	r.forget(taskID)
	r.reportStatus(ctx, taskID, status, &exitCode, errMsg)
}

// runVPSTask starts a persistent VPS workload (§4.9 "VPS differs"): the
// container is never auto-removed, and the VM backend is used instead of
// containerd when the task requests VPSBackendVM.
func (r *Runner) runVPSTask(ctx context.Context, task *types.Task) {
	if task.Backend == types.VPSBackendVM {
		if r.vms == nil {
			r.reportTerminal(ctx, task.ID, types.StatusFailed, 1, "runner is not VM-capable")
			return
		}
		if err := r.vms.Create(ctx, task); err != nil {
			r.reportTerminal(ctx, task.ID, types.StatusFailed, 1, fmt.Sprintf("create VM: %v", err))
			return
		}
		r.markRunning(task.ID, vmbackend.InstanceName(task.ID))
		r.reportStatus(ctx, task.ID, types.StatusRunning, nil, "")
		return
	}

	if err := r.images.Ensure(ctx, task.Image); err != nil {
		r.reportTerminal(ctx, task.ID, types.StatusFailed, 1, fmt.Sprintf("image unavailable: %v", err))
		return
	}

	name := containerrt.ContainerID(task.ID)
	if _, err := r.runtime.Create(ctx, task, "", ""); err != nil {
		r.reportTerminal(ctx, task.ID, types.StatusFailed, 1, fmt.Sprintf("create container: %v", err))
		return
	}
	if err := r.runtime.Start(ctx, name); err != nil {
		r.reportTerminal(ctx, task.ID, types.StatusFailed, 1, fmt.Sprintf("start container: %v", err))
		return
	}

	r.markRunning(task.ID, name)
	r.reportStatus(ctx, task.ID, types.StatusRunning, nil, "")
	// VPS containers are persistent: no exit-wait loop. Lifecycle is
	// driven by explicit vps_stop/vps_restart/kill control RPCs instead
	// of an exit-code mapping.
}
