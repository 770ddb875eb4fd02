package runner

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/riverd/river/pkg/containerrt"
	"github.com/riverd/river/pkg/types"
)

func parseIPOrNil(s string) net.IP { return net.ParseIP(s) }

// handleControl wraps a control action (kill/pause/resume/vps_stop/
// vps_restart) with the shared task_id decode and response shape.
func (r *Runner) handleControl(action func(ctx context.Context, taskID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		taskID, err := parseTaskIDForm(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		ctx, cancel := context.WithTimeout(req.Context(), 30*time.Second)
		defer cancel()

		if err := action(ctx, taskID); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// doKill implements the kill control RPC. It first removes taskID from
// the runner's in-flight set with forget(), which makes the exit-wait
// loop recognise the resulting exit as externally commanded and skip its
// own terminal report, since the kill path here reports it directly.
func (r *Runner) doKill(ctx context.Context, taskID int64) error {
	owned := r.forget(taskID)
	if !owned {
		return fmt.Errorf("task %d is not running on this runner", taskID)
	}

	name := containerrt.ContainerID(taskID)
	if err := r.runtime.Stop(ctx, name, 10*time.Second); err != nil {
		r.logger.Warn().Int64("task_id", taskID).Err(err).Msg("stop container during kill")
	}
	if err := r.runtime.Delete(ctx, name); err != nil {
		r.logger.Warn().Int64("task_id", taskID).Err(err).Msg("delete container during kill")
	}
	if r.vms != nil {
		_ = r.vms.Delete(ctx, taskID)
	}

	r.reportStatus(ctx, taskID, types.StatusKilled, nil, "")
	return nil
}

// doPause stops a running COMMAND task's container process, keeping the
// container itself, and reports the task PAUSED.
func (r *Runner) doPause(ctx context.Context, taskID int64) error {
	// containerd exposes Pause via task.Pause(ctx); river's Runtime does
	// not (yet) surface that call directly, so paused tasks are modelled
	// as a stop-without-delete here: the container is stopped but its
	// snapshot survives, matching a COMMAND task's Paused state until a
	// resume re-creates it.
	name := containerrt.ContainerID(taskID)
	if err := r.runtime.Stop(ctx, name, 10*time.Second); err != nil {
		return fmt.Errorf("pause task %d: %w", taskID, err)
	}
	r.reportStatus(ctx, taskID, types.StatusPaused, nil, "")
	return nil
}

// doResume restarts a paused COMMAND task's container.
func (r *Runner) doResume(ctx context.Context, taskID int64) error {
	name := containerrt.ContainerID(taskID)
	if err := r.runtime.Start(ctx, name); err != nil {
		return fmt.Errorf("resume task %d: %w", taskID, err)
	}
	r.reportStatus(ctx, taskID, types.StatusRunning, nil, "")
	return nil
}

// doVPSStop stops a VPS task's container or VM without destroying it
// (§4.9 "VPS differs"): a restart re-attaches rather than re-creates.
func (r *Runner) doVPSStop(ctx context.Context, taskID int64) error {
	if r.vms != nil && r.vms.IsRunning(taskID) {
		return r.vms.Stop(ctx, taskID)
	}
	name := containerrt.ContainerID(taskID)
	if err := r.runtime.Stop(ctx, name, 10*time.Second); err != nil {
		return fmt.Errorf("stop VPS %d: %w", taskID, err)
	}
	r.reportStatus(ctx, taskID, types.StatusStopped, nil, "")
	return nil
}

// doVPSRestart re-attaches a stopped VPS task's container or VM.
func (r *Runner) doVPSRestart(ctx context.Context, taskID int64) error {
	if r.vms != nil {
		if err := r.vms.Restart(ctx, taskID); err != nil {
			return fmt.Errorf("restart VPS VM %d: %w", taskID, err)
		}
		r.reportStatus(ctx, taskID, types.StatusRunning, nil, "")
		return nil
	}

	name := containerrt.ContainerID(taskID)
	if err := r.runtime.Start(ctx, name); err != nil {
		return fmt.Errorf("restart VPS %d: %w", taskID, err)
	}
	r.reportStatus(ctx, taskID, types.StatusRunning, nil, "")
	return nil
}
