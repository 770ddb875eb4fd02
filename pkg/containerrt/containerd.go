// Package containerrt is the container backend for COMMAND tasks and
// VPSBackendContainer VPS tasks.
package containerrt

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/riverd/river/pkg/types"
)

const (
	// Namespace is the containerd namespace river runs all task
	// containers under.
	Namespace = "river"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Runtime runs task containers through containerd. One Runtime is shared
// by a runner's entire executor loop (pkg/runner); containerd's client is
// itself safe for concurrent use.
type Runtime struct {
	client    *containerd.Client
	namespace string
}

// New connects to a containerd socket. socketPath defaults to
// DefaultSocketPath when empty.
func New(socketPath string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}

	return &Runtime{client: client, namespace: Namespace}, nil
}

// Close closes the containerd client connection.
func (r *Runtime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ContainerID derives the containerd container ID for a task. Exported so
// callers (pkg/runner) can address a task's container without holding the
// Runtime around.
func ContainerID(taskID int64) string {
	return fmt.Sprintf("river-task-%d", taskID)
}

// PullImage pulls a container image from a registry into the containerd
// content store, unpacking it for the default snapshotter.
func (r *Runtime) PullImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	return nil
}

// cpuLimitToCgroup converts a requested core count into CFS cgroup
// parameters: shares is the relative weight (1024 per core), quota/period
// bound the fraction of wall-clock CPU time the container may use in each
// 100ms period.
func cpuLimitToCgroup(cores int) (shares uint64, quotaUs int64, periodUs uint64) {
	const period = uint64(100000)
	if cores <= 0 {
		return 0, 0, 0
	}
	return uint64(cores * 1024), int64(cores * 100000), period
}

// buildMounts assembles the full mount list for a task: its declared bind
// mounts, plus (when present) a read-only secrets bind and a resolv.conf
// override.
func buildMounts(task *types.Task, secretsPath, resolvConfPath string) []specs.Mount {
	var mounts []specs.Mount

	if secretsPath != "" {
		mounts = append(mounts, specs.Mount{
			Source:      secretsPath,
			Destination: "/run/secrets",
			Type:        "bind",
			Options:     []string{"ro", "bind"},
		})
	}

	for _, m := range task.Mounts {
		opts := []string{"bind"}
		if m.ReadOnly {
			opts = append(opts, "ro")
		} else {
			opts = append(opts, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      m.Source,
			Destination: m.Target,
			Type:        "bind",
			Options:     opts,
		})
	}

	if resolvConfPath != "" {
		mounts = append(mounts, specs.Mount{
			Source:      resolvConfPath,
			Destination: "/etc/resolv.conf",
			Type:        "bind",
			Options:     []string{"ro", "bind"},
		})
	}

	return mounts
}

// buildSpecOpts translates a task's resource request and environment into
// OCI spec options: image config, the task's command and args, env,
// CPU/memory limits, mounts, privileged mode, and a cgroup memory-node
// constraint when the request names a NUMA node.
func buildSpecOpts(task *types.Task, image containerd.Image, mounts []specs.Mount) []oci.SpecOpts {
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envSlice(task.Env)),
	}
	if task.Command != "" {
		opts = append(opts, oci.WithProcessArgs(append([]string{task.Command}, task.Args...)...))
	}

	if task.Resources.Cores > 0 {
		shares, quota, period := cpuLimitToCgroup(task.Resources.Cores)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if task.Resources.MemoryBytes != nil && *task.Resources.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(*task.Resources.MemoryBytes)))
	}
	if task.Resources.NumaNodeID != nil {
		// Cgroup mems constrains memory allocation to the NUMA node. The
		// cpuset is left empty, so the task's CPUs are not pinned to
		// that node.
		opts = append(opts, oci.WithCPUsMems("", fmt.Sprintf("%d", *task.Resources.NumaNodeID)))
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}
	if task.Privileged {
		opts = append(opts, oci.WithPrivileged)
	}

	return opts
}

func envSlice(env types.EnvMap) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Create creates (but does not start) a task's container, pulling the
// image if it is not already present in the content store.
func (r *Runtime) Create(ctx context.Context, task *types.Task, secretsPath, resolvConfPath string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, task.Image)
	if err != nil {
		if err := r.PullImage(ctx, task.Image); err != nil {
			return "", err
		}
		image, err = r.client.GetImage(ctx, task.Image)
		if err != nil {
			return "", fmt.Errorf("get image %s after pull: %w", task.Image, err)
		}
	}

	id := ContainerID(task.ID)
	mounts := buildMounts(task, secretsPath, resolvConfPath)
	opts := buildSpecOpts(task, image, mounts)

	ctrdContainer, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	return ctrdContainer.ID(), nil
}

// Start starts a created container's task as PID 1. The task's stdio is
// cio.NullIO: its stdout and stderr are discarded, not written to the
// task's log paths.
func (r *Runtime) Start(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	return nil
}

// Stop stops a running container, escalating from SIGTERM to SIGKILL if
// the task does not exit within timeout.
func (r *Runtime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// Delete removes a container and its snapshot, stopping it first if it is
// still running.
func (r *Runtime) Delete(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}

	_ = r.Stop(ctx, containerID, 10*time.Second)

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container: %w", err)
	}
	return nil
}

// Status maps a container's current containerd task status onto river's
// TaskStatus vocabulary, along with an exit code when the task has
// exited.
func (r *Runtime) Status(ctx context.Context, containerID string) (types.TaskStatus, *int, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return types.StatusFailed, nil, fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.StatusPending, nil, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.StatusFailed, nil, fmt.Errorf("task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		return types.StatusRunning, nil, nil
	case containerd.Stopped:
		code := int(status.ExitStatus)
		if code == 0 {
			return types.StatusCompleted, &code, nil
		}
		return types.StatusFailed, &code, nil
	default:
		return types.StatusPending, nil, nil
	}
}

// IsRunning reports whether a container's task is currently running.
func (r *Runtime) IsRunning(ctx context.Context, containerID string) bool {
	status, _, err := r.Status(ctx, containerID)
	return err == nil && status == types.StatusRunning
}

// Logs always returns an error: Start runs the task with cio.NullIO, so
// a container's output is not captured anywhere that could be streamed.
func (r *Runtime) Logs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("streaming logs not supported: container output is not captured")
}

// ContainerIP returns the IP address of a running container's primary
// network interface, read via nsenter into the task's network namespace.
// river's overlay gives containers their routable address up front
// (task.ReservedIP), so this is only used as a fallback verification path.
func (r *Runtime) ContainerIP(ctx context.Context, containerID string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("get task: %w", err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return "", fmt.Errorf("task status: %w", err)
	}
	if status.Status != containerd.Running {
		return "", fmt.Errorf("container is not running")
	}

	pid := task.Pid()
	if pid == 0 {
		return "", fmt.Errorf("container task has no PID")
	}

	cmd := exec.CommandContext(ctx, "nsenter", "-t", fmt.Sprintf("%d", pid), "-n", "ip", "-4", "addr", "show", "eth0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("get container IP: %w (output: %s)", err, string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		ip, _, err := net.ParseCIDR(parts[1])
		if err != nil {
			return "", fmt.Errorf("parse IP address %s: %w", parts[1], err)
		}
		return ip.String(), nil
	}

	return "", fmt.Errorf("no IP address found for container")
}

// ListContainers returns every container ID in river's containerd
// namespace.
func (r *Runtime) ListContainers(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}
