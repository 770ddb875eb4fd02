// Package vmbackend is the VM hypervisor collaborator for
// VPSBackendVM tasks: one independently-lifecycled VM per VPS task.
package vmbackend

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/limayaml"
	"github.com/lima-vm/lima/pkg/store"
	"github.com/rs/zerolog"

	"github.com/riverd/river/pkg/types"
)

// defaultCPUs/defaultMemory/defaultDisk are used when a task does not
// declare an explicit resource request.
const (
	defaultCPUs   = 1
	defaultMemory = "1GiB"
	defaultDisk   = "10GiB"

	defaultBaseImageAarch64 = "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-aarch64.iso"
	defaultBaseImageX8664   = "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-x86_64.iso"

	readyPollInterval = 2 * time.Second
	readyTimeout      = 120 * time.Second
)

// Backend manages one Lima VM instance per VPSBackendVM task.
type Backend struct {
	dataDir string
	logger  zerolog.Logger
}

// New builds a Backend rooted at dataDir. Each VM gets
// dataDir/vms/<instance> mounted writable into the guest; the VM's own
// disk images and sockets live in Lima's instance store.
func New(dataDir string, logger zerolog.Logger) *Backend {
	return &Backend{dataDir: dataDir, logger: logger.With().Str("component", "vmbackend").Logger()}
}

// InstanceName derives the Lima instance name for a VPS task. Exported so
// the runner can address a task's VM by ID alone after a restart.
func InstanceName(taskID int64) string {
	return fmt.Sprintf("river-vps-%d", taskID)
}

// Create provisions and starts a task's VM, waiting for the guest to
// report ready (lima's "phone home" signal) before returning. The task's
// VMBaseImage, VMDiskBytes and Resources drive the instance config; an
// empty VMBaseImage falls back to the architecture-appropriate Alpine
// cloud image.
func (b *Backend) Create(ctx context.Context, task *types.Task) error {
	name := InstanceName(task.ID)
	cfg := b.limaConfig(task)

	cfgYAML, err := limayaml.Marshal(&cfg, false)
	if err != nil {
		return fmt.Errorf("marshal lima config for task %d: %w", task.ID, err)
	}

	if _, err := instance.Create(ctx, name, cfgYAML, false); err != nil {
		return fmt.Errorf("create lima instance %s: %w", name, err)
	}

	inst, err := store.Inspect(name)
	if err != nil {
		return fmt.Errorf("inspect created instance %s: %w", name, err)
	}

	if err := instance.Start(ctx, inst, "", false); err != nil {
		return fmt.Errorf("start lima instance %s: %w", name, err)
	}

	return b.waitForReady(ctx, name)
}

func (b *Backend) limaConfig(task *types.Task) limayaml.LimaYAML {
	arch := limayaml.AARCH64
	baseImage := defaultBaseImageAarch64
	if runtime.GOARCH == "amd64" {
		arch = limayaml.X8664
		baseImage = defaultBaseImageX8664
	}
	if task.VMBaseImage != "" {
		baseImage = task.VMBaseImage
	}

	cpus := defaultCPUs
	if task.Resources.Cores > 0 {
		cpus = task.Resources.Cores
	}

	memory := defaultMemory
	if task.Resources.MemoryBytes != nil && *task.Resources.MemoryBytes > 0 {
		memory = fmt.Sprintf("%dB", *task.Resources.MemoryBytes)
	}

	disk := defaultDisk
	if task.VMDiskBytes > 0 {
		disk = fmt.Sprintf("%dB", task.VMDiskBytes)
	}

	sshLocal := 0
	if task.SSHPort != nil {
		sshLocal = *task.SSHPort
	}

	cfg := limayaml.LimaYAML{
		Arch:   &arch,
		CPUs:   &cpus,
		Memory: &memory,
		Disk:   &disk,
		Images: []limayaml.Image{{File: limayaml.File{Location: baseImage, Arch: arch}}},
		Mounts: []limayaml.Mount{
			{Location: filepath.Join(b.dataDir, "vms", InstanceName(task.ID)), Writable: ptrBool(true)},
		},
		Message: fmt.Sprintf("river VPS task %d", task.ID),
	}
	if sshLocal > 0 {
		cfg.SSH.LocalPort = &sshLocal
	}
	return cfg
}

// Stop stops a task's VM, trying a graceful shutdown before forcing.
func (b *Backend) Stop(ctx context.Context, taskID int64) error {
	name := InstanceName(taskID)
	inst, err := store.Inspect(name)
	if err != nil {
		return nil
	}

	if err := instance.StopGracefully(ctx, inst, false); err != nil {
		b.logger.Warn().Err(err).Int64("task_id", taskID).Msg("graceful VM stop failed, forcing")
		instance.StopForcibly(inst)
	}
	return nil
}

// Restart stops then starts a task's VM in place, used by the VPS
// restart control RPC (§6.1).
func (b *Backend) Restart(ctx context.Context, taskID int64) error {
	if err := b.Stop(ctx, taskID); err != nil {
		return err
	}

	name := InstanceName(taskID)
	inst, err := store.Inspect(name)
	if err != nil {
		return fmt.Errorf("inspect instance %s: %w", name, err)
	}
	if err := instance.Start(ctx, inst, "", false); err != nil {
		return fmt.Errorf("restart lima instance %s: %w", name, err)
	}
	return b.waitForReady(ctx, name)
}

// Delete stops and removes a task's VM and its backing disk entirely,
// used when a VPS task reaches a terminal state.
func (b *Backend) Delete(ctx context.Context, taskID int64) error {
	name := InstanceName(taskID)
	inst, err := store.Inspect(name)
	if err != nil {
		return nil
	}

	_ = b.Stop(ctx, taskID)

	if err := instance.Delete(ctx, inst); err != nil {
		return fmt.Errorf("delete lima instance %s: %w", name, err)
	}
	return nil
}

// IsRunning reports whether a task's VM is currently running.
func (b *Backend) IsRunning(taskID int64) bool {
	inst, err := store.Inspect(InstanceName(taskID))
	if err != nil {
		return false
	}
	return inst.Status == store.StatusRunning
}

func (b *Backend) waitForReady(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for VM %s to become ready", name)
		case <-ticker.C:
			inst, err := store.Inspect(name)
			if err != nil {
				b.logger.Debug().Err(err).Str("instance", name).Msg("inspecting VM while waiting for ready")
				continue
			}
			if inst.Status == store.StatusRunning {
				return nil
			}
		}
	}
}

func ptrBool(v bool) *bool { return &v }
