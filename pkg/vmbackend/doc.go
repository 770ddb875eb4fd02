/*
Package vmbackend is the VM hypervisor collaborator for VPSBackendVM
tasks, with VPS-specific fields: base image, disk size, assigned VM IP.

river's VPS tasks need an arbitrary number of independently-lifecycled
VMs, one per task, each booted from the task's own base image and disk
size rather than a single fixed shared image. Backend drives
instance.Create/instance.Start/instance.StopGracefully/
instance.StopForcibly and polls until StatusRunning for readiness, but
keys every operation by task ID (InstanceName) instead of a single
fixed instance name, and Delete removes the VM entirely once a VPS task
reaches a terminal state.

vmbackend carries no OS build constraint: lima-vm/lima supports Linux
hosts via QEMU, and river's runners are not assumed to be macOS-only.
*/
package vmbackend
