/*
Package containerrt is the container-runtime collaborator: it turns a
river Task into a containerd container and back, as an external
interface river does not attempt to reimplement.

It drives client.NewContainer/NewTask/Kill/Delete, derives CPU-shares
and CFS-quota from a requested core count, and composes mounts (secrets
bind, declared bind mounts, resolv.conf override) from a Task's
ResourceRequest (cores, memory, NUMA node) and BindMount list. The
container ID is derived from the task ID so the runner can always
re-address a task's container after a restart without keeping a
separate ID table.
*/
package containerrt
