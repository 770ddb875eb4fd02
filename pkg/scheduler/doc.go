/*
Package scheduler implements the Scheduler and Resource Accountant
(§4.3/§4.4).

Each pass lists PENDING tasks and online nodes, builds an accountant
from every non-terminal task's resource footprint, and for each task:

 1. Parses the task's target string (node[:numa_id][::gpu_spec], §4.3)
    if one was submitted.
 2. Filters nodes to those online, matching the target's node pin (if
    any), and with enough free cores/memory/GPUs/NUMA node to satisfy
    the request.
 3. Picks the candidate with the most free cores, breaking ties on
    hostname for determinism.
 4. If the task named a GPU count rather than explicit indices
    (GPUCount with no RequiredGPUs), resolves it to concrete free
    indices on the winning node and writes them into
    task.Resources.RequiredGPUs — the accountant and every downstream
    consumer (dispatch, the runner's backends) key exclusively off
    RequiredGPUs, so this must happen before Assign.
 5. Hands the task to the Status Authority's Assign, moving it to
    ASSIGNING.

The accountant is built once per pass from every non-terminal task's
resource footprint, then updated in place via Reserve as each task is
assigned: a task assigned earlier in the same pass is immediately
visible to the accounting for the next one, without re-querying the
store (whose fresh per-call decode wouldn't reflect an in-flight
assignment until the next scheduling tick anyway).
*/
package scheduler
