package scheduler

import (
	"fmt"
	"strconv"
	"strings"
)

// Target is a parsed placement target string: node[:numa_id][::gpu_spec].
// Examples: "node-a", "node-a:0", "node-a::0,1", "node-a:0::0,1".
type Target struct {
	Node   string
	NumaID *int
	GPUs   []int
}

// ParseTarget parses a target string per §4.3's node[:numa_id][::gpu_spec]
// syntax. An empty target (no placement constraint) parses to a zero
// Target with an empty Node, meaning "any node".
func ParseTarget(raw string) (Target, error) {
	if raw == "" {
		return Target{}, nil
	}

	gpuPart := ""
	rest := raw
	if idx := strings.Index(raw, "::"); idx >= 0 {
		rest = raw[:idx]
		gpuPart = raw[idx+2:]
	}

	node := rest
	var numaID *int
	if idx := strings.Index(rest, ":"); idx >= 0 {
		node = rest[:idx]
		numaRaw := rest[idx+1:]
		n, err := strconv.Atoi(numaRaw)
		if err != nil {
			return Target{}, fmt.Errorf("scheduler: invalid numa id %q in target %q", numaRaw, raw)
		}
		numaID = &n
	}

	var gpus []int
	if gpuPart != "" {
		for _, tok := range strings.Split(gpuPart, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			g, err := strconv.Atoi(tok)
			if err != nil {
				return Target{}, fmt.Errorf("scheduler: invalid gpu index %q in target %q", tok, raw)
			}
			gpus = append(gpus, g)
		}
	}

	if node == "" {
		return Target{}, fmt.Errorf("scheduler: target %q has no node component", raw)
	}

	return Target{Node: node, NumaID: numaID, GPUs: gpus}, nil
}
