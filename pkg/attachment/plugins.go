package attachment

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// PluginSpec is one entry in the repository config's label→plugin routing
// table from spec §4.3: a label name mapped to an MCP server command.
type PluginSpec struct {
	Label    string
	Command  string
	Args     []string
	Inactive bool
}

// PluginRouter resolves the union of plugin paths for an issue's labels,
// case-insensitively, deduplicating and skipping inactive entries (spec
// §4.3). It additionally capability-probes each active plugin via
// mark3labs/mcp-go so callers can tell a configured-but-unreachable plugin
// apart from one that was never requested — grounded on goclaw's
// internal/mcp/manager.go connect-and-list-tools pattern.
type PluginRouter struct {
	specs []PluginSpec
}

// NewPluginRouter builds a router from the repository's label→plugin config.
func NewPluginRouter(specs []PluginSpec) *PluginRouter {
	return &PluginRouter{specs: specs}
}

// Resolve returns the deduplicated, sorted list of plugin commands whose
// label matches one of labels (case-insensitive), skipping Inactive specs.
func (r *PluginRouter) Resolve(labels []string) []PluginSpec {
	wanted := make(map[string]bool, len(labels))
	for _, l := range labels {
		wanted[strings.ToLower(l)] = true
	}

	seen := make(map[string]bool)
	var out []PluginSpec
	for _, spec := range r.specs {
		if spec.Inactive {
			continue
		}
		if !wanted[strings.ToLower(spec.Label)] {
			continue
		}
		key := spec.Command + "|" + strings.Join(spec.Args, " ")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// ProbeResult is the outcome of capability-probing one plugin.
type ProbeResult struct {
	Spec      PluginSpec
	Reachable bool
	ToolNames []string
	Err       error
}

// Probe connects to each resolved plugin over stdio and lists its tools,
// with a bounded timeout per plugin so one hung plugin process can't stall
// the others. Probe failures are non-fatal — callers fold them into warning
// activities per spec §4.2's "failures are non-fatal" rule.
func (r *PluginRouter) Probe(ctx context.Context, specs []PluginSpec, timeout time.Duration) []ProbeResult {
	results := make([]ProbeResult, 0, len(specs))
	for _, spec := range specs {
		results = append(results, r.probeOne(ctx, spec, timeout))
	}
	return results
}

func (r *PluginRouter) probeOne(ctx context.Context, spec PluginSpec, timeout time.Duration) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := client.NewStdioMCPClient(spec.Command, nil, spec.Args...)
	if err != nil {
		return ProbeResult{Spec: spec, Err: err}
	}
	defer c.Close()

	if _, err := c.Initialize(probeCtx, mcp.InitializeRequest{}); err != nil {
		return ProbeResult{Spec: spec, Err: err}
	}

	toolsResp, err := c.ListTools(probeCtx, mcp.ListToolsRequest{})
	if err != nil {
		return ProbeResult{Spec: spec, Err: err}
	}

	names := make([]string, 0, len(toolsResp.Tools))
	for _, t := range toolsResp.Tools {
		names = append(names, t.Name)
	}

	slog.Debug("plugin probed", "command", spec.Command, "tools", len(names))
	return ProbeResult{Spec: spec, Reachable: true, ToolNames: names}
}
