package attachment_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/sessioncore/pkg/attachment"
)

func TestPluginRouter_Resolve_CaseInsensitiveDedupedSkipsInactive(t *testing.T) {
	router := attachment.NewPluginRouter([]attachment.PluginSpec{
		{Label: "Infra", Command: "infra-plugin"},
		{Label: "infra", Command: "infra-plugin"}, // duplicate, same command
		{Label: "bug", Command: "bug-plugin", Inactive: true},
		{Label: "docs", Command: "docs-plugin"},
	})

	got := router.Resolve([]string{"INFRA", "bug"})

	require.Len(t, got, 1)
	assert.Equal(t, "infra-plugin", got[0].Command)
}

func TestPluginRouter_Resolve_NoMatchingLabels(t *testing.T) {
	router := attachment.NewPluginRouter([]attachment.PluginSpec{
		{Label: "infra", Command: "infra-plugin"},
	})

	assert.Empty(t, router.Resolve([]string{"docs"}))
}

func TestPluginRouter_Probe_UnreachableCommandReportsErr(t *testing.T) {
	router := attachment.NewPluginRouter(nil)
	specs := []attachment.PluginSpec{{Label: "infra", Command: "/nonexistent/mcp-plugin-binary"}}

	results := router.Probe(context.Background(), specs, time.Second)

	require.Len(t, results, 1)
	assert.False(t, results[0].Reachable)
	assert.Error(t, results[0].Err)
}
