package mock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/sessioncore/pkg/agentadapter"
	"github.com/relaycore/sessioncore/pkg/agentadapter/mock"
)

func TestMockRunner_ReplaysScriptInOrder(t *testing.T) {
	runner := mock.New(mock.TextScript([]string{"hello", "world"}, 0), false, 1024)

	handle, err := runner.Start(context.Background(), agentadapter.RunConfig{SessionID: "s1"})
	require.NoError(t, err)

	var got []agentadapter.Event
	for e := range handle.Events {
		got = append(got, e)
	}

	require.Len(t, got, 3)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, "world", got[1].Content)
	assert.Equal(t, agentadapter.EventComplete, got[2].Type)
}

func TestMockRunner_StopIsIdempotentAndTerminal(t *testing.T) {
	// A script that blocks forever (Step large, many events) so Stop has
	// to intervene rather than the script completing on its own.
	blocked := func(cfg agentadapter.RunConfig) mock.Script {
		return mock.Script{
			Events: []agentadapter.Event{{Type: agentadapter.EventText, Content: "working"}},
			Step:   time.Hour,
		}
	}
	runner := mock.New(blocked, false, 1024)

	handle, err := runner.Start(context.Background(), agentadapter.RunConfig{SessionID: "s1"})
	require.NoError(t, err)
	<-handle.Events // consume the one "working" text event

	require.NoError(t, runner.Stop(context.Background(), handle.AgentSessionID))
	require.NoError(t, runner.Stop(context.Background(), handle.AgentSessionID)) // idempotent

	select {
	case e, ok := <-handle.Events:
		require.True(t, ok)
		assert.Equal(t, agentadapter.EventComplete, e.Type)
		assert.Equal(t, 130, e.Summary.ExitCode)
	case <-time.After(time.Second):
		t.Fatal("expected a terminal complete event after Stop")
	}

	assert.False(t, runner.IsRunning(handle.AgentSessionID))
}

func TestMockRunner_SendMessageRequiresStreaming(t *testing.T) {
	runner := mock.New(mock.TextScript(nil, 0), false, 1024)
	err := runner.SendMessage(context.Background(), "whatever", "hi")
	assert.Error(t, err)
}

func TestMockRunner_SendMessageEchoesWhenStreaming(t *testing.T) {
	runner := mock.New(func(cfg agentadapter.RunConfig) mock.Script {
		return mock.Script{Step: time.Hour, Events: []agentadapter.Event{
			{Type: agentadapter.EventText, Content: "start"},
		}}
	}, true, 1024)

	handle, err := runner.Start(context.Background(), agentadapter.RunConfig{SessionID: "s1"})
	require.NoError(t, err)
	<-handle.Events

	require.NoError(t, runner.SendMessage(context.Background(), handle.AgentSessionID, "more context"))

	select {
	case e := <-handle.Events:
		assert.Contains(t, e.Content, "more context")
	case <-time.After(time.Second):
		t.Fatal("expected echoed message event")
	}
}
