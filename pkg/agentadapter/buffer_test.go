package agentadapter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/sessioncore/pkg/agentadapter"
)

func drain(t *testing.T, ch <-chan agentadapter.Event, n int) []agentadapter.Event {
	t.Helper()
	var out []agentadapter.Event
	for i := 0; i < n; i++ {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	return out
}

func TestEventBuffer_PreservesOrder(t *testing.T) {
	b := agentadapter.NewEventBuffer(8, nil, nil)
	out := b.Out()
	for i := 0; i < 5; i++ {
		b.Push(agentadapter.Event{Type: agentadapter.EventText, Content: string(rune('a' + i))})
	}
	b.Close()

	got := drain(t, out, 5)
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, string(rune('a'+i)), e.Content)
	}
}

func TestEventBuffer_ClosesChannelAfterDrain(t *testing.T) {
	b := agentadapter.NewEventBuffer(8, nil, nil)
	out := b.Out()
	b.Push(agentadapter.Event{Type: agentadapter.EventText, Content: "x"})
	b.Close()

	<-out
	_, ok := <-out
	assert.False(t, ok)
}

func TestEventBuffer_OverflowDropsOldestNonTool(t *testing.T) {
	var dropped []agentadapter.Event
	b := agentadapter.NewEventBuffer(2, func(e agentadapter.Event) {
		dropped = append(dropped, e)
	}, nil)

	// Fill beyond watermark before ever reading, so drops happen
	// synchronously inside Push rather than racing the pump goroutine.
	b.Push(agentadapter.Event{Type: agentadapter.EventText, Content: "first"})
	b.Push(agentadapter.Event{Type: agentadapter.EventToolUse, Tool: "grep"})
	b.Push(agentadapter.Event{Type: agentadapter.EventText, Content: "third"})

	require.Len(t, dropped, 1)
	assert.Equal(t, "first", dropped[0].Content)

	out := b.Out()
	b.Close()
	got := drain(t, out, 2)
	require.Len(t, got, 2)
	assert.Equal(t, agentadapter.EventToolUse, got[0].Type)
	assert.Equal(t, "third", got[1].Content)
}

func TestEventBuffer_NeverDropsToolEvents(t *testing.T) {
	var dropCount int
	b := agentadapter.NewEventBuffer(1, func(agentadapter.Event) { dropCount++ }, nil)
	b.Push(agentadapter.Event{Type: agentadapter.EventToolUse, Tool: "a"})
	b.Push(agentadapter.Event{Type: agentadapter.EventToolUse, Tool: "b"})
	b.Push(agentadapter.Event{Type: agentadapter.EventToolUse, Tool: "c"})

	assert.Equal(t, 0, dropCount)

	out := b.Out()
	b.Close()
	got := drain(t, out, 3)
	require.Len(t, got, 3)
}

func TestEventBuffer_OnOverflowFiresOnce(t *testing.T) {
	var overflowCalls int
	b := agentadapter.NewEventBuffer(1, nil, func() { overflowCalls++ })
	b.Push(agentadapter.Event{Type: agentadapter.EventText, Content: "a"})
	b.Push(agentadapter.Event{Type: agentadapter.EventText, Content: "b"})
	b.Push(agentadapter.Event{Type: agentadapter.EventText, Content: "c"})

	assert.Equal(t, 1, overflowCalls)
	b.Close()
}
