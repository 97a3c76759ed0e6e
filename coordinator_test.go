package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollDiscoversDevices(t *testing.T) {
	fake := &fakeGatewayClient{
		devices: []DevicePayload{
			{DeviceID: "a", Name: "Pixel", Status: DeviceStatusOnline, HasStatus: true},
			{DeviceID: "b", Status: DeviceStatusOffline, HasStatus: true},
		},
	}
	bridge := newTestBridge(t, fake)

	bridge.Coordinator.pollOnce(context.Background())

	require.True(t, bridge.Store.Known("a"))
	require.True(t, bridge.Store.Known("b"))

	a, _ := bridge.Store.Snapshot("a")
	assert.Equal(t, DeviceStatusOnline, a.Status)
	assert.Equal(t, LifecycleOnline, a.Lifecycle)
	assert.Equal(t, "Pixel", a.Name)

	b, _ := bridge.Store.Snapshot("b")
	assert.Equal(t, LifecycleOffline, b.Lifecycle)

	assert.False(t, bridge.Coordinator.LastSuccessfulPoll().IsZero())
}

func TestPollDrivenRemoval(t *testing.T) {
	fake := &fakeGatewayClient{
		devices: []DevicePayload{{DeviceID: "a"}, {DeviceID: "b"}},
	}
	bridge := newTestBridge(t, fake)
	co := bridge.Coordinator

	co.pollOnce(context.Background())
	require.True(t, bridge.Store.Known("b"))

	fake.mu.Lock()
	fake.devices = []DevicePayload{{DeviceID: "a"}}
	fake.mu.Unlock()
	co.pollOnce(context.Background())

	assert.True(t, bridge.Store.Known("a"))
	assert.False(t, bridge.Store.Known("b"))
	state, ok := bridge.Store.Snapshot("b")
	require.True(t, ok)
	assert.Equal(t, LifecycleRemoved, state.Lifecycle)
}

func TestPollFailureDoesNotRemove(t *testing.T) {
	fake := &fakeGatewayClient{devices: []DevicePayload{{DeviceID: "a"}}}
	bridge := newTestBridge(t, fake)
	co := bridge.Coordinator

	co.pollOnce(context.Background())
	require.True(t, bridge.Store.Known("a"))

	fake.mu.Lock()
	fake.listErr = transportErr()
	fake.mu.Unlock()
	co.pollOnce(context.Background())

	// only a successful full list may retire devices
	assert.True(t, bridge.Store.Known("a"))
}

func TestFlapTolerance(t *testing.T) {
	fake := &fakeGatewayClient{
		devices: []DevicePayload{{DeviceID: "a", Status: DeviceStatusOnline, HasStatus: true}},
	}
	bridge := newTestBridge(t, fake)
	co := bridge.Coordinator
	require.Equal(t, 3, co.cfg.FlapTolerance)

	co.pollOnce(context.Background())
	fake.mu.Lock()
	fake.listErr = transportErr()
	fake.mu.Unlock()

	// N-1 consecutive failures leave the status alone
	co.pollOnce(context.Background())
	co.pollOnce(context.Background())
	state, _ := bridge.Store.Snapshot("a")
	assert.Equal(t, DeviceStatusOnline, state.Status)

	// the Nth flips everything to unknown
	co.pollOnce(context.Background())
	state, _ = bridge.Store.Snapshot("a")
	assert.Equal(t, DeviceStatusUnknown, state.Status)
	assert.Equal(t, int64(3), bridge.Metrics.PollFailures.Load())
}

func TestFlapCounterResetsOnSuccess(t *testing.T) {
	fake := &fakeGatewayClient{
		devices: []DevicePayload{{DeviceID: "a", Status: DeviceStatusOnline, HasStatus: true}},
	}
	bridge := newTestBridge(t, fake)
	co := bridge.Coordinator

	co.pollOnce(context.Background())

	fake.mu.Lock()
	fake.listErr = transportErr()
	fake.mu.Unlock()
	co.pollOnce(context.Background())
	co.pollOnce(context.Background())

	fake.mu.Lock()
	fake.listErr = nil
	fake.mu.Unlock()
	co.pollOnce(context.Background())

	fake.mu.Lock()
	fake.listErr = transportErr()
	fake.mu.Unlock()
	co.pollOnce(context.Background())
	co.pollOnce(context.Background())

	// two fresh failures after a success: still under tolerance
	state, _ := bridge.Store.Snapshot("a")
	assert.Equal(t, DeviceStatusOnline, state.Status)
}

func TestAuthFailureFlag(t *testing.T) {
	fake := &fakeGatewayClient{listErr: &AuthError{Message: "invalid API key"}}
	bridge := newTestBridge(t, fake)
	co := bridge.Coordinator

	require.False(t, co.AuthFailed())
	co.pollOnce(context.Background())
	assert.True(t, co.AuthFailed())

	fake.mu.Lock()
	fake.listErr = nil
	fake.mu.Unlock()
	co.pollOnce(context.Background())
	assert.False(t, co.AuthFailed(), "flag clears on the next good poll")
}

func TestPollEnqueuesLatestReceivedMessage(t *testing.T) {
	now := time.Now().UTC()
	fake := &fakeGatewayClient{
		devices: []DevicePayload{{DeviceID: "a"}},
		received: map[string][]MessagePayload{
			"a": {{MessageID: "m1", Sender: "+15551111111", Text: "hello", ReceivedAt: now}},
		},
	}
	bridge := newTestBridge(t, fake)
	co := bridge.Coordinator

	co.pollOnce(context.Background())

	select {
	case ev := <-co.eventCh:
		inbound, ok := ev.(InboundMessageEvent)
		require.True(t, ok)
		assert.Equal(t, "m1", inbound.MessageID)
		assert.Equal(t, "poll", inbound.Source)
		assert.Equal(t, now, inbound.Timestamp)
	default:
		t.Fatal("expected an inbound event on the queue")
	}
}

func TestPollSkipsAlreadySeenMessage(t *testing.T) {
	now := time.Now().UTC()
	fake := &fakeGatewayClient{
		devices: []DevicePayload{{DeviceID: "a"}},
		received: map[string][]MessagePayload{
			"a": {{MessageID: "m1", Sender: "+15551111111", Text: "hello", ReceivedAt: now}},
		},
	}
	bridge := newTestBridge(t, fake)
	co := bridge.Coordinator

	// webhook already delivered m1
	bridge.Store.ApplyInbound(InboundMessageEvent{
		DeviceID: "a", MessageID: "m1", PeerNumber: "+15551111111", Text: "hello", Timestamp: now,
	})

	co.pollOnce(context.Background())

	select {
	case ev := <-co.eventCh:
		t.Fatalf("poll re-enqueued a seen message: %+v", ev)
	default:
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	fake := &fakeGatewayClient{}
	bridge := newTestBridge(t, fake)
	bridge.Config.EventQueueLen = 2
	co := NewCoordinator(bridge.Config, fake, bridge.Store, bridge.LogManager)
	co.bridge = bridge

	now := time.Now().UTC()
	for i, id := range []string{"m1", "m2", "m3"} {
		co.Enqueue(InboundMessageEvent{
			DeviceID:  "a",
			MessageID: id,
			Text:      "x",
			Timestamp: now.Add(time.Duration(i) * time.Second),
		})
	}

	var got []string
	for len(co.eventCh) > 0 {
		ev := <-co.eventCh
		got = append(got, ev.(InboundMessageEvent).MessageID)
	}
	assert.Equal(t, []string{"m2", "m3"}, got, "oldest event is dropped first")
	assert.Equal(t, int64(1), bridge.Metrics.QueueDrops.Load())
}

func TestApplyEventInbound(t *testing.T) {
	fake := &fakeGatewayClient{}
	bridge := newTestBridge(t, fake)
	co := bridge.Coordinator
	now := time.Now().UTC()

	co.applyEvent(InboundMessageEvent{
		DeviceID:   "a",
		MessageID:  "m1",
		PeerNumber: "+15551111111",
		Text:       "hello",
		Timestamp:  now,
		Source:     "webhook",
	})

	state, ok := bridge.Store.Snapshot("a")
	require.True(t, ok)
	assert.Equal(t, "hello", state.Inbound.Text)
	assert.Equal(t, int64(1), bridge.Metrics.MessagesReceived.Load())

	// the message log receives a record for the inbound message
	select {
	case rec := <-bridge.MsgRecordChan:
		assert.Equal(t, DirectionInbound, rec.Direction)
		assert.Equal(t, "hello", rec.Body)
	case <-time.After(time.Second):
		t.Fatal("no message record produced")
	}
}

func TestApplyEventStaleInboundIgnored(t *testing.T) {
	fake := &fakeGatewayClient{}
	bridge := newTestBridge(t, fake)
	co := bridge.Coordinator
	now := time.Now().UTC()

	co.applyEvent(InboundMessageEvent{DeviceID: "a", MessageID: "m2", Text: "newer", PeerNumber: "+1", Timestamp: now})
	co.applyEvent(InboundMessageEvent{DeviceID: "a", MessageID: "m1", Text: "older", PeerNumber: "+1", Timestamp: now.Add(-time.Minute)})

	state, _ := bridge.Store.Snapshot("a")
	assert.Equal(t, "newer", state.Inbound.Text)
	assert.Equal(t, int64(1), bridge.Metrics.MessagesReceived.Load())
}

func TestApplyEventStatus(t *testing.T) {
	fake := &fakeGatewayClient{}
	bridge := newTestBridge(t, fake)

	bridge.Coordinator.applyEvent(DeviceStatusEvent{
		DeviceID:   "a",
		Status:     DeviceStatusOnline,
		HasStatus:  true,
		SignalBars: 4,
		HasSignal:  true,
		Timestamp:  time.Now().UTC(),
		Source:     "webhook",
	})

	state, ok := bridge.Store.Snapshot("a")
	require.True(t, ok)
	assert.Equal(t, DeviceStatusOnline, state.Status)
	assert.Equal(t, 4, state.SignalBars)
}

func TestAutoReplyCooldown(t *testing.T) {
	fake := &fakeGatewayClient{}
	bridge := newTestBridge(t, fake)
	co := bridge.Coordinator

	bridge.Store.MergeDevicePayload(DevicePayload{DeviceID: "a"}, time.Now().UTC())
	bridge.Store.SetAutoReply("a", true, "I am away")

	co.maybeAutoReply("a", "+15551111111")
	co.maybeAutoReply("a", "+15551111111")

	calls := fake.calls()
	require.Len(t, calls, 1, "second message within cooldown gets no reply")
	assert.Equal(t, []string{"+15551111111"}, calls[0].Recipients)
	assert.Equal(t, "I am away", calls[0].Message)

	// a different sender is not throttled
	co.maybeAutoReply("a", "+15552222222")
	assert.Len(t, fake.calls(), 2)
}

func TestAutoReplyDisabledByDefault(t *testing.T) {
	fake := &fakeGatewayClient{}
	bridge := newTestBridge(t, fake)

	bridge.Store.MergeDevicePayload(DevicePayload{DeviceID: "a"}, time.Now().UTC())
	bridge.Coordinator.maybeAutoReply("a", "+15551111111")
	assert.Empty(t, fake.calls())
}
