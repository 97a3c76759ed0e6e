package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const pulseHold = 5 * time.Second
const autoReplyCooldown = time.Hour

// Coordinator owns the poll cycle and is the sole consumer of the webhook
// event queue. Both feed the device store; push events carry their own
// timestamps and win over concurrent poll data.
type Coordinator struct {
	cfg    *Config
	client GatewayClient
	store  *DeviceStore
	lm     *LogManager
	bridge *Bridge

	eventCh chan Event

	mu            sync.Mutex
	failCount     int
	authFailed    bool
	lastPollOK    time.Time
	autoReplyLast map[string]map[string]time.Time
}

func NewCoordinator(cfg *Config, client GatewayClient, store *DeviceStore, lm *LogManager) *Coordinator {
	queueLen := cfg.EventQueueLen
	if queueLen <= 0 {
		queueLen = 256
	}
	return &Coordinator{
		cfg:           cfg,
		client:        client,
		store:         store,
		lm:            lm,
		eventCh:       make(chan Event, queueLen),
		autoReplyLast: make(map[string]map[string]time.Time),
	}
}

// Enqueue hands an event to the coordinator without blocking. When the
// queue is full the oldest event is dropped so webhook acknowledgements
// never wait on a slow consumer. Returns false when something was dropped.
func (co *Coordinator) Enqueue(ev Event) bool {
	for {
		select {
		case co.eventCh <- ev:
			return true
		default:
		}
		select {
		case dropped := <-co.eventCh:
			co.lm.SendLog(co.lm.BuildLog("Coordinator", "Event queue full, dropping oldest", logrus.WarnLevel, map[string]interface{}{
				"droppedDevice": dropped.EventDeviceID(),
			}))
			if co.bridge != nil {
				co.bridge.Metrics.QueueDrops.Add(1)
			}
		default:
		}
	}
}

// Run starts the poll loop and the event drain. Both stop when ctx ends.
func (co *Coordinator) Run(ctx context.Context) {
	go co.drainEvents(ctx)

	co.pollOnce(ctx)
	ticker := time.NewTicker(co.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			co.pollOnce(ctx)
		}
	}
}

// drainEvents applies queued events one at a time; the single consumer
// guarantees no two events for the same device apply concurrently.
func (co *Coordinator) drainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-co.eventCh:
			co.applyEvent(ev)
		}
	}
}

func (co *Coordinator) applyEvent(ev Event) {
	switch e := ev.(type) {
	case InboundMessageEvent:
		_, applied := co.store.ApplyInbound(e)
		if !applied {
			co.lm.SendLog(co.lm.BuildLog("Coordinator", "Discarding stale inbound event", logrus.DebugLevel, map[string]interface{}{
				"device": e.DeviceID,
				"source": e.Source,
			}))
			return
		}
		if co.bridge != nil {
			co.bridge.Metrics.MessagesReceived.Add(1)
			co.bridge.onInboundMessage(e)
		}
		time.AfterFunc(pulseHold, func() { co.store.ClearPulse(e.DeviceID) })
		if e.PeerNumber != "" {
			go co.maybeAutoReply(e.DeviceID, e.PeerNumber)
		}
	case DeviceStatusEvent:
		co.store.ApplyStatus(e)
	default:
		co.lm.SendLog(co.lm.BuildLog("Coordinator", "Unknown event kind", logrus.WarnLevel, map[string]interface{}{
			"device": ev.EventDeviceID(),
		}))
	}
}

// pollOnce runs one full cycle: list devices, refresh per-device status and
// received messages, and reconcile removals. A failed cycle only flips
// statuses to unknown once the flap tolerance is exhausted.
func (co *Coordinator) pollOnce(ctx context.Context) {
	pollStart := time.Now().UTC()

	callCtx, cancel := context.WithTimeout(ctx, co.cfg.HTTPTimeout)
	devices, err := co.client.ListDevices(callCtx)
	cancel()
	if err != nil {
		co.handlePollFailure(err, pollStart)
		return
	}

	co.mu.Lock()
	co.failCount = 0
	co.authFailed = false
	co.lastPollOK = pollStart
	co.mu.Unlock()

	seen := make(map[string]bool, len(devices))
	for _, p := range devices {
		seen[p.DeviceID] = true
		co.store.MergeDevicePayload(p, pollStart)
		co.refreshDevice(ctx, p.DeviceID, pollStart)
	}

	// Poll-driven removal: only a successful full list may retire devices.
	for _, id := range co.store.KnownIDs() {
		if !seen[id] {
			co.lm.SendLog(co.lm.BuildLog("Coordinator", "Device removed from account", logrus.InfoLevel, map[string]interface{}{
				"device": id,
			}))
			co.store.MarkRemoved(id)
		}
	}
}

// refreshDevice pulls per-device status and the latest received message.
// Failures here are per-device: they set LastError but never touch other
// devices' state.
func (co *Coordinator) refreshDevice(ctx context.Context, deviceID string, pollStart time.Time) {
	callCtx, cancel := context.WithTimeout(ctx, co.cfg.HTTPTimeout)
	status, err := co.client.GetDeviceStatus(callCtx, deviceID)
	cancel()
	if err != nil {
		co.lm.SendLog(co.lm.BuildLog("Coordinator", "Device status fetch failed", logrus.WarnLevel, map[string]interface{}{
			"device": deviceID,
		}, err))
	} else {
		co.store.MergeDevicePayload(status, pollStart)
	}

	callCtx, cancel = context.WithTimeout(ctx, co.cfg.HTTPTimeout)
	messages, err := co.client.GetReceivedSMS(callCtx, deviceID)
	cancel()
	if err != nil {
		co.lm.SendLog(co.lm.BuildLog("Coordinator", "Received SMS fetch failed", logrus.WarnLevel, map[string]interface{}{
			"device": deviceID,
		}, err))
		return
	}
	if len(messages) == 0 {
		return
	}

	latest := messages[0]
	if latest.MessageID != "" && latest.MessageID == co.store.LastMessageSeen(deviceID) {
		return
	}

	ts := latest.ReceivedAt
	if ts.IsZero() {
		ts = pollStart
	}
	co.Enqueue(InboundMessageEvent{
		DeviceID:   deviceID,
		MessageID:  latest.MessageID,
		PeerNumber: latest.Sender,
		Text:       latest.Text,
		MediaURLs:  latest.MediaURLs,
		Timestamp:  ts,
		Source:     "poll",
	})
}

func (co *Coordinator) handlePollFailure(err error, pollStart time.Time) {
	co.mu.Lock()
	co.failCount++
	fails := co.failCount
	if isAuthError(err) {
		co.authFailed = true
	}
	co.mu.Unlock()

	if co.bridge != nil {
		co.bridge.Metrics.PollFailures.Add(1)
	}

	level := logrus.WarnLevel
	if isAuthError(err) {
		// Nothing transient about a bad credential; stays visible until
		// the key is reconfigured.
		level = logrus.ErrorLevel
	}
	co.lm.SendLog(co.lm.BuildLog("Coordinator", "Poll cycle failed", level, map[string]interface{}{
		"consecutiveFailures": fails,
		"flapTolerance":       co.cfg.FlapTolerance,
	}, err))

	if fails >= co.cfg.FlapTolerance {
		co.store.MarkAllUnknown(pollStart)
	}
}

// AuthFailed reports whether the last poll died on a credential error.
func (co *Coordinator) AuthFailed() bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.authFailed
}

// LastSuccessfulPoll returns the start time of the newest good cycle.
func (co *Coordinator) LastSuccessfulPoll() time.Time {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.lastPollOK
}

// maybeAutoReply answers an inbound message when the device has auto-reply
// enabled, at most once per sender per cooldown window.
func (co *Coordinator) maybeAutoReply(deviceID, sender string) {
	state, ok := co.store.Snapshot(deviceID)
	if !ok || !state.AutoReplyEnabled || state.AutoReplyMessage == "" {
		return
	}
	if co.bridge == nil || co.bridge.Sender == nil {
		return
	}

	now := time.Now()
	co.mu.Lock()
	perDevice := co.autoReplyLast[deviceID]
	if perDevice == nil {
		perDevice = make(map[string]time.Time)
		co.autoReplyLast[deviceID] = perDevice
	}
	if last, ok := perDevice[sender]; ok && now.Sub(last) < autoReplyCooldown {
		co.mu.Unlock()
		return
	}
	perDevice[sender] = now
	co.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*co.cfg.HTTPTimeout)
	defer cancel()

	outcome, err := co.bridge.Sender.Submit(ctx, SendInput{
		DeviceID:   deviceID,
		Recipients: sender,
		Message:    state.AutoReplyMessage,
	})
	if err != nil || outcome.Overall == OutcomeFailure {
		co.lm.SendLog(co.lm.BuildLog("Coordinator", "Auto-reply failed", logrus.WarnLevel, map[string]interface{}{
			"device": deviceID,
			"to":     sender,
		}, err))
		// allow a retry on the next message from this sender
		co.mu.Lock()
		delete(co.autoReplyLast[deviceID], sender)
		co.mu.Unlock()
	}
}
