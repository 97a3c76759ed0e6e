package main

import (
	"sync"
	"time"
)

// Device status values as exposed to entity adapters.
const (
	DeviceStatusOnline  = "online"
	DeviceStatusOffline = "offline"
	DeviceStatusUnknown = "unknown"
	DeviceStatusError   = "error"
)

// Lifecycle states for a device within this bridge instance.
const (
	LifecycleDiscovered = "discovered"
	LifecycleOnline     = "online"
	LifecycleOffline    = "offline"
	LifecycleRemoved    = "removed"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// MessageRecord is the single retained "last message" per direction.
type MessageRecord struct {
	Direction  string    `json:"direction"`
	PeerNumber string    `json:"peer_number"`
	Text       string    `json:"text"`
	MediaURLs  []string  `json:"media_urls,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeviceState is the authoritative record for one gateway device. A device
// always carries exactly one inbound and one outbound record slot; the
// slots are overwritten in place, never multiplied.
type DeviceState struct {
	DeviceID     string                 `json:"device_id"`
	Name         string                 `json:"name,omitempty"`
	PhoneNumber  string                 `json:"phone_number,omitempty"`
	Manufacturer string                 `json:"manufacturer,omitempty"`
	Model        string                 `json:"model,omitempty"`
	Status       string                 `json:"status"`
	SignalBars   int                    `json:"signal_bars"`
	SignalValue  float64                `json:"signal_value,omitempty"`
	BatteryLevel float64                `json:"battery_level"`
	Registered   bool                   `json:"registered"`
	RegisteredAt string                 `json:"registered_at,omitempty"`
	LastSeenAt   time.Time              `json:"last_seen_at,omitempty"`
	Lifecycle    string                 `json:"lifecycle"`
	LastError    string                 `json:"last_error,omitempty"`
	Raw          map[string]interface{} `json:"raw,omitempty"`

	Inbound  MessageRecord `json:"inbound"`
	Outbound MessageRecord `json:"outbound"`

	SentCount       int  `json:"sent_count"`
	ReceivedCount   int  `json:"received_count"`
	NewMessagePulse bool `json:"new_message_pulse"`

	AutoReplyEnabled bool   `json:"auto_reply_enabled"`
	AutoReplyMessage string `json:"auto_reply_message,omitempty"`

	LastMessageID string `json:"-"`

	// stamps tracks the event time of the newest write per field so that a
	// stale poll cannot clobber fresher push data. Not part of snapshots.
	stamps map[string]time.Time
}

// DeviceChange is published to subscribers whenever observable fields of a
// device change value.
type DeviceChange struct {
	DeviceID string      `json:"device_id"`
	Fields   []string    `json:"fields"`
	State    DeviceState `json:"state"`
}

// DeviceStore holds every device known to one account. It is mutated only
// by the coordinator and the send orchestrator; readers get copies.
type DeviceStore struct {
	mu      sync.RWMutex
	devices map[string]*DeviceState

	TotalSent     int
	TotalReceived int

	subMu sync.Mutex
	subs  []chan DeviceChange
}

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{
		devices: make(map[string]*DeviceState),
	}
}

// Subscribe returns a channel receiving change notifications. Delivery is
// best-effort: a slow subscriber misses updates instead of blocking writers.
func (store *DeviceStore) Subscribe() <-chan DeviceChange {
	ch := make(chan DeviceChange, 64)
	store.subMu.Lock()
	store.subs = append(store.subs, ch)
	store.subMu.Unlock()
	return ch
}

func (store *DeviceStore) publish(change DeviceChange) {
	store.subMu.Lock()
	defer store.subMu.Unlock()
	for _, ch := range store.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// ensureLocked returns the device, creating it in the discovered state on
// first mention. Caller holds the write lock.
func (store *DeviceStore) ensureLocked(deviceID string) (*DeviceState, bool) {
	state, ok := store.devices[deviceID]
	if !ok {
		state = &DeviceState{
			DeviceID:     deviceID,
			Status:       DeviceStatusUnknown,
			SignalBars:   -1,
			BatteryLevel: -1,
			Lifecycle:    LifecycleDiscovered,
			Inbound:      MessageRecord{Direction: DirectionInbound},
			Outbound:     MessageRecord{Direction: DirectionOutbound},
			stamps:       make(map[string]time.Time),
		}
		store.devices[deviceID] = state
	}
	return state, !ok
}

// setField applies a timestamped write. Returns true when the value
// actually changed (and was not older than the current one).
func setField(state *DeviceState, field string, ts time.Time, apply func() bool) bool {
	if cur, ok := state.stamps[field]; ok && ts.Before(cur) {
		return false
	}
	changed := apply()
	state.stamps[field] = ts
	return changed
}

// Snapshot returns a copy of one device, or false if unknown.
func (store *DeviceStore) Snapshot(deviceID string) (DeviceState, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	state, ok := store.devices[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	return copyState(state), true
}

// List returns copies of every device, removed ones included.
func (store *DeviceStore) List() []DeviceState {
	store.mu.RLock()
	defer store.mu.RUnlock()
	out := make([]DeviceState, 0, len(store.devices))
	for _, state := range store.devices {
		out = append(out, copyState(state))
	}
	return out
}

// Known reports whether the device id has been discovered and not removed.
func (store *DeviceStore) Known(deviceID string) bool {
	store.mu.RLock()
	defer store.mu.RUnlock()
	state, ok := store.devices[deviceID]
	return ok && state.Lifecycle != LifecycleRemoved
}

func (store *DeviceStore) KnownIDs() []string {
	store.mu.RLock()
	defer store.mu.RUnlock()
	ids := make([]string, 0, len(store.devices))
	for id, state := range store.devices {
		if state.Lifecycle != LifecycleRemoved {
			ids = append(ids, id)
		}
	}
	return ids
}

func copyState(state *DeviceState) DeviceState {
	cp := *state
	cp.stamps = nil
	if state.Inbound.MediaURLs != nil {
		cp.Inbound.MediaURLs = append([]string(nil), state.Inbound.MediaURLs...)
	}
	if state.Outbound.MediaURLs != nil {
		cp.Outbound.MediaURLs = append([]string(nil), state.Outbound.MediaURLs...)
	}
	if state.Raw != nil {
		raw := make(map[string]interface{}, len(state.Raw))
		for k, v := range state.Raw {
			raw[k] = v
		}
		cp.Raw = raw
	}
	return cp
}

// ApplyStatus merges a DeviceStatusEvent. Fields the event does not carry
// are untouched; fields older than the stored value are discarded.
func (store *DeviceStore) ApplyStatus(ev DeviceStatusEvent) DeviceChange {
	store.mu.Lock()
	state, created := store.ensureLocked(ev.DeviceID)

	var fields []string
	if created {
		fields = append(fields, "lifecycle")
	}

	if ev.HasStatus {
		if setField(state, "status", ev.Timestamp, func() bool {
			if state.Status == ev.Status {
				return false
			}
			state.Status = ev.Status
			return true
		}) {
			fields = append(fields, "status")
		}
		// lifecycle follows the stored status, so a stale event rejected
		// above cannot move the state machine either
		switch state.Status {
		case DeviceStatusOnline:
			state.Lifecycle = LifecycleOnline
		case DeviceStatusOffline:
			state.Lifecycle = LifecycleOffline
		}
	}
	if ev.HasSignal {
		if setField(state, "signal", ev.Timestamp, func() bool {
			changed := state.SignalBars != ev.SignalBars
			state.SignalBars = ev.SignalBars
			if ev.SignalValue != 0 {
				state.SignalValue = ev.SignalValue
			}
			return changed
		}) {
			fields = append(fields, "signal_bars")
		}
	}
	if ev.HasBattery {
		if setField(state, "battery", ev.Timestamp, func() bool {
			changed := state.BatteryLevel != ev.BatteryLevel
			state.BatteryLevel = ev.BatteryLevel
			return changed
		}) {
			fields = append(fields, "battery_level")
		}
	}
	if ev.Registered != nil {
		if setField(state, "registered", ev.Timestamp, func() bool {
			changed := state.Registered != *ev.Registered
			state.Registered = *ev.Registered
			return changed
		}) {
			fields = append(fields, "registered")
		}
	}

	change := DeviceChange{DeviceID: ev.DeviceID, Fields: fields, State: copyState(state)}
	store.mu.Unlock()

	if len(fields) > 0 {
		store.publish(change)
	}
	return change
}

// ApplyInbound overwrites the inbound record slot and bumps counters. The
// slot is only replaced when the event is not older than the current one.
func (store *DeviceStore) ApplyInbound(ev InboundMessageEvent) (DeviceChange, bool) {
	store.mu.Lock()
	state, created := store.ensureLocked(ev.DeviceID)

	applied := setField(state, "inbound", ev.Timestamp, func() bool { return true })
	var fields []string
	if created {
		fields = append(fields, "lifecycle")
	}
	if applied {
		state.Inbound = MessageRecord{
			Direction:  DirectionInbound,
			PeerNumber: ev.PeerNumber,
			Text:       ev.Text,
			MediaURLs:  append([]string(nil), ev.MediaURLs...),
			Timestamp:  ev.Timestamp,
		}
		if ev.MessageID != "" {
			state.LastMessageID = ev.MessageID
		}
		state.ReceivedCount++
		store.TotalReceived++
		state.NewMessagePulse = true
		state.LastError = ""
		setField(state, "last_seen", ev.Timestamp, func() bool {
			state.LastSeenAt = ev.Timestamp
			return true
		})
		fields = append(fields, "last_incoming_number", "last_incoming_text", "received_count", "new_message_pulse")
	}

	change := DeviceChange{DeviceID: ev.DeviceID, Fields: fields, State: copyState(state)}
	store.mu.Unlock()

	if len(fields) > 0 {
		store.publish(change)
	}
	return change, applied
}

// ApplyOutbound records a successful send in the outbound slot.
func (store *DeviceStore) ApplyOutbound(deviceID string, rec MessageRecord) DeviceChange {
	store.mu.Lock()
	state, _ := store.ensureLocked(deviceID)

	setField(state, "outbound", rec.Timestamp, func() bool { return true })
	state.Outbound = rec
	state.SentCount++
	store.TotalSent++

	fields := []string{"last_outgoing_number", "last_outgoing_text", "sent_count"}
	change := DeviceChange{DeviceID: deviceID, Fields: fields, State: copyState(state)}
	store.mu.Unlock()

	store.publish(change)
	return change
}

// MergeDevicePayload folds one device entry from a poll cycle in. Poll data
// is stamped with the poll start time so concurrent push events win.
func (store *DeviceStore) MergeDevicePayload(p DevicePayload, pollStart time.Time) DeviceChange {
	store.mu.Lock()
	state, created := store.ensureLocked(p.DeviceID)

	var fields []string
	if created {
		fields = append(fields, "lifecycle")
	}
	if state.Lifecycle == LifecycleRemoved {
		// device re-appeared in the account list
		state.Lifecycle = LifecycleDiscovered
		fields = append(fields, "lifecycle")
	}

	if p.Name != "" {
		state.Name = p.Name
	}
	if p.PhoneNumber != "" {
		state.PhoneNumber = p.PhoneNumber
	}
	if p.Manufacturer != "" {
		state.Manufacturer = p.Manufacturer
	}
	if p.Model != "" {
		state.Model = p.Model
	}
	if p.Raw != nil {
		state.Raw = p.Raw
	}
	if p.RegisteredAt != "" {
		state.RegisteredAt = p.RegisteredAt
	}

	if p.HasStatus {
		if setField(state, "status", pollStart, func() bool {
			if state.Status == p.Status {
				return false
			}
			state.Status = p.Status
			return true
		}) {
			fields = append(fields, "status")
		}
		switch state.Status {
		case DeviceStatusOnline:
			state.Lifecycle = LifecycleOnline
		case DeviceStatusOffline:
			state.Lifecycle = LifecycleOffline
		}
	}
	if p.HasSignal {
		if setField(state, "signal", pollStart, func() bool {
			changed := state.SignalBars != p.SignalBars
			state.SignalBars = p.SignalBars
			if p.SignalValue != 0 {
				state.SignalValue = p.SignalValue
			}
			return changed
		}) {
			fields = append(fields, "signal_bars")
		}
	}
	if p.HasBattery {
		if setField(state, "battery", pollStart, func() bool {
			changed := state.BatteryLevel != p.BatteryLevel
			state.BatteryLevel = p.BatteryLevel
			return changed
		}) {
			fields = append(fields, "battery_level")
		}
	}
	if p.Registered != nil {
		if setField(state, "registered", pollStart, func() bool {
			changed := state.Registered != *p.Registered
			state.Registered = *p.Registered
			return changed
		}) {
			fields = append(fields, "registered")
		}
	}

	change := DeviceChange{DeviceID: p.DeviceID, Fields: fields, State: copyState(state)}
	store.mu.Unlock()

	if len(fields) > 0 {
		store.publish(change)
	}
	return change
}

// MarkRemoved transitions a device out of the account. Message records are
// retained until restart; entity adapters see the removed lifecycle and
// mark their entities unavailable.
func (store *DeviceStore) MarkRemoved(deviceID string) {
	store.mu.Lock()
	state, ok := store.devices[deviceID]
	if !ok || state.Lifecycle == LifecycleRemoved {
		store.mu.Unlock()
		return
	}
	state.Lifecycle = LifecycleRemoved
	change := DeviceChange{DeviceID: deviceID, Fields: []string{"lifecycle"}, State: copyState(state)}
	store.mu.Unlock()

	store.publish(change)
}

// MarkAllUnknown flips every non-removed device's status to unknown. Used
// after the poll flap tolerance is exhausted.
func (store *DeviceStore) MarkAllUnknown(ts time.Time) []DeviceChange {
	store.mu.Lock()
	var changes []DeviceChange
	for _, state := range store.devices {
		if state.Lifecycle == LifecycleRemoved || state.Status == DeviceStatusUnknown {
			continue
		}
		state.Status = DeviceStatusUnknown
		state.stamps["status"] = ts
		changes = append(changes, DeviceChange{
			DeviceID: state.DeviceID,
			Fields:   []string{"status"},
			State:    copyState(state),
		})
	}
	store.mu.Unlock()

	for _, change := range changes {
		store.publish(change)
	}
	return changes
}

// ClearPulse resets the new-message pulse flag after its hold time.
func (store *DeviceStore) ClearPulse(deviceID string) {
	store.mu.Lock()
	state, ok := store.devices[deviceID]
	if !ok || !state.NewMessagePulse {
		store.mu.Unlock()
		return
	}
	state.NewMessagePulse = false
	change := DeviceChange{DeviceID: deviceID, Fields: []string{"new_message_pulse"}, State: copyState(state)}
	store.mu.Unlock()

	store.publish(change)
}

// SetAutoReply updates the per-device auto-reply configuration.
func (store *DeviceStore) SetAutoReply(deviceID string, enabled bool, message string) bool {
	store.mu.Lock()
	state, ok := store.devices[deviceID]
	if !ok {
		store.mu.Unlock()
		return false
	}
	state.AutoReplyEnabled = enabled
	if message != "" {
		state.AutoReplyMessage = message
	}
	store.mu.Unlock()
	return true
}

// LastMessageSeen reports the newest inbound message id, used by the poll
// cycle to avoid re-applying a message the webhook already delivered.
func (store *DeviceStore) LastMessageSeen(deviceID string) string {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if state, ok := store.devices[deviceID]; ok {
		return state.LastMessageID
	}
	return ""
}

// Totals returns the account-level counters.
func (store *DeviceStore) Totals() (sent, received int) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.TotalSent, store.TotalReceived
}
