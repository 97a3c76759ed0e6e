package main

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Event is the closed union of things the webhook (or poll cycle) can tell
// us about a device. Exactly two kinds exist; the coordinator dispatches on
// the concrete type.
type Event interface {
	EventDeviceID() string
	EventTime() time.Time
}

// InboundMessageEvent is one received SMS/MMS on a gateway device.
type InboundMessageEvent struct {
	DeviceID   string
	MessageID  string
	PeerNumber string
	Text       string
	MediaURLs  []string
	Timestamp  time.Time

	// Source is "webhook" or "poll", for logging only.
	Source string
}

func (e InboundMessageEvent) EventDeviceID() string { return e.DeviceID }
func (e InboundMessageEvent) EventTime() time.Time  { return e.Timestamp }

// DeviceStatusEvent carries diagnostic fields for a device. Zero values
// mean "not present in the payload"; the store only overwrites fields the
// event actually carries.
type DeviceStatusEvent struct {
	DeviceID     string
	Status       string
	SignalBars   int
	SignalValue  float64
	BatteryLevel float64
	Registered   *bool
	Timestamp    time.Time

	HasSignal  bool
	HasBattery bool
	HasStatus  bool

	Source string
}

func (e DeviceStatusEvent) EventDeviceID() string { return e.DeviceID }
func (e DeviceStatusEvent) EventTime() time.Time  { return e.Timestamp }

// Alias lists mirror the field names TextBee has been observed to use.
// Parsing is additive: unknown fields are ignored, missing ones fall back
// through the alias chain.
var (
	deviceIDKeys   = []string{"deviceId", "device_id", "device", "gatewayId", "_id", "id"}
	senderKeys     = []string{"sender", "from", "senderNumber", "phoneNumber", "phone_number"}
	textKeys       = []string{"message", "body", "text", "content"}
	messageIDKeys  = []string{"_id", "id", "smsId", "messageId"}
	timestampKeys  = []string{"receivedAt", "createdAt", "sentAt", "timestamp", "updatedAt"}
	mediaKeys      = []string{"media_urls", "mediaUrls", "attachments", "media", "files", "images"}
	statusKeys     = []string{"status", "state"}
	signalBarsKeys = []string{"signalBars", "signal_bars"}
	signalValKeys  = []string{"signalStrength", "signal_strength", "signal", "signal_level"}
	batteryKeys    = []string{"batteryLevel", "battery", "battery_percentage", "batteryPct", "battery_percent"}
)

func pickString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case float64:
				// ids sometimes arrive numeric
				return strconv.FormatFloat(s, 'f', -1, 64)
			}
		}
	}
	return ""
}

func pickNumber(m map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func pickBool(m map[string]interface{}, key string) (bool, bool) {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}

func pickTime(m map[string]interface{}, keys ...string) time.Time {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
				if parsed, err := time.Parse(layout, t); err == nil {
					return parsed
				}
			}
		case float64:
			// epoch millis or seconds
			if t > 1e12 {
				return time.UnixMilli(int64(t))
			}
			if t > 1e9 {
				return time.Unix(int64(t), 0)
			}
		}
	}
	return time.Time{}
}

// pickMediaURLs flattens the many shapes media lists arrive in: a list of
// strings, a list of {url: ...} objects, or a comma/semicolon string.
func pickMediaURLs(m map[string]interface{}) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, key := range mediaKeys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case []interface{}:
			for _, item := range val {
				switch it := item.(type) {
				case string:
					add(it)
				case map[string]interface{}:
					if u, ok := it["url"].(string); ok {
						add(u)
					}
				}
			}
		case string:
			for _, part := range strings.Split(strings.ReplaceAll(val, ";", ","), ",") {
				add(part)
			}
		case map[string]interface{}:
			if u, ok := val["url"].(string); ok {
				add(u)
			}
		}
	}
	return out
}

// ParseWebhookPayload turns a raw push body into an Event. The payload may
// wrap the message under "data" (TextBee does) or be flat. Status pushes
// are recognized by carrying diagnostic fields and no message body.
func ParseWebhookPayload(body []byte) (Event, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &MalformedPayloadError{Reason: "invalid JSON"}
	}

	deviceID := pickString(payload, deviceIDKeys...)

	msg := payload
	if data, ok := payload["data"].(map[string]interface{}); ok {
		msg = data
		if deviceID == "" {
			deviceID = pickString(msg, deviceIDKeys...)
		}
	}

	if deviceID == "" {
		return nil, &MalformedPayloadError{Reason: "missing device id"}
	}

	ts := pickTime(msg, timestampKeys...)
	if ts.IsZero() {
		ts = pickTime(payload, timestampKeys...)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	eventType := pickString(payload, "event", "type", "eventType")

	text := pickString(msg, textKeys...)
	sender := pickString(msg, senderKeys...)

	if strings.Contains(strings.ToLower(eventType), "status") || (text == "" && sender == "" && hasAnyKey(msg, statusKeys, signalBarsKeys, signalValKeys, batteryKeys)) {
		ev := DeviceStatusEvent{
			DeviceID:  deviceID,
			Timestamp: ts,
			Source:    "webhook",
		}
		if s := pickString(msg, statusKeys...); s != "" {
			ev.Status = normalizeStatus(s)
			ev.HasStatus = true
		} else if online, ok := pickBool(msg, "online"); ok {
			ev.Status = statusFromOnline(online)
			ev.HasStatus = true
		}
		if bars, ok := pickNumber(msg, signalBarsKeys...); ok {
			ev.SignalBars = int(bars)
			ev.HasSignal = true
		} else if val, ok := pickNumber(msg, signalValKeys...); ok {
			ev.SignalValue = val
			ev.SignalBars = signalValueToBars(val)
			ev.HasSignal = true
		}
		if battery, ok := pickNumber(msg, batteryKeys...); ok {
			ev.BatteryLevel = battery
			ev.HasBattery = true
		}
		if reg, ok := pickBool(msg, "registered"); ok {
			ev.Registered = &reg
		}
		if !ev.HasStatus && !ev.HasSignal && !ev.HasBattery && ev.Registered == nil {
			return nil, &MalformedPayloadError{Reason: "status event carries no fields"}
		}
		return ev, nil
	}

	if sender == "" && text == "" {
		return nil, &MalformedPayloadError{Reason: "message event missing sender and text"}
	}

	return InboundMessageEvent{
		DeviceID:   deviceID,
		MessageID:  pickString(msg, messageIDKeys...),
		PeerNumber: sender,
		Text:       text,
		MediaURLs:  pickMediaURLs(msg),
		Timestamp:  ts,
		Source:     "webhook",
	}, nil
}

func hasAnyKey(m map[string]interface{}, keyLists ...[]string) bool {
	for _, keys := range keyLists {
		for _, k := range keys {
			if _, ok := m[k]; ok {
				return true
			}
		}
	}
	if _, ok := m["online"]; ok {
		return true
	}
	return false
}

// signalValueToBars maps a 0-100 signal strength onto 0-4 bars, the same
// buckets the TextBee dashboard uses.
func signalValueToBars(v float64) int {
	switch {
	case v <= 0:
		return 0
	case v < 25:
		return 1
	case v < 50:
		return 2
	case v < 75:
		return 3
	default:
		return 4
	}
}

func statusFromOnline(online bool) string {
	if online {
		return DeviceStatusOnline
	}
	return DeviceStatusOffline
}

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "connected", "active":
		return DeviceStatusOnline
	case "offline", "disconnected", "inactive":
		return DeviceStatusOffline
	case "error":
		return DeviceStatusError
	case "":
		return DeviceStatusUnknown
	default:
		return strings.ToLower(strings.TrimSpace(s))
	}
}
