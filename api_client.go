package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// GatewayClient is the transport contract the coordinator and the send
// orchestrator depend on. TextBeeClient is the production implementation;
// tests substitute fakes.
type GatewayClient interface {
	ListDevices(ctx context.Context) ([]DevicePayload, error)
	GetDeviceStatus(ctx context.Context, deviceID string) (DevicePayload, error)
	GetReceivedSMS(ctx context.Context, deviceID string) ([]MessagePayload, error)
	SendMessage(ctx context.Context, deviceID string, recipients []string, message string, mediaURLs []string) ([]RecipientResult, error)
	RegisterWebhook(ctx context.Context, callbackURL, secret string) error
}

// DevicePayload is the partial device view the remote API returns. Has*
// flags distinguish "field absent" from zero values.
type DevicePayload struct {
	DeviceID     string
	Name         string
	PhoneNumber  string
	Manufacturer string
	Model        string
	Status       string
	SignalBars   int
	SignalValue  float64
	BatteryLevel float64
	Registered   *bool
	RegisteredAt string
	Raw          map[string]interface{}

	HasStatus  bool
	HasSignal  bool
	HasBattery bool
}

// MessagePayload is one received SMS as returned by the poll endpoint.
type MessagePayload struct {
	MessageID  string
	Sender     string
	Text       string
	MediaURLs  []string
	ReceivedAt time.Time
}

// RecipientResult is the per-recipient outcome of one send call.
type RecipientResult struct {
	Recipient string
	Sent      bool
	Error     string
}

// TextBeeClient is a stateless wrapper around the TextBee REST API. It
// performs no retries and holds no domain state; every call carries the
// configured timeout.
type TextBeeClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewTextBeeClient(baseURL, apiKey string, timeout time.Duration) *TextBeeClient {
	return &TextBeeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// request performs one API call and maps failures onto the error taxonomy:
// 401/403 -> AuthError, other >=400 -> RemoteError, anything at the network
// layer -> TransportError.
func (c *TextBeeClient) request(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s body: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read " + path, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Message: "invalid API key"}
	}
	if resp.StatusCode >= 400 {
		return nil, &RemoteError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// unwrapList tolerates the envelope drift TextBee exhibits: a bare list, or
// a list under "data" / "devices" / "messages" / "items".
func unwrapList(data []byte) []map[string]interface{} {
	var direct []map[string]interface{}
	if err := json.Unmarshal(data, &direct); err == nil {
		return direct
	}

	var wrapped map[string]interface{}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil
	}
	for _, key := range []string{"data", "devices", "messages", "items"} {
		if raw, ok := wrapped[key].([]interface{}); ok {
			out := make([]map[string]interface{}, 0, len(raw))
			for _, item := range raw {
				if m, ok := item.(map[string]interface{}); ok {
					out = append(out, m)
				}
			}
			return out
		}
	}
	return nil
}

func parseDevicePayload(m map[string]interface{}) (DevicePayload, bool) {
	id := pickString(m, deviceIDKeys...)
	if id == "" {
		return DevicePayload{}, false
	}

	p := DevicePayload{
		DeviceID:     id,
		Name:         pickString(m, "name", "label", "deviceName"),
		PhoneNumber:  pickString(m, "phoneNumber", "phone_number", "msisdn", "phone"),
		Manufacturer: pickString(m, "manufacturer", "brand", "oem"),
		Model:        pickString(m, "model", "deviceModel", "device_model"),
		RegisteredAt: pickString(m, "registeredAt", "createdAt", "lastSeen"),
		Raw:          m,
	}

	if s := pickString(m, statusKeys...); s != "" {
		p.Status = normalizeStatus(s)
		p.HasStatus = true
	} else if online, ok := pickBool(m, "online"); ok {
		p.Status = statusFromOnline(online)
		p.HasStatus = true
	}

	if bars, ok := pickNumber(m, signalBarsKeys...); ok {
		p.SignalBars = int(bars)
		p.HasSignal = true
	} else if val, ok := pickNumber(m, signalValKeys...); ok {
		p.SignalValue = val
		p.SignalBars = signalValueToBars(val)
		p.HasSignal = true
	}

	if battery, ok := pickNumber(m, batteryKeys...); ok {
		p.BatteryLevel = battery
		p.HasBattery = true
	}

	if reg, ok := pickBool(m, "registered"); ok {
		p.Registered = &reg
	} else if p.RegisteredAt != "" {
		t := true
		p.Registered = &t
	}

	return p, true
}

// ListDevices returns every gateway device under the account.
func (c *TextBeeClient) ListDevices(ctx context.Context) ([]DevicePayload, error) {
	data, err := c.request(ctx, http.MethodGet, "/gateway/devices", nil)
	if err != nil {
		return nil, err
	}

	var out []DevicePayload
	for _, m := range unwrapList(data) {
		if p, ok := parseDevicePayload(m); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetDeviceStatus fetches one device's current diagnostics.
func (c *TextBeeClient) GetDeviceStatus(ctx context.Context, deviceID string) (DevicePayload, error) {
	data, err := c.request(ctx, http.MethodGet, "/gateway/devices/"+deviceID, nil)
	if err != nil {
		return DevicePayload{}, err
	}

	var wrapped map[string]interface{}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return DevicePayload{}, &RemoteError{Status: http.StatusOK, Body: "unparseable device payload"}
	}
	if inner, ok := wrapped["data"].(map[string]interface{}); ok {
		wrapped = inner
	}
	p, ok := parseDevicePayload(wrapped)
	if !ok {
		p = DevicePayload{DeviceID: deviceID, Raw: wrapped}
	}
	return p, nil
}

// GetReceivedSMS fetches the device's received messages, newest first.
func (c *TextBeeClient) GetReceivedSMS(ctx context.Context, deviceID string) ([]MessagePayload, error) {
	data, err := c.request(ctx, http.MethodGet, "/gateway/devices/"+deviceID+"/get-received-sms", nil)
	if err != nil {
		return nil, err
	}

	var out []MessagePayload
	for _, m := range unwrapList(data) {
		out = append(out, MessagePayload{
			MessageID:  pickString(m, messageIDKeys...),
			Sender:     pickString(m, senderKeys...),
			Text:       pickString(m, textKeys...),
			MediaURLs:  pickMediaURLs(m),
			ReceivedAt: pickTime(m, timestampKeys...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

type sendSMSRequest struct {
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	MediaURLs  []string `json:"media_urls,omitempty"`
}

// SendMessage issues exactly one bulk send call. The endpoint accepts the
// full recipient list; per-recipient results are taken from the response
// when present, otherwise every recipient is reported sent.
func (c *TextBeeClient) SendMessage(ctx context.Context, deviceID string, recipients []string, message string, mediaURLs []string) ([]RecipientResult, error) {
	payload := sendSMSRequest{
		Recipients: recipients,
		Message:    message,
		MediaURLs:  mediaURLs,
	}

	data, err := c.request(ctx, http.MethodPost, "/gateway/devices/"+deviceID+"/send-sms", payload)
	if err != nil {
		return nil, err
	}

	results := parseRecipientResults(data, recipients)
	return results, nil
}

// parseRecipientResults digs per-recipient outcomes out of the send
// response. Responses carrying a results/recipients list get mapped
// per-entry; anything else counts the whole batch as sent.
func parseRecipientResults(data []byte, recipients []string) []RecipientResult {
	results := make([]RecipientResult, 0, len(recipients))

	var wrapped map[string]interface{}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		if inner, ok := wrapped["data"].(map[string]interface{}); ok {
			wrapped = inner
		}
		for _, key := range []string{"results", "recipients", "messages"} {
			raw, ok := wrapped[key].([]interface{})
			if !ok {
				continue
			}
			byRecipient := make(map[string]RecipientResult)
			for _, item := range raw {
				m, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				recipient := pickString(m, "recipient", "to", "number", "phoneNumber")
				status := strings.ToLower(pickString(m, "status", "state", "result"))
				sent := status == "" || status == "sent" || status == "success" || status == "ok" || status == "queued" || status == "pending" || status == "delivered"
				byRecipient[recipient] = RecipientResult{
					Recipient: recipient,
					Sent:      sent,
					Error:     pickString(m, "error", "errorMessage", "reason"),
				}
			}
			if len(byRecipient) > 0 {
				for _, r := range recipients {
					if res, ok := byRecipient[r]; ok {
						results = append(results, res)
					} else {
						results = append(results, RecipientResult{Recipient: r, Sent: true})
					}
				}
				return results
			}
		}
	}

	for _, r := range recipients {
		results = append(results, RecipientResult{Recipient: r, Sent: true})
	}
	return results
}

type registerWebhookRequest struct {
	DeliveryURL string   `json:"deliveryUrl"`
	SigningKey  string   `json:"signingSecret,omitempty"`
	Events      []string `json:"events,omitempty"`
}

// RegisterWebhook points the account's push notifications at callbackURL.
func (c *TextBeeClient) RegisterWebhook(ctx context.Context, callbackURL, secret string) error {
	payload := registerWebhookRequest{
		DeliveryURL: callbackURL,
		SigningKey:  secret,
		Events:      []string{"message.received", "device.status"},
	}
	_, err := c.request(ctx, http.MethodPost, "/gateway/webhooks", payload)
	return err
}

// Ping validates the credential by listing devices, mirroring the probe the
// dashboard does on setup.
func (c *TextBeeClient) Ping(ctx context.Context) error {
	_, err := c.ListDevices(ctx)
	return err
}
