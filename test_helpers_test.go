package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

type sendCall struct {
	DeviceID   string
	Recipients []string
	Message    string
	MediaURLs  []string
}

// fakeGatewayClient scripts the remote API for coordinator and orchestrator
// tests.
type fakeGatewayClient struct {
	mu sync.Mutex

	devices  []DevicePayload
	received map[string][]MessagePayload

	listErr   error
	statusErr error

	sendResults []RecipientResult
	sendErrs    []error
	sendCalls   []sendCall

	webhookCalls int
}

func (f *fakeGatewayClient) ListDevices(ctx context.Context) ([]DevicePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]DevicePayload(nil), f.devices...), nil
}

func (f *fakeGatewayClient) GetDeviceStatus(ctx context.Context, deviceID string) (DevicePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return DevicePayload{}, f.statusErr
	}
	for _, d := range f.devices {
		if d.DeviceID == deviceID {
			return d, nil
		}
	}
	return DevicePayload{DeviceID: deviceID}, nil
}

func (f *fakeGatewayClient) GetReceivedSMS(ctx context.Context, deviceID string) ([]MessagePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MessagePayload(nil), f.received[deviceID]...), nil
}

func (f *fakeGatewayClient) SendMessage(ctx context.Context, deviceID string, recipients []string, message string, mediaURLs []string) ([]RecipientResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sendCalls = append(f.sendCalls, sendCall{
		DeviceID:   deviceID,
		Recipients: append([]string(nil), recipients...),
		Message:    message,
		MediaURLs:  append([]string(nil), mediaURLs...),
	})

	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	if f.sendResults != nil {
		return f.sendResults, nil
	}
	results := make([]RecipientResult, 0, len(recipients))
	for _, r := range recipients {
		results = append(results, RecipientResult{Recipient: r, Sent: true})
	}
	return results, nil
}

func (f *fakeGatewayClient) RegisterWebhook(ctx context.Context, callbackURL, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookCalls++
	return nil
}

func (f *fakeGatewayClient) calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.sendCalls...)
}

func boolPtr(b bool) *bool { return &b }

func transportErr() error {
	return &TransportError{Op: "POST /send-sms", Err: errors.New("connection reset")}
}

func newTestBridge(t *testing.T, client GatewayClient) *Bridge {
	t.Helper()

	cfg := &Config{
		BaseURL:       DefaultBaseURL,
		WebListen:     "127.0.0.1:0",
		PollInterval:  time.Second,
		FlapTolerance: 3,
		HTTPTimeout:   time.Second,
		EventQueueLen: 16,
	}
	lm := NewLogManager(cfg)

	bridge := &Bridge{
		Config:        cfg,
		Client:        client,
		LogManager:    lm,
		Metrics:       &BridgeMetrics{},
		Store:         NewDeviceStore(),
		MsgRecordChan: make(chan MsgRecord, 64),
		mediaHTTP:     &http.Client{Timeout: time.Second},
	}
	bridge.Coordinator = NewCoordinator(cfg, client, bridge.Store, lm)
	bridge.Coordinator.bridge = bridge
	bridge.Sender = NewSendOrchestrator(cfg, client, bridge.Store, lm)
	bridge.Sender.bridge = bridge
	return bridge
}
