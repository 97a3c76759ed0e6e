package main

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
)

// SendInput is the raw action payload. Recipients and MediaURLs accept a
// string (comma or semicolon separated) or a JSON list, matching what
// automation callers actually send.
type SendInput struct {
	DeviceID   string      `json:"device_id"`
	Recipients interface{} `json:"recipients"`
	Message    string      `json:"message"`
	MediaURLs  interface{} `json:"media_urls,omitempty"`
}

// DeliveryResult is the per-recipient outcome.
type DeliveryResult struct {
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}

// SendOutcome aggregates one submit. Partial means the remote reported
// mixed per-recipient results on the bulk call.
type SendOutcome struct {
	Overall      string                    `json:"overall"`
	PerRecipient map[string]DeliveryResult `json:"per_recipient"`
	LogID        string                    `json:"log_id"`
}

// SendRequest is the validated, immutable outbound instruction.
type SendRequest struct {
	DeviceID   string
	Recipients []string
	Message    string
	MediaURLs  []string
	LogID      string
}

// SendOrchestrator validates and dispatches outbound sends. It mutates only
// the outgoing record slot, and only after an at-least-partial success, so
// sensors never claim a message went out when it did not.
type SendOrchestrator struct {
	cfg    *Config
	client GatewayClient
	store  *DeviceStore
	lm     *LogManager
	bridge *Bridge
}

func NewSendOrchestrator(cfg *Config, client GatewayClient, store *DeviceStore, lm *LogManager) *SendOrchestrator {
	return &SendOrchestrator{
		cfg:    cfg,
		client: client,
		store:  store,
		lm:     lm,
	}
}

// normalizeToList accepts a string or list and yields trimmed, non-empty
// entries. Comma and semicolon both act as separators in string form.
func normalizeToList(value interface{}) []string {
	var parts []string
	switch v := value.(type) {
	case nil:
	case string:
		for _, p := range strings.Split(strings.ReplaceAll(v, ";", ","), ",") {
			parts = append(parts, p)
		}
	case []string:
		parts = v
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// validate builds the immutable SendRequest, failing fast before any
// network call.
func (so *SendOrchestrator) validate(input SendInput) (*SendRequest, error) {
	recipients := dedupe(normalizeToList(input.Recipients))
	if len(recipients) == 0 {
		return nil, &ValidationError{Reason: "no recipients"}
	}

	mediaURLs := normalizeToList(input.MediaURLs)
	if strings.TrimSpace(input.Message) == "" && len(mediaURLs) == 0 {
		return nil, &ValidationError{Reason: "empty message"}
	}

	// Local fail-fast only; a race with device removal still surfaces at
	// dispatch as a remote error.
	if !so.store.Known(input.DeviceID) {
		return nil, &ValidationError{Reason: "unknown device"}
	}

	return &SendRequest{
		DeviceID:   input.DeviceID,
		Recipients: recipients,
		Message:    input.Message,
		MediaURLs:  mediaURLs,
		LogID:      uuid.NewString(),
	}, nil
}

// Submit validates and dispatches one send. ValidationError is returned as
// the error; transport and remote failures come back inside the outcome.
func (so *SendOrchestrator) Submit(ctx context.Context, input SendInput) (*SendOutcome, error) {
	req, err := so.validate(input)
	if err != nil {
		return nil, err
	}

	results, sendErr := so.dispatch(ctx, req)
	outcome := &SendOutcome{
		PerRecipient: make(map[string]DeliveryResult, len(req.Recipients)),
		LogID:        req.LogID,
	}

	if sendErr != nil {
		for _, r := range req.Recipients {
			outcome.PerRecipient[r] = DeliveryResult{Sent: false, Error: sendErr.Error()}
		}
		outcome.Overall = OutcomeFailure
		so.lm.SendLog(so.lm.BuildLog("SendOrchestrator", "Send failed", logrus.ErrorLevel, map[string]interface{}{
			"logID":  req.LogID,
			"device": req.DeviceID,
		}, sendErr))
		return outcome, nil
	}

	sent, failed := 0, 0
	for _, res := range results {
		outcome.PerRecipient[res.Recipient] = DeliveryResult{Sent: res.Sent, Error: res.Error}
		if res.Sent {
			sent++
		} else {
			failed++
		}
	}
	switch {
	case failed == 0:
		outcome.Overall = OutcomeSuccess
	case sent == 0:
		outcome.Overall = OutcomeFailure
	default:
		outcome.Overall = OutcomePartial
	}

	if outcome.Overall != OutcomeFailure {
		so.recordOutgoing(req)
	}
	return outcome, nil
}

// dispatch issues the bulk send, retrying exactly once and only for
// transport errors. Auth and remote rejections are not transient.
func (so *SendOrchestrator) dispatch(ctx context.Context, req *SendRequest) ([]RecipientResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, so.cfg.HTTPTimeout)
	results, err := so.client.SendMessage(callCtx, req.DeviceID, req.Recipients, req.Message, req.MediaURLs)
	cancel()
	if err == nil {
		return results, nil
	}
	if !isTransportError(err) {
		return nil, err
	}

	so.lm.SendLog(so.lm.BuildLog("SendOrchestrator", "Transport error, retrying once", logrus.WarnLevel, map[string]interface{}{
		"logID":  req.LogID,
		"device": req.DeviceID,
	}, err))
	if so.bridge != nil {
		so.bridge.Metrics.SendRetries.Add(1)
	}

	callCtx, cancel = context.WithTimeout(ctx, so.cfg.HTTPTimeout)
	results, err = so.client.SendMessage(callCtx, req.DeviceID, req.Recipients, req.Message, req.MediaURLs)
	cancel()
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (so *SendOrchestrator) recordOutgoing(req *SendRequest) {
	now := time.Now().UTC()
	so.store.ApplyOutbound(req.DeviceID, MessageRecord{
		Direction:  DirectionOutbound,
		PeerNumber: strings.Join(req.Recipients, ", "),
		Text:       req.Message,
		MediaURLs:  append([]string(nil), req.MediaURLs...),
		Timestamp:  now,
	})

	if so.bridge != nil {
		so.bridge.Metrics.MessagesSent.Add(1)
		so.bridge.recordMessageLog(MsgRecord{
			DeviceID:  req.DeviceID,
			Direction: DirectionOutbound,
			Peer:      strings.Join(req.Recipients, ","),
			Body:      req.Message,
			MediaURLs: req.MediaURLs,
			Timestamp: now,
			LogID:     req.LogID,
		})
	}
}
