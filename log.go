package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// LokiClient pushes log lines to a Grafana Loki instance.
type LokiClient struct {
	PushURL  string
	Username string
	Password string
	http     *http.Client
}

func NewLokiClient(pushURL, username, password string) *LokiClient {
	return &LokiClient{
		PushURL:  pushURL,
		Username: username,
		Password: password,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

type lokiPushData struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// PushLog sends a single line to Loki's push API.
func (c *LokiClient) PushLog(labels map[string]string, ts time.Time, line string) error {
	payload := lokiPushData{
		Streams: []lokiStream{{
			Stream: labels,
			Values: [][2]string{{strconv.FormatInt(ts.UnixNano(), 10), line}},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling loki payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.PushURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("error creating loki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Username != "" && c.Password != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request to loki: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected loki response status: %d", resp.StatusCode)
	}
	return nil
}

// LogEntry is one structured log line built via LogManager.BuildLog.
type LogEntry struct {
	Component string
	Message   string
	Level     logrus.Level
	Fields    map[string]interface{}
	Error     error
	Timestamp time.Time
}

// LogManager writes structured entries to logrus and, when configured,
// ships them to Loki in the background. SendLog never blocks the caller.
type LogManager struct {
	logger *logrus.Logger
	loki   *LokiClient
	ch     chan *LogEntry
}

func NewLogManager(cfg *Config) *LogManager {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.InfoLevel)

	lm := &LogManager{
		logger: logger,
		ch:     make(chan *LogEntry, 512),
	}
	if cfg != nil && cfg.LokiURL != "" {
		lm.loki = NewLokiClient(cfg.LokiURL, cfg.LokiUsername, cfg.LokiPassword)
	}

	go lm.run()
	return lm
}

func (lm *LogManager) BuildLog(component, message string, level logrus.Level, fields map[string]interface{}, errs ...error) *LogEntry {
	entry := &LogEntry{
		Component: component,
		Message:   message,
		Level:     level,
		Fields:    fields,
		Timestamp: time.Now(),
	}
	if len(errs) > 0 {
		entry.Error = errs[0]
	}
	return entry
}

// SendLog queues the entry for delivery. Entries are dropped rather than
// stalling callers when the channel is full.
func (lm *LogManager) SendLog(entry *LogEntry) {
	select {
	case lm.ch <- entry:
	default:
	}
}

func (lm *LogManager) run() {
	for entry := range lm.ch {
		fields := logrus.Fields{"component": entry.Component}
		for k, v := range entry.Fields {
			fields[k] = v
		}
		if entry.Error != nil {
			fields["error"] = entry.Error.Error()
		}
		lm.logger.WithFields(fields).Log(entry.Level, entry.Message)

		if lm.loki != nil {
			line := fmt.Sprintf("[%s] %s", entry.Component, entry.Message)
			if entry.Error != nil {
				line += " error=" + entry.Error.Error()
			}
			labels := map[string]string{
				"job":   "textbee-bridge",
				"level": entry.Level.String(),
			}
			if err := lm.loki.PushLog(labels, entry.Timestamp, line); err != nil {
				lm.logger.WithField("component", "LogManager").Warnf("loki push failed: %v", err)
			}
		}
	}
}
