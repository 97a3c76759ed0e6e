package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	DeviceStateQueue = "textbee_device_state"
	InboundSMSQueue  = "textbee_inbound_sms"

	busReconnectDelay = 5 * time.Second
	busReInitDelay    = 2 * time.Second
)

// EventBusClient publishes bridge notifications to RabbitMQ so platform
// consumers can react to device changes without polling this service. It
// reconnects on its own; publishing while disconnected drops the message.
type EventBusClient struct {
	mu              sync.Mutex
	queues          []string
	lm              *LogManager
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	isReady         bool
}

func NewEventBusClient(addr string, lm *LogManager) *EventBusClient {
	client := &EventBusClient{
		queues: []string{DeviceStateQueue, InboundSMSQueue},
		lm:     lm,
		done:   make(chan bool),
	}
	go client.handleReconnect(addr)
	return client
}

func (client *EventBusClient) handleReconnect(addr string) {
	for {
		client.mu.Lock()
		client.isReady = false
		client.mu.Unlock()

		conn, err := amqp.Dial(addr)
		if err != nil {
			client.lm.SendLog(client.lm.BuildLog("EventBus", "Connect failed, retrying", logrus.WarnLevel, nil, err))
			select {
			case <-client.done:
				return
			case <-time.After(busReconnectDelay):
			}
			continue
		}

		client.mu.Lock()
		client.connection = conn
		client.notifyConnClose = make(chan *amqp.Error, 1)
		conn.NotifyClose(client.notifyConnClose)
		client.mu.Unlock()

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

func (client *EventBusClient) handleReInit(conn *amqp.Connection) bool {
	for {
		if err := client.init(conn); err != nil {
			client.lm.SendLog(client.lm.BuildLog("EventBus", "Channel init failed, retrying", logrus.WarnLevel, nil, err))
			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				return false
			case <-time.After(busReInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			return false
		case <-client.notifyChanClose:
			// loop re-initializes the channel
		}
	}
}

func (client *EventBusClient) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	for _, queue := range client.queues {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", queue, err)
		}
	}

	client.mu.Lock()
	client.channel = ch
	client.notifyChanClose = make(chan *amqp.Error, 1)
	ch.NotifyClose(client.notifyChanClose)
	client.isReady = true
	client.mu.Unlock()
	return nil
}

// Close shuts the connection down cleanly.
func (client *EventBusClient) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.isReady {
		return fmt.Errorf("connection already closed")
	}
	close(client.done)
	if err := client.channel.Close(); err != nil {
		return err
	}
	if err := client.connection.Close(); err != nil {
		return err
	}
	client.isReady = false
	return nil
}

// publish sends one JSON message. Best-effort: when the bus is down the
// notification is dropped, observers catch up from the snapshot API.
func (client *EventBusClient) publish(queueName string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling bus payload: %w", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.isReady || client.channel == nil {
		return fmt.Errorf("event bus not connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return client.channel.PublishWithContext(
		ctx,
		"",
		queueName,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        data,
		},
	)
}

func (client *EventBusClient) PublishDeviceChange(change DeviceChange) error {
	return client.publish(DeviceStateQueue, change)
}

type inboundNotification struct {
	DeviceID   string    `json:"device_id"`
	PeerNumber string    `json:"peer_number"`
	Text       string    `json:"text"`
	MediaURLs  []string  `json:"media_urls,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
}

func (client *EventBusClient) PublishInbound(ev InboundMessageEvent) error {
	return client.publish(InboundSMSQueue, inboundNotification{
		DeviceID:   ev.DeviceID,
		PeerNumber: ev.PeerNumber,
		Text:       ev.Text,
		MediaURLs:  ev.MediaURLs,
		Timestamp:  ev.Timestamp,
		Source:     ev.Source,
	})
}
