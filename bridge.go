package main

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Bridge is the per-account context object. One Bridge owns one API
// credential, one device store and one coordinator; running several
// accounts means running several bridges, nothing here is global.
type Bridge struct {
	Config      *Config
	Client      GatewayClient
	Store       *DeviceStore
	Coordinator *Coordinator
	Sender      *SendOrchestrator
	LogManager  *LogManager
	Metrics     *BridgeMetrics

	EventBus    *EventBusClient
	DB          *gorm.DB
	MongoClient *mongo.Client

	MsgRecordChan chan MsgRecord

	mediaHTTP *http.Client
}

// NewBridge assembles a bridge from config. Postgres, MongoDB, AMQP and
// Loki are all optional; the bridge degrades to in-memory operation when
// they are absent.
func NewBridge(cfg *Config, lm *LogManager) (*Bridge, error) {
	bridge := &Bridge{
		Config:        cfg,
		LogManager:    lm,
		Metrics:       &BridgeMetrics{},
		Store:         NewDeviceStore(),
		MsgRecordChan: make(chan MsgRecord, 128),
		mediaHTTP:     &http.Client{Timeout: 30 * time.Second},
	}

	bridge.Client = NewTextBeeClient(cfg.BaseURL, cfg.APIKey, cfg.HTTPTimeout)
	bridge.Coordinator = NewCoordinator(cfg, bridge.Client, bridge.Store, lm)
	bridge.Coordinator.bridge = bridge
	bridge.Sender = NewSendOrchestrator(cfg, bridge.Client, bridge.Store, lm)
	bridge.Sender.bridge = bridge

	if cfg.DatabaseDSN != "" {
		db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
		if err != nil {
			return nil, err
		}
		if err := db.AutoMigrate(&MsgRecordDBItem{}); err != nil {
			return nil, err
		}
		bridge.DB = db
	} else {
		lm.SendLog(lm.BuildLog("Startup", "No database configured, message log disabled", logrus.InfoLevel, nil))
	}

	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		cancel()
		if err != nil {
			return nil, err
		}
		bridge.MongoClient = mongoClient
	} else if cfg.MediaArchive {
		lm.SendLog(lm.BuildLog("Startup", "Media archive requested but MONGODB_URI unset", logrus.WarnLevel, nil))
	}

	if cfg.AMQPURL != "" {
		bridge.EventBus = NewEventBusClient(cfg.AMQPURL, lm)
	}

	return bridge, nil
}

// Start launches the background loops and, when a public URL is known,
// registers the webhook with TextBee.
func (bridge *Bridge) Start(ctx context.Context) {
	go bridge.Coordinator.Run(ctx)
	go bridge.processMsgRecords()
	go bridge.forwardChanges(ctx)

	if bridge.MongoClient != nil {
		go bridge.cleanUpExpiredMediaFiles(time.Hour)
	}

	if bridge.Config.PublicURL != "" {
		go bridge.registerWebhook(ctx)
	}
}

func (bridge *Bridge) registerWebhook(ctx context.Context) {
	callback := bridge.Config.PublicURL + "/webhook/textbee"
	callCtx, cancel := context.WithTimeout(ctx, bridge.Config.HTTPTimeout)
	defer cancel()

	err := bridge.Client.RegisterWebhook(callCtx, callback, bridge.Config.WebhookSecret)
	if err != nil {
		bridge.LogManager.SendLog(bridge.LogManager.BuildLog("Startup", "Webhook registration failed, falling back to polling only", logrus.WarnLevel, map[string]interface{}{
			"callback": callback,
		}, err))
		return
	}
	bridge.LogManager.SendLog(bridge.LogManager.BuildLog("Startup", "Webhook registered", logrus.InfoLevel, map[string]interface{}{
		"callback": callback,
	}))
}

// forwardChanges relays store change notifications onto the event bus for
// out-of-process observers.
func (bridge *Bridge) forwardChanges(ctx context.Context) {
	changes := bridge.Store.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			if bridge.EventBus == nil {
				continue
			}
			if err := bridge.EventBus.PublishDeviceChange(change); err != nil {
				bridge.LogManager.SendLog(bridge.LogManager.BuildLog("EventBus", "Device change publish failed", logrus.DebugLevel, map[string]interface{}{
					"device": change.DeviceID,
				}, err))
			}
		}
	}
}

// onInboundMessage fans one applied inbound event out to the message log,
// the media archive and the event bus.
func (bridge *Bridge) onInboundMessage(ev InboundMessageEvent) {
	bridge.recordMessageLog(MsgRecord{
		DeviceID:  ev.DeviceID,
		Direction: DirectionInbound,
		Peer:      ev.PeerNumber,
		Body:      ev.Text,
		MediaURLs: ev.MediaURLs,
		Timestamp: ev.Timestamp,
		LogID:     ev.MessageID,
	})

	if bridge.Config.MediaArchive && len(ev.MediaURLs) > 0 {
		go bridge.archiveInboundMedia(ev)
	}

	if bridge.EventBus != nil {
		if err := bridge.EventBus.PublishInbound(ev); err != nil {
			bridge.LogManager.SendLog(bridge.LogManager.BuildLog("EventBus", "Inbound publish failed", logrus.DebugLevel, map[string]interface{}{
				"device": ev.DeviceID,
			}, err))
		}
	}
}

// recordMessageLog pushes onto the record channel without ever blocking a
// message path on the database.
func (bridge *Bridge) recordMessageLog(record MsgRecord) {
	select {
	case bridge.MsgRecordChan <- record:
	default:
		bridge.LogManager.SendLog(bridge.LogManager.BuildLog("MsgRecords", "Record channel full, dropping entry", logrus.WarnLevel, map[string]interface{}{
			"device": record.DeviceID,
		}))
	}
}
