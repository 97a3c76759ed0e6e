package main

import (
	"time"

	"github.com/sirupsen/logrus"
)

// MsgRecord is what the coordinator and orchestrator push onto the record
// channel after a message moves through the bridge.
type MsgRecord struct {
	DeviceID  string
	Direction string
	Peer      string
	Body      string
	MediaURLs []string
	Timestamp time.Time
	LogID     string
}

// MsgRecordDBItem is the durable row. The body is optionally redacted; the
// segment/encoding columns exist for billing reconciliation.
type MsgRecordDBItem struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	DeviceID          string    `gorm:"index;not null" json:"device_id"`
	Direction         string    `json:"direction"`
	Peer              string    `json:"peer"`
	Body              string    `json:"body"`
	Encoding          string    `json:"encoding,omitempty"`
	Segments          int       `json:"segments"`
	MediaCount        int       `json:"media_count,omitempty"`
	ReceivedTimestamp time.Time `gorm:"index" json:"received_timestamp"`
	LogID             string    `json:"log_id"`
}

// PartiallyRedactMessage keeps the first few characters for correlation and
// hides the rest.
func PartiallyRedactMessage(message string) string {
	if len(message) <= 10 {
		return "**********"
	}
	return message[:5] + "*****"
}

// processMsgRecords drains the record channel into Postgres. Runs only when
// a database is configured; insert failures are logged and skipped so the
// message path never stalls on the log store.
func (bridge *Bridge) processMsgRecords() {
	for record := range bridge.MsgRecordChan {
		if bridge.DB == nil {
			continue
		}
		if err := bridge.InsertMsgRecord(record); err != nil {
			bridge.LogManager.SendLog(bridge.LogManager.BuildLog("MsgRecords", "InsertError", logrus.ErrorLevel, map[string]interface{}{
				"logID":  record.LogID,
				"device": record.DeviceID,
			}, err))
			continue
		}
		bridge.LogManager.SendLog(bridge.LogManager.BuildLog("MsgRecords", "InsertSuccess", logrus.DebugLevel, map[string]interface{}{
			"logID":  record.LogID,
			"device": record.DeviceID,
		}))
	}
}

// InsertMsgRecord writes one record row.
func (bridge *Bridge) InsertMsgRecord(record MsgRecord) error {
	body := record.Body
	if bridge.Config.LogPrivacy {
		body = PartiallyRedactMessage(body)
	}

	item := &MsgRecordDBItem{
		DeviceID:          record.DeviceID,
		Direction:         record.Direction,
		Peer:              record.Peer,
		Body:              body,
		Encoding:          GetSMSEncoding(record.Body),
		Segments:          GetSMSSegmentCount(record.Body),
		MediaCount:        len(record.MediaURLs),
		ReceivedTimestamp: record.Timestamp,
		LogID:             record.LogID,
	}
	return bridge.DB.Create(item).Error
}

// GetUsageCount returns how many messages a device moved in a direction
// since the given time. Empty direction counts both.
func (bridge *Bridge) GetUsageCount(deviceID, direction string, since time.Time) (int64, error) {
	if bridge.DB == nil {
		return 0, nil
	}
	var count int64
	query := bridge.DB.Model(&MsgRecordDBItem{}).
		Where("device_id = ? AND received_timestamp >= ?", deviceID, since)
	if direction != "" {
		query = query.Where("direction = ?", direction)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
