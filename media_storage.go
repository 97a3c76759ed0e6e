package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	MediaDBName         = "textbee_bridge"
	MediaCollectionName = "media_files"
	MediaTTL            = 7 * 24 * time.Hour

	// maxMediaBytes bounds what we pull from a sender-controlled URL.
	maxMediaBytes = 10 << 20
)

// MediaFile is one archived inbound attachment. The original URL is kept;
// the bytes live base64-encoded so expired TextBee links keep working for
// automations that render the attachment later.
type MediaFile struct {
	ID          string    `bson:"_id"`
	DeviceID    string    `bson:"device_id"`
	SourceURL   string    `bson:"source_url"`
	ContentType string    `bson:"content_type"`
	Base64Data  string    `bson:"base64_data"`
	Size        int       `bson:"size"`
	UploadedAt  time.Time `bson:"uploaded_at"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

func (bridge *Bridge) mediaCollection() *mongo.Collection {
	if bridge.MongoClient == nil {
		return nil
	}
	return bridge.MongoClient.Database(MediaDBName).Collection(MediaCollectionName)
}

// archiveInboundMedia fetches each media URL on an inbound message, sniffs
// its type, and stores it. Failures are per-URL and logged only.
func (bridge *Bridge) archiveInboundMedia(ev InboundMessageEvent) {
	collection := bridge.mediaCollection()
	if collection == nil || len(ev.MediaURLs) == 0 {
		return
	}

	for _, url := range ev.MediaURLs {
		if err := bridge.archiveOneMedia(collection, ev.DeviceID, url); err != nil {
			bridge.LogManager.SendLog(bridge.LogManager.BuildLog("MediaStorage", "Archive failed", logrus.WarnLevel, map[string]interface{}{
				"device": ev.DeviceID,
				"url":    url,
			}, err))
		}
	}
}

func (bridge *Bridge) archiveOneMedia(collection *mongo.Collection, deviceID, url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building media request: %w", err)
	}
	resp, err := bridge.mediaHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("fetching media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("media fetch returned %d", resp.StatusCode)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return fmt.Errorf("reading media body: %w", err)
	}

	contentType := mimetype.Detect(content).String()

	now := time.Now().UTC()
	file := MediaFile{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		SourceURL:   url,
		ContentType: contentType,
		Base64Data:  base64.StdEncoding.EncodeToString(content),
		Size:        len(content),
		UploadedAt:  now,
		ExpiresAt:   now.Add(MediaTTL),
	}

	if _, err := collection.InsertOne(ctx, file); err != nil {
		return fmt.Errorf("inserting media file: %w", err)
	}
	return nil
}

// getMediaFile loads one archived file by id, treating expired files as
// missing.
func (bridge *Bridge) getMediaFile(fileID string) (*MediaFile, error) {
	collection := bridge.mediaCollection()
	if collection == nil {
		return nil, fmt.Errorf("media archive not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var file MediaFile
	if err := collection.FindOne(ctx, bson.M{"_id": fileID}).Decode(&file); err != nil {
		return nil, fmt.Errorf("media file not found: %s", fileID)
	}
	if time.Now().After(file.ExpiresAt) {
		_, _ = collection.DeleteOne(ctx, bson.M{"_id": fileID})
		return nil, fmt.Errorf("media file has expired: %s", fileID)
	}
	return &file, nil
}

// cleanUpExpiredMediaFiles deletes expired archives on a timer.
func (bridge *Bridge) cleanUpExpiredMediaFiles(interval time.Duration) {
	collection := bridge.mediaCollection()
	if collection == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": time.Now()}})
		cancel()
		if err != nil {
			bridge.LogManager.SendLog(bridge.LogManager.BuildLog("MediaStorage", "Cleanup failed", logrus.WarnLevel, nil, err))
		}
		<-ticker.C
	}
}
