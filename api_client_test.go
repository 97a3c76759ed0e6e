package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	client := NewTextBeeClient(srv.URL, "secret-key", time.Second)
	_, err := client.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret-key", gotKey)
}

func TestClientAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewTextBeeClient(srv.URL, "bad-key", time.Second)
	_, err := client.ListDevices(context.Background())
	require.Error(t, err)
	assert.True(t, isAuthError(err))

	// 403 maps the same way
	srv403 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv403.Close()

	client = NewTextBeeClient(srv403.URL, "bad-key", time.Second)
	_, err = client.ListDevices(context.Background())
	assert.True(t, isAuthError(err))
}

func TestClientRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := NewTextBeeClient(srv.URL, "key", time.Second)
	_, err := client.ListDevices(context.Background())
	require.Error(t, err)

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusInternalServerError, re.Status)
	assert.Equal(t, "boom", re.Body)
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewTextBeeClient(srv.URL, "key", 20*time.Millisecond)
	_, err := client.ListDevices(context.Background())
	require.Error(t, err)
	assert.True(t, isTransportError(err))
}

func TestListDevicesEnvelopes(t *testing.T) {
	payloads := []string{
		`[{"_id":"a","name":"Pixel"}]`,
		`{"data":[{"_id":"a","name":"Pixel"}]}`,
		`{"devices":[{"_id":"a","name":"Pixel"}]}`,
	}
	for _, payload := range payloads {
		body := payload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))

		client := NewTextBeeClient(srv.URL, "key", time.Second)
		devices, err := client.ListDevices(context.Background())
		srv.Close()

		require.NoError(t, err, body)
		require.Len(t, devices, 1, body)
		assert.Equal(t, "a", devices[0].DeviceID)
		assert.Equal(t, "Pixel", devices[0].Name)
	}
}

func TestParseDevicePayloadDiagnostics(t *testing.T) {
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"_id": "a",
		"status": "online",
		"signalStrength": 80,
		"batteryLevel": 55,
		"registeredAt": "2026-01-01T00:00:00Z"
	}`), &m))

	p, ok := parseDevicePayload(m)
	require.True(t, ok)
	assert.True(t, p.HasStatus)
	assert.Equal(t, DeviceStatusOnline, p.Status)
	assert.True(t, p.HasSignal)
	assert.Equal(t, 4, p.SignalBars)
	assert.True(t, p.HasBattery)
	assert.Equal(t, float64(55), p.BatteryLevel)
	require.NotNil(t, p.Registered)
	assert.True(t, *p.Registered, "registeredAt implies registered")
}

func TestParseDevicePayloadAbsentFields(t *testing.T) {
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"_id":"a","name":"bare"}`), &m))

	p, ok := parseDevicePayload(m)
	require.True(t, ok)
	assert.False(t, p.HasStatus)
	assert.False(t, p.HasSignal)
	assert.False(t, p.HasBattery)
	assert.Nil(t, p.Registered)

	// no id at all is not a device
	_, ok = parseDevicePayload(map[string]interface{}{"name": "x"})
	assert.False(t, ok)
}

func TestGetReceivedSMSNewestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/devices/dev1/get-received-sms", r.URL.Path)
		w.Write([]byte(`{"data":[
			{"_id":"old","sender":"+1","message":"first","receivedAt":"2026-08-30T09:00:00Z"},
			{"_id":"new","sender":"+1","message":"second","receivedAt":"2026-08-30T10:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	client := NewTextBeeClient(srv.URL, "key", time.Second)
	messages, err := client.GetReceivedSMS(context.Background(), "dev1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "new", messages[0].MessageID)
	assert.Equal(t, "old", messages[1].MessageID)
}

func TestSendMessageRequestShape(t *testing.T) {
	var got sendSMSRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/gateway/devices/dev1/send-sms", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"data":{"success":true}}`))
	}))
	defer srv.Close()

	client := NewTextBeeClient(srv.URL, "key", time.Second)
	results, err := client.SendMessage(context.Background(), "dev1",
		[]string{"+15551111111", "+15552222222"}, "hello", []string{"https://a/1.jpg"})
	require.NoError(t, err)

	assert.Equal(t, []string{"+15551111111", "+15552222222"}, got.Recipients)
	assert.Equal(t, "hello", got.Message)
	assert.Equal(t, []string{"https://a/1.jpg"}, got.MediaURLs)

	// no per-recipient breakdown in the response: whole batch counts as sent
	require.Len(t, results, 2)
	assert.True(t, results[0].Sent)
	assert.True(t, results[1].Sent)
}

func TestParseRecipientResultsMixed(t *testing.T) {
	data := []byte(`{"data":{"results":[
		{"recipient":"+15551111111","status":"sent"},
		{"recipient":"+15552222222","status":"failed","error":"invalid number"}
	]}}`)

	results := parseRecipientResults(data, []string{"+15551111111", "+15552222222"})
	require.Len(t, results, 2)
	assert.True(t, results[0].Sent)
	assert.False(t, results[1].Sent)
	assert.Equal(t, "invalid number", results[1].Error)
}

func TestRegisterWebhookPayload(t *testing.T) {
	var got registerWebhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/webhooks", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewTextBeeClient(srv.URL, "key", time.Second)
	err := client.RegisterWebhook(context.Background(), "https://bridge.example/webhook/textbee", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "https://bridge.example/webhook/textbee", got.DeliveryURL)
	assert.Equal(t, "s3cret", got.SigningKey)
	assert.Contains(t, got.Events, "message.received")
}
