package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBroker struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]func(topic string, payload []byte) error
	failWith  error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		published: map[string][][]byte{},
		handlers:  map[string]func(string, []byte) error{},
	}
}

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	b.published[topic] = append(b.published[topic], payload)
	return nil
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler func(topic string, payload []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func TestStreamNotifier_PublishesEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	n := NewStreamNotifier(client, "lis:events:stream", 100)
	ev := NewEvent(EventCriticalAlert, "an-1", map[string]string{"alert_id": "a-1"})
	require.NoError(t, n.Notify(context.Background(), ev))

	msgs, err := client.XRange(context.Background(), "lis:events:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "critical_alert", msgs[0].Values["type"])

	var got Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &got))
	assert.Equal(t, "an-1", got.AnalyzerID)
}

func TestMQTTNotifier_TopicPerAnalyzer(t *testing.T) {
	b := newFakeBroker()
	n := NewMQTTNotifier(b, "lis/alerts/", 1)

	require.NoError(t, n.Notify(context.Background(), NewEvent(EventCriticalEscalated, "an-7", nil)))
	assert.Len(t, b.published["lis/alerts/an-7"], 1)
	assert.Equal(t, "lis/alerts/unknown", n.Topic(""))
}

func TestWebhookNotifier(t *testing.T) {
	var (
		mu    sync.Mutex
		types []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev Event
		_ = json.Unmarshal(body, &ev)
		mu.Lock()
		types = append(types, r.Header.Get("X-LIS-Event")+"/"+string(ev.Type))
		mu.Unlock()
		if ev.AnalyzerID == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	require.NoError(t, n.Notify(context.Background(), NewEvent(EventResultAvailable, "an-1", nil)))
	assert.Error(t, n.Notify(context.Background(), NewEvent(EventResultAvailable, "bad", nil)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "result_available/result_available", types[0])
}

func TestMulti_ContinuesAfterFailure(t *testing.T) {
	failing := newFakeBroker()
	failing.failWith = errors.New("broker down")
	ok := newFakeBroker()

	m := NewMulti(zap.NewNop(), NewMQTTNotifier(failing, "a", 0), NewMQTTNotifier(ok, "b", 0))
	err := m.Notify(context.Background(), NewEvent(EventQCRejected, "an-1", nil))
	assert.Error(t, err)
	assert.Len(t, ok.published["b/an-1"], 1)
}

func TestFilter(t *testing.T) {
	b := newFakeBroker()
	n := Filter(NewMQTTNotifier(b, "lis/alerts", 0), EventCriticalAlert)

	require.NoError(t, n.Notify(context.Background(), NewEvent(EventResultAvailable, "an-1", nil)))
	require.NoError(t, n.Notify(context.Background(), NewEvent(EventCriticalAlert, "an-1", nil)))
	assert.Len(t, b.published["lis/alerts/an-1"], 1)
}

func TestSubscribeAcks(t *testing.T) {
	b := newFakeBroker()
	var gotAlert, gotUser string
	err := SubscribeAcks(context.Background(), b, "lis/alerts", 1, func(_ context.Context, alertID, user string) error {
		gotAlert, gotUser = alertID, user
		return nil
	}, zap.NewNop())
	require.NoError(t, err)

	h := b.handlers["lis/alerts/+/ack"]
	require.NotNil(t, h)
	require.NoError(t, h("lis/alerts/an-1/ack", []byte(`{"alert_id":"a-1","user":"dr.lee"}`)))
	assert.Equal(t, "a-1", gotAlert)
	assert.Equal(t, "dr.lee", gotUser)

	assert.Error(t, h("lis/alerts/an-1/ack", []byte(`{"alert_id":"a-1"}`)))
	assert.Error(t, h("lis/alerts/an-1/ack", []byte(`not json`)))
}
