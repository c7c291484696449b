package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonnen-monitor/internal/battery"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	published    []published
	failTopic    string
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.published = append(c.published, published{topic: topic, retained: retained, payload: payload.([]byte)})
	if topic == c.failTopic {
		return &fakeToken{err: errors.New("broker unavailable")}
	}
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool { return !c.disconnected }

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func testMetrics(t *testing.T) *battery.Metrics {
	t.Helper()
	snap, err := battery.NewSnapshot(
		[]byte(`{"Consumption_W": 748, "Pac_total_W": -1500, "FullChargeCapacity": 9965}`),
		[]byte(`{"GridFeedIn_W": 749, "RemainingCapacity_Wh": 10000}`),
		time.Date(2025, 11, 29, 21, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	return battery.Derive(snap)
}

func byTopic(msgs []Message) map[string]Message {
	out := make(map[string]Message, len(msgs))
	for _, m := range msgs {
		out[m.Topic] = m
	}
	return out
}

func TestMessages(t *testing.T) {
	p := newPublisher(&fakeClient{}, "sonnen", "home")

	msgs, err := p.Messages(testMetrics(t))
	require.NoError(t, err)
	topics := byTopic(msgs)

	assert.Equal(t, "748", string(topics["sonnen/home/consumption_w"].Payload))
	assert.Equal(t, "1500", string(topics["sonnen/home/charging_w"].Payload))
	assert.Equal(t, "749", string(topics["sonnen/home/grid_in_w"].Payload))
	assert.Equal(t, "2700", string(topics["sonnen/home/remaining_capacity_wh"].Payload))
	assert.Equal(t, "0:0", string(topics["sonnen/home/time_to_empty"].Payload))

	assert.NotContains(t, topics, "sonnen/home/production_w")
	assert.NotContains(t, topics, "sonnen/home/time_since_full")

	status, ok := topics["sonnen/home/status"]
	require.True(t, ok)
	assert.True(t, status.Retained)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(status.Payload, &decoded))
	assert.Equal(t, 748.0, decoded["consumption_w"])
	assert.Contains(t, decoded, "production_w")
	assert.Nil(t, decoded["production_w"])
	assert.Nil(t, decoded["time_since_full"])
	errs, ok := decoded["errors"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, errs, "production_w")
}

func TestPublish(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, "sonnen", "home")

	require.NoError(t, p.Publish(testMetrics(t)))
	require.NotEmpty(t, fc.published)
	last := fc.published[len(fc.published)-1]
	assert.Equal(t, "sonnen/home/status", last.topic)
	assert.True(t, last.retained)
}

func TestPublish_MetricFailureIsNotFatal(t *testing.T) {
	fc := &fakeClient{failTopic: "sonnen/home/consumption_w"}
	p := newPublisher(fc, "sonnen", "home")
	assert.NoError(t, p.Publish(testMetrics(t)))

	fc = &fakeClient{failTopic: "sonnen/home/status"}
	p = newPublisher(fc, "sonnen", "home")
	assert.Error(t, p.Publish(testMetrics(t)))
}

func TestDisabledPublisher(t *testing.T) {
	p, err := NewPublisher(PublisherConfig{Enabled: false})
	require.NoError(t, err)

	assert.NoError(t, p.Publish(testMetrics(t)))
	assert.NoError(t, p.PublishHomeAssistantDiscovery())
	assert.False(t, p.IsConnected())
	assert.NoError(t, p.Close())
}

func TestHomeAssistantDiscovery(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, "sonnen", "home")

	require.NoError(t, p.PublishHomeAssistantDiscovery())
	require.Len(t, fc.published, len(sensors))

	first := fc.published[0]
	assert.Equal(t, "homeassistant/sensor/home/consumption_w/config", first.topic)
	assert.True(t, first.retained)

	var config map[string]interface{}
	require.NoError(t, json.Unmarshal(first.payload, &config))
	assert.Equal(t, "sonnen/home/consumption_w", config["state_topic"])
	assert.Equal(t, "W", config["unit_of_measurement"])
	assert.Equal(t, "home_consumption_w", config["unique_id"])
}

func TestDiscoveryMessages(t *testing.T) {
	p := newPublisher(&fakeClient{}, "sonnen", "home")

	msgs, err := p.DiscoveryMessages()
	require.NoError(t, err)
	require.Len(t, msgs, len(sensors))
	for _, msg := range msgs {
		assert.True(t, msg.Retained)
		assert.True(t, json.Valid(msg.Payload), msg.Topic)
	}
}

func TestClose(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, "sonnen", "home")
	assert.True(t, p.IsConnected())
	assert.NoError(t, p.Close())
	assert.True(t, fc.disconnected)
}
