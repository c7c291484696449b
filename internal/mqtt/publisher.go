package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"sonnen-monitor/internal/battery"
	"sonnen-monitor/internal/logger"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// client is the part of the paho client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

type Publisher struct {
	client      client
	topicPrefix string
	device      string
	enabled     bool
}

type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Device      string
	Enabled     bool
}

// Message is one MQTT publication.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if !cfg.Enabled {
		return &Publisher{enabled: false}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			logger.Warn().Err(err).Msg("MQTT connection lost")
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return newPublisher(c, cfg.TopicPrefix, cfg.Device), nil
}

func newPublisher(c client, prefix, device string) *Publisher {
	return &Publisher{
		client:      c,
		topicPrefix: prefix,
		device:      device,
		enabled:     true,
	}
}

func (p *Publisher) topic(name string) string {
	return fmt.Sprintf("%s/%s/%s", p.topicPrefix, p.device, name)
}

// Messages returns the per-metric messages followed by the retained status
// message. Metrics with an error are not published.
func (p *Publisher) Messages(m *battery.Metrics) ([]Message, error) {
	var msgs []Message

	values := m.Numeric()
	for _, name := range battery.NumericMetrics {
		v, ok := values[name]
		if !ok {
			continue
		}
		msgs = append(msgs, Message{
			Topic:   p.topic(string(name)),
			Payload: []byte(strconv.FormatFloat(v, 'f', -1, 64)),
		})
	}

	for name, v := range map[battery.Metric]string{
		battery.MetricTimeToEmpty:   m.TimeToEmpty,
		battery.MetricTimeToFull:    m.TimeToFull,
		battery.MetricTimeSinceFull: m.TimeSinceFull,
	} {
		if m.Err(name) != nil {
			continue
		}
		msgs = append(msgs, Message{Topic: p.topic(string(name)), Payload: []byte(v)})
	}

	status, err := json.Marshal(m.Report())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status: %w", err)
	}
	msgs = append(msgs, Message{Topic: p.topic("status"), Payload: status, Retained: true})

	return msgs, nil
}

// Name implements collector.Sink.
func (p *Publisher) Name() string {
	return "mqtt"
}

// Write implements collector.Sink.
func (p *Publisher) Write(ctx context.Context, m *battery.Metrics) error {
	return p.Publish(m)
}

func (p *Publisher) Publish(m *battery.Metrics) error {
	if !p.enabled {
		return nil
	}

	msgs, err := p.Messages(m)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		token := p.client.Publish(msg.Topic, 0, msg.Retained, msg.Payload)
		token.Wait()
		if token.Error() != nil {
			if msg.Retained {
				return fmt.Errorf("failed to publish status: %w", token.Error())
			}
			logger.Warn().Err(token.Error()).Str("topic", msg.Topic).Msg("Failed to publish")
		}
	}
	return nil
}

type sensor struct {
	Name        string
	Metric      battery.Metric
	Unit        string
	DeviceClass string
}

var sensors = []sensor{
	{"Consumption", battery.MetricConsumption, "W", "power"},
	{"Production", battery.MetricProduction, "W", "power"},
	{"User SOC", battery.MetricUserSOC, "%", "battery"},
	{"Relative SOC", battery.MetricRelativeSOC, "%", "battery"},
	{"Charging", battery.MetricCharging, "W", "power"},
	{"Discharging", battery.MetricDischarging, "W", "power"},
	{"Grid Feed In", battery.MetricGridIn, "W", "power"},
	{"From Grid", battery.MetricGridOut, "W", "power"},
	{"Remaining Capacity", battery.MetricRemainingCapacity, "Wh", "energy_storage"},
	{"Full Charge Capacity", battery.MetricFullChargeCapacity, "Wh", "energy_storage"},
	{"Installed Modules", battery.MetricInstalledModules, "", ""},
	{"Time To Empty", battery.MetricTimeToEmpty, "", ""},
	{"Time To Full", battery.MetricTimeToFull, "", ""},
	{"Time Since Full", battery.MetricTimeSinceFull, "", ""},
}

// DiscoveryMessages returns the retained Home Assistant discovery configs.
func (p *Publisher) DiscoveryMessages() ([]Message, error) {
	msgs := make([]Message, 0, len(sensors))
	for _, s := range sensors {
		config := map[string]interface{}{
			"name":        fmt.Sprintf("sonnenBatterie %s", s.Name),
			"unique_id":   fmt.Sprintf("%s_%s", p.device, s.Metric),
			"state_topic": p.topic(string(s.Metric)),
			"device": map[string]interface{}{
				"identifiers":  []string{p.device},
				"name":         p.device,
				"manufacturer": "sonnen",
				"model":        "sonnenBatterie",
			},
		}
		if s.Unit != "" {
			config["unit_of_measurement"] = s.Unit
		}
		if s.DeviceClass != "" {
			config["device_class"] = s.DeviceClass
		}

		payload, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal discovery config for %s: %w", s.Metric, err)
		}
		msgs = append(msgs, Message{
			Topic:    fmt.Sprintf("homeassistant/sensor/%s/%s/config", p.device, s.Metric),
			Payload:  payload,
			Retained: true,
		})
	}
	return msgs, nil
}

func (p *Publisher) PublishHomeAssistantDiscovery() error {
	if !p.enabled {
		return nil
	}

	msgs, err := p.DiscoveryMessages()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		token := p.client.Publish(msg.Topic, 0, msg.Retained, msg.Payload)
		token.Wait()
		if token.Error() != nil {
			return fmt.Errorf("failed to publish discovery for %s: %w", msg.Topic, token.Error())
		}
	}
	return nil
}

func (p *Publisher) IsConnected() bool {
	if !p.enabled {
		return false
	}
	return p.client.IsConnected()
}

// Close implements collector.Sink.
func (p *Publisher) Close() error {
	if p.enabled && p.client != nil {
		p.client.Disconnect(1000)
	}
	return nil
}
