// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package mqttsink forwards ground-station telemetry and command responses
// to an MQTT broker, and relays commands published on a broker topic back
// into the GsLink.
package mqttsink

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config names the broker and the topic layout.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string // default "manha-gs"

	TelemetryTopic string // default "manha/telemetry"
	ResponseTopic  string // default "manha/response"
	CommandTopic   string // default "manha/command"
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "manha-gs"
	}
	if c.TelemetryTopic == "" {
		c.TelemetryTopic = "manha/telemetry"
	}
	if c.ResponseTopic == "" {
		c.ResponseTopic = "manha/response"
	}
	if c.CommandTopic == "" {
		c.CommandTopic = "manha/command"
	}
	return c
}

// LogFunc is a low-overhead debug hook.
type LogFunc func(format string, v ...interface{})

// Sink is a connection to an MQTT broker plus the GS topic layout.
type Sink struct {
	conn mqtt.Client
	cfg  Config
	log  LogFunc
}

// New connects to the broker named in cfg and returns a Sink. The
// connection is long-lived; paho's client handles reconnection internally.
func New(cfg Config, log LogFunc) (*Sink, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	log("mqttsink: connecting to %s:%d", cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.ClientID = cfg.ClientID
	opts.Username = cfg.User
	opts.Password = cfg.Password

	conn := mqtt.NewClient(opts)
	if token := conn.Connect(); !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("mqttsink: connect: %w", token.Error())
	}

	log("mqttsink: connected")
	return &Sink{conn: conn, cfg: cfg, log: log}, nil
}

// PublishTelemetry publishes a reassembled telemetry object as retained
// JSON on the telemetry topic, so late subscribers still see the last
// reading.
func (s *Sink) PublishTelemetry(obj map[string]interface{}) {
	s.publishJSON(s.cfg.TelemetryTopic, true, obj)
}

// PublishCommandResponse publishes a CMD: response's text on the response
// topic.
func (s *Sink) PublishCommandResponse(text string) {
	s.publishJSON(s.cfg.ResponseTopic, false, map[string]interface{}{"text": text})
}

func (s *Sink) publishJSON(topic string, retained bool, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log("mqttsink: marshal for %s: %v", topic, err)
		return
	}
	s.conn.Publish(topic, 1, retained, payload)
}

// SubscribeCommands invokes onCommand once per message published to the
// command topic, with the message payload's raw text (not JSON-decoded:
// the topic carries plain command text, matching the host CLI's "forward
// verbatim inside a CMD: frame" rule).
func (s *Sink) SubscribeCommands(onCommand func(text string)) error {
	handler := func(_ mqtt.Client, m mqtt.Message) {
		onCommand(string(m.Payload()))
	}
	token := s.conn.Subscribe(s.cfg.CommandTopic, 1, handler)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		return fmt.Errorf("mqttsink: subscribe %s: %w", s.cfg.CommandTopic, token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (s *Sink) Close() {
	s.conn.Disconnect(250)
}
