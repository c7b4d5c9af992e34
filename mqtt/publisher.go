// Package mqtt mirrors collected readings onto an MQTT broker, one
// retained message per tag address.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/plantops/qhist/buffer"
	"github.com/plantops/qhist/config"
	"github.com/plantops/qhist/poll"
)

const publishTimeout = 5 * time.Second

// ReadingMessage is the JSON payload published per tag.
type ReadingMessage struct {
	PLC       string `json:"plc"`
	Tag       string `json:"tag"`
	Value     any    `json:"value"`
	Quality   string `json:"quality"`
	Timestamp string `json:"timestamp"`
}

// Stats is the publisher's counters.
type Stats struct {
	Connected bool  `json:"connected"`
	Published int64 `json:"published"`
	Errors    int64 `json:"errors"`
}

// Publisher drains a distributor output and publishes every reading to
// <topic>/<plc>/<address>.
type Publisher struct {
	cfg    config.MQTTConfig
	input  <-chan *poll.Sample
	client pahomqtt.Client
	log    *slog.Logger

	mu        sync.Mutex
	published int64
	errors    int64

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewPublisher returns an unstarted publisher over a distributor output.
func NewPublisher(cfg config.MQTTConfig, input <-chan *poll.Sample, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = "qhist"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "qhist-collector"
	}
	return &Publisher{
		cfg:    cfg,
		input:  input,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start connects to the broker and launches the publish loop. The paho
// client keeps reconnecting on its own after the first success.
func (p *Publisher) Start() error {
	scheme := "tcp"
	opts := pahomqtt.NewClientOptions()
	if p.cfg.UseTLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, p.cfg.Broker, p.cfg.Port))
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		p.log.Info("mqtt connected", "broker", p.cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
		p.log.Warn("mqtt connection lost", "broker", p.cfg.Broker, "error", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: connect to %s:%d timed out", p.cfg.Broker, p.cfg.Port)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect to %s:%d: %w", p.cfg.Broker, p.cfg.Port, err)
	}

	p.client = client
	go p.run()
	return nil
}

// Stop halts the loop and disconnects. Idempotent.
func (p *Publisher) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	<-p.doneCh
	if p.client != nil {
		p.client.Disconnect(250)
	}
}

// Stats snapshots the publish counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Connected: p.client != nil && p.client.IsConnected(),
		Published: p.published,
		Errors:    p.errors,
	}
}

func (p *Publisher) run() {
	defer close(p.doneCh)

	for {
		select {
		case <-p.stopCh:
			return
		case s := <-p.input:
			p.publishSample(s)
		}
	}
}

func (p *Publisher) publishSample(s *poll.Sample) {
	for _, r := range buffer.ExpandSample(s) {
		msg := ReadingMessage{
			PLC:       r.PLCCode,
			Tag:       r.TagAddress,
			Value:     r.Value,
			Quality:   string(r.Quality),
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			p.countError()
			continue
		}

		topic := fmt.Sprintf("%s/%s/%s", p.cfg.Topic, r.PLCCode, r.TagAddress)
		token := p.client.Publish(topic, 0, true, payload)
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			p.countError()
			continue
		}
		p.mu.Lock()
		p.published++
		p.mu.Unlock()
	}
}

func (p *Publisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
