// Package kafka streams whole samples to a Kafka topic, keyed by PLC so
// per-PLC ordering survives partitioning.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/plantops/qhist/config"
	"github.com/plantops/qhist/poll"
)

// Stats is the publisher's counters.
type Stats struct {
	Published int64 `json:"published"`
	Errors    int64 `json:"errors"`
}

// Publisher drains a distributor output and writes one JSON message per
// sample.
type Publisher struct {
	writer *kafkago.Writer
	input  <-chan *poll.Sample
	log    *slog.Logger

	mu        sync.Mutex
	published int64
	errors    int64

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewPublisher returns an unstarted publisher over a distributor output.
func NewPublisher(cfg config.KafkaConfig, input <-chan *poll.Sample, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "qhist.samples"
	}

	acks := kafkago.RequireOne
	switch cfg.RequiredAcks {
	case -1:
		acks = kafkago.RequireAll
	case 0:
		acks = kafkago.RequireNone
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: acks,
		BatchTimeout: 50 * time.Millisecond,
		Async:        false,
	}

	return &Publisher{
		writer: writer,
		input:  input,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the publish loop. kafka-go dials lazily, so a down
// broker shows up as per-message errors rather than a startup failure.
func (p *Publisher) Start() error {
	go p.run()
	return nil
}

// Stop halts the loop and closes the writer. Idempotent.
func (p *Publisher) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	<-p.doneCh
	if err := p.writer.Close(); err != nil {
		p.log.Warn("closing kafka writer", "error", err)
	}
}

// Stats snapshots the publish counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Published: p.published, Errors: p.errors}
}

func (p *Publisher) run() {
	defer close(p.doneCh)

	for {
		select {
		case <-p.stopCh:
			return
		case s := <-p.input:
			p.publish(s)
		}
	}
}

func (p *Publisher) publish(s *poll.Sample) {
	payload, err := json.Marshal(s)
	if err != nil {
		p.count(false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(s.PLCCode),
		Value: payload,
		Time:  s.Timestamp,
	})
	if err != nil {
		p.log.Warn("kafka publish failed", "plc", s.PLCCode, "error", err)
		p.count(false)
		return
	}
	p.count(true)
}

func (p *Publisher) count(ok bool) {
	p.mu.Lock()
	if ok {
		p.published++
	} else {
		p.errors++
	}
	p.mu.Unlock()
}
