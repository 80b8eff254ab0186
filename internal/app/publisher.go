package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/inertial_ingest/internal/codec"
	"github.com/relabs-tech/inertial_ingest/internal/config"
	"github.com/relabs-tech/inertial_ingest/internal/imu"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// FrameTopic is the MQTT topic samples of channel ch are published on.
func FrameTopic(prefix string, ch int) string {
	return fmt.Sprintf("%s/%d", prefix, ch)
}

// StatusTopic carries the retained online/offline state of the ingest
// process, including the broker-side last will.
func StatusTopic(prefix string) string {
	return prefix + "/status"
}

// FramePublisher forwards samples to an MQTT broker.
type FramePublisher struct {
	client  mqtt.Client
	codec   codec.Codec
	prefix  string
	qos     byte
	timeout time.Duration

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewFramePublisher creates an unconnected publisher for cfg.
func NewFramePublisher(cfg config.MQTTConfig) (*FramePublisher, error) {
	c, err := codec.ByName(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	status := StatusTopic(cfg.TopicPrefix)
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetWill(status, statusOffline, 1, true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		client.Publish(status, 1, true, statusOnline)
		log.WithField("broker", cfg.Broker).Info("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost")
	})

	return newFramePublisher(mqtt.NewClient(opts), c, cfg), nil
}

func newFramePublisher(client mqtt.Client, c codec.Codec, cfg config.MQTTConfig) *FramePublisher {
	return &FramePublisher{
		client:  client,
		codec:   c,
		prefix:  cfg.TopicPrefix,
		qos:     cfg.QoS,
		timeout: cfg.PublishTimeout,
	}
}

// Connect blocks until the broker accepts the connection.
func (p *FramePublisher) Connect() error {
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return nil
}

// Publish sends one sample to its channel topic. Samples are not
// retained; a stale reading is worse than none.
func (p *FramePublisher) Publish(s imu.Sample) error {
	payload, err := p.codec.Marshal(s)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("encode sample: %w", err)
	}

	token := p.client.Publish(FrameTopic(p.prefix, s.Channel), p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		p.failed.Add(1)
		return fmt.Errorf("publish channel %d: timed out after %v", s.Channel, p.timeout)
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish channel %d: %w", s.Channel, err)
	}
	p.published.Add(1)
	return nil
}

// Run publishes samples until ctx is done. Publish errors are logged and
// do not stop the loop.
func (p *FramePublisher) Run(ctx context.Context, samples <-chan imu.Sample) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-samples:
			if err := p.Publish(s); err != nil {
				log.WithError(err).Debug("mqtt publish failed")
			}
		}
	}
}

// Counts returns how many samples were published and how many failed.
func (p *FramePublisher) Counts() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// Close marks the process offline and disconnects.
func (p *FramePublisher) Close() {
	if !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(StatusTopic(p.prefix), 1, true, statusOffline)
	token.WaitTimeout(p.timeout)
	p.client.Disconnect(250)
}
