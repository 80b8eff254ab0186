package app

import (
	"context"
	"fmt"
	"io"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/inertial_ingest/internal/codec"
	"github.com/relabs-tech/inertial_ingest/internal/config"
	"github.com/relabs-tech/inertial_ingest/internal/imu"
)

// FormatSample renders one sample as a console line.
func FormatSample(s imu.Sample) string {
	u := s.Frame.Units()
	return fmt.Sprintf(
		"[CH%d #%-6d] U1 ax=%6d ay=%6d az=%6d gx=%6d gy=%6d gz=%6d | U2 ax=%6d ay=%6d az=%6d gx=%6d gy=%6d gz=%6d",
		s.Channel, s.Seq,
		u[0].Ax, u[0].Ay, u[0].Az, u[0].Gx, u[0].Gy, u[0].Gz,
		u[1].Ax, u[1].Ay, u[1].Az, u[1].Gx, u[1].Gy, u[1].Gz,
	)
}

// RunConsoleMQTT prints every sample published under the configured
// topic prefix until ctx is done.
func RunConsoleMQTT(ctx context.Context, cfg config.MQTTConfig, out io.Writer) error {
	c, err := codec.ByName(cfg.Encoding)
	if err != nil {
		return err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID + "-console")

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.WithField("broker", cfg.Broker).Info("console: connected to MQTT broker")

	frames := cfg.TopicPrefix + "/+"
	token := client.Subscribe(frames, cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		if msg.Topic() == StatusTopic(cfg.TopicPrefix) {
			fmt.Fprintf(out, "[STATUS] %s\n", msg.Payload())
			return
		}
		var s imu.Sample
		if err := c.Unmarshal(msg.Payload(), &s); err != nil {
			log.WithError(err).WithField("topic", msg.Topic()).Warn("console: sample decode error")
			return
		}
		fmt.Fprintln(out, FormatSample(s))
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.WithField("topic", frames).Info("console: subscribed")

	<-ctx.Done()
	log.Info("console: shutting down")
	return nil
}
