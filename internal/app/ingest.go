package app

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/inertial_ingest/internal/config"
	"github.com/relabs-tech/inertial_ingest/internal/imu"
	"github.com/relabs-tech/inertial_ingest/internal/ingest"
	"github.com/relabs-tech/inertial_ingest/internal/serialport"
)

// RunIngest connects the configured channels and runs the enabled sinks
// until ctx is done.
//
// A failed initial connect is fatal only when the web API is disabled;
// otherwise the service keeps running so a client can retry through
// POST /api/connect.
func RunIngest(ctx context.Context, cfg *config.Config) error {
	log.Info("starting inertial ingest")

	opener, err := serialport.NewOpener(cfg.Serial.Driver)
	if err != nil {
		return err
	}
	return runIngest(ctx, cfg, opener)
}

func runIngest(ctx context.Context, cfg *config.Config, opener serialport.Opener) error {
	opts, err := cfg.IngestOptions()
	if err != nil {
		return err
	}
	svc := ingest.NewService(opener, opts)
	defer svc.Close()

	var samples chan imu.Sample
	var pub *FramePublisher
	if cfg.MQTT.Enabled {
		pub, err = NewFramePublisher(cfg.MQTT)
		if err != nil {
			return err
		}
		if err := pub.Connect(); err != nil {
			return err
		}
		defer pub.Close()

		samples = make(chan imu.Sample, cfg.MQTT.QueueSize)
		id := svc.SubscribeQueue("mqtt", samples)
		defer svc.Unsubscribe(id)
	}

	// workers start only after the initial connect
	if err := svc.Connect(cfg.Channels); err != nil {
		if !cfg.Web.Enabled {
			return err
		}
		log.WithError(err).Error("initial connect failed; waiting for POST /api/connect")
	}

	g, ctx := errgroup.WithContext(ctx)
	if pub != nil {
		g.Go(func() error { return pub.Run(ctx, samples) })
	}
	if cfg.Web.Enabled {
		g.Go(func() error { return RunWeb(ctx, svc, cfg.Web) })
	}
	if cfg.StatsInterval > 0 {
		g.Go(func() error {
			logStats(ctx, svc, cfg.StatsInterval)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// logStats logs per-channel counters every interval.
func logStats(ctx context.Context, svc *ingest.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st := svc.Status()
		if !st.Connected {
			log.Debug("stats: not connected")
			continue
		}
		for _, c := range st.Channels {
			log.WithFields(log.Fields{
				"channel":     c.Channel,
				"port":        c.Port,
				"active":      c.Active,
				"frames":      c.Frames,
				"delivered":   c.Delivered,
				"bad_length":  c.BadLength,
				"bad_end":     c.BadEnd,
				"overwritten": c.Overwritten,
				"read_errors": c.ReadErrors,
			}).Info("stats")
		}
		for _, s := range st.Subscribers {
			if s.Dropped > 0 || s.Panics > 0 {
				log.WithFields(log.Fields{
					"subscriber": s.Name,
					"sent":       s.Sent,
					"dropped":    s.Dropped,
					"panics":     s.Panics,
				}).Warn("stats: subscriber losing samples")
			}
		}
	}
}
