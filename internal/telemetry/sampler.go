// Package telemetry reports gateway connection health to InfluxDB.
package telemetry

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"
)

// LatencySource exposes the current heartbeat latency of the active
// gateway connection.
type LatencySource interface {
	HeartbeatLatency() time.Duration
}

type Sampler struct {
	src      LatencySource
	write    api.WriteAPIBlocking
	interval time.Duration
	log      zerolog.Logger
}

func NewSampler(src LatencySource, write api.WriteAPIBlocking, interval time.Duration, log zerolog.Logger) *Sampler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sampler{
		src:      src,
		write:    write,
		interval: interval,
		log:      log.With().Str("component", "telemetry").Logger(),
	}
}

// Run writes one latency sample per interval. Sink failures are logged
// and the sampler keeps going; only cancellation stops it.
func (s *Sampler) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.sample(ctx)
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	latency := s.src.HeartbeatLatency()
	p := influxdb2.NewPoint("latency",
		nil,
		map[string]any{"latency": latency.Milliseconds()},
		time.Now(),
	)
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.write.WritePoint(wctx, p); err != nil {
		s.log.Error().Err(err).Msg("latency sample write failed")
		return
	}
	s.log.Debug().Dur("latency", latency).Msg("latency sample written")
}
