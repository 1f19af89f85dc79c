package ws

import (
	"log"
	"time"

	"github.com/whisper/support-chat/internal/metrics"
)

// HeartbeatConfig controls liveness probing. A connection that has sent no
// frame (data, ping or pong) for Interval+Timeout is evicted.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
}

func (h HeartbeatConfig) idleLimit() time.Duration {
	return h.Interval + h.Timeout
}

// runHeartbeat probes every connection each Interval until the server stops.
func (s *Server) runHeartbeat() {
	if s.config.Heartbeat.Interval <= 0 {
		return
	}
	t := time.NewTicker(s.config.Heartbeat.Interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-t.C:
			s.probe(now)
		}
	}
}

// probe evicts connections idle past the limit and pings the others. Browsers
// and the transport client answer protocol pings on their own, which
// refreshes LastSeen through the read path.
func (s *Server) probe(now time.Time) {
	limit := s.config.Heartbeat.idleLimit()
	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > limit {
			log.Printf("ws: evicting idle session=%s participant=%s role=%s idle=%s",
				c.ID, c.Participant.ID, c.Participant.Role, idle.Round(time.Second))
			metrics.HeartbeatEvictions.WithLabelValues("idle").Inc()
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("ws: ping session=%s: %v", c.ID, err)
			metrics.HeartbeatEvictions.WithLabelValues("ping_failed").Inc()
			s.RemoveConnection(c)
		}
	}
}
