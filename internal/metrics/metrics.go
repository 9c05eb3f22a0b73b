package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RoomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rooms_created_total",
		Help: "Rooms created since process start.",
	})
	RoomsBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rooms_burned_total",
		Help: "Rooms sealed by a burn control frame.",
	})
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms_active",
		Help: "Rooms currently held by the registry, grace-period rooms included.",
	})
	Connections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_ws_connections_total",
		Help: "WebSocket connections accepted, room and chat sockets combined.",
	})
	FramesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_relayed_total",
		Help: "Frames fanned out to room members.",
	})
	ChatSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_chat_sockets_active",
		Help: "Live chat sockets in the peer table.",
	})
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Requests rejected by the fixed-window rate limiter.",
	})
	LivePushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_live_pushes_total",
		Help: "Queued messages copied to a live chat socket.",
	})
)

// Serve exposes the Prometheus registry on a dedicated internal
// listener, separate from the public port. It blocks until ctx is
// cancelled or the listener fails.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("metrics listener started", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
