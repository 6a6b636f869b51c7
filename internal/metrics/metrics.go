package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"pix-billing/internal/config"

	"github.com/VictoriaMetrics/metrics"
)

// Setup starts pushing to cfg.URL when configured. Metrics are always
// available for scraping through Handler.
func Setup(cfg config.Metrics, logger *slog.Logger) {
	if cfg.URL == "" {
		return
	}

	err := metrics.InitPush(cfg.URL, time.Duration(cfg.IntervalMs)*time.Millisecond, cfg.CommonLabels, true)
	if err != nil {
		logger.Error("Error initializing metrics push", "error", err)
	}
}

func Handler(w http.ResponseWriter, _ *http.Request) {
	metrics.WritePrometheus(w, true)
}
