package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Println("Error loading .env file. Using existing environment variables.")
	}

	cfg := loadConfig()
	lm := NewLogManager(cfg)

	if cfg.APIKey == "" {
		lm.SendLog(lm.BuildLog("Startup", "TEXTBEE_API_KEY is not set", logrus.ErrorLevel, nil))
		os.Exit(1)
	}

	bridge, err := NewBridge(cfg, lm)
	if err != nil {
		lm.SendLog(lm.BuildLog("Startup", "Failed to create bridge", logrus.ErrorLevel, nil, err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge.Start(ctx)

	prometheus.MustRegister(NewMetricExporter(bridge))
	go func() {
		exporter := &PrometheusExporter{
			Path:   "/metrics",
			Listen: envOr("PROMETHEUS_LISTEN", ":2550"),
		}
		if err := exporter.Start(); err != nil {
			lm.SendLog(lm.BuildLog("Startup", "Prometheus exporter stopped", logrus.ErrorLevel, nil, err))
		}
	}()

	app := newWebApp(bridge)
	if err := runWebServer(bridge, app); err != nil {
		lm.SendLog(lm.BuildLog("Startup", "Web server stopped", logrus.ErrorLevel, nil, err))
		os.Exit(1)
	}
}
