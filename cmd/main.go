package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stanbrug/cs-kenter/internal/aggregate"
	"github.com/stanbrug/cs-kenter/internal/api"
	"github.com/stanbrug/cs-kenter/internal/auth"
	"github.com/stanbrug/cs-kenter/internal/config"
	"github.com/stanbrug/cs-kenter/internal/metrics"
	"github.com/stanbrug/cs-kenter/internal/mqtt"
	"github.com/stanbrug/cs-kenter/internal/scheduler"
)

// Command cs-kenter bridges the Kenter metering API to an MQTT broker
// for Home Assistant.
//
// The service supports:
//   - OAuth2 client-credentials authentication with refresh fallback
//   - Day totals, 15-minute-aligned running totals, and full
//     quarter-hour breakdowns, selected by configuration
//   - Retained HA discovery and state publishing
//   - Prometheus metrics
//
// Usage:
//
//	cs-kenter [flags]
//
// The flags are:
//
//	-config string
//	      path to an optional YAML config file; environment variables
//	      (KENTER_CLIENT_ID, MQTT_HOST, ...) override file values
func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	logger.WithFields(logrus.Fields{
		"mode":           cfg.Schedule.Mode,
		"metering_point": cfg.Kenter.MeteringPoint,
	}).Info("starting cs-kenter bridge")

	tokens := auth.NewManager(auth.Credentials{
		ClientID:     cfg.Kenter.ClientID,
		ClientSecret: cfg.Kenter.ClientSecret,
		TokenURL:     cfg.Kenter.TokenURL,
		Scope:        cfg.Kenter.Scope,
	}, logger)

	fetcher := api.NewFetcher(
		cfg.Kenter.APIURL,
		cfg.Kenter.ConnectionID,
		cfg.Kenter.MeteringPoint,
		tokens,
		logger,
	)

	publisher := mqtt.NewPublisher(mqtt.Config{
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		ClientID: cfg.MQTT.ClientID,
	}, logger)
	if !publisher.Connect() {
		// Not fatal: the publish path reconnects every cycle.
		logger.Warn("broker unreachable at startup, retrying per publish cycle")
	}

	sensors := mqtt.NewSensorPublisher(
		publisher,
		cfg.Kenter.MeteringPoint,
		cfg.MQTT.Namespace,
		cfg.MQTT.DiscoveryPrefix,
		cfg.Schedule.Mode,
		logger,
	)

	var acc aggregate.Accumulator = aggregate.SingleInstant{}
	if cfg.Schedule.Mode == config.ModeInterval {
		acc = aggregate.NewDailyTotal(time.Local)
	}

	poller, err := scheduler.New(cfg.Schedule, fetcher, acc, sensors, logger)
	if err != nil {
		logger.Fatalf("Failed to create scheduler: %v", err)
	}
	if err := poller.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	if cfg.Metrics.Port > 0 {
		go serveMetrics(cfg.Metrics.Port, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.WithField("signal", sig.String()).Info("shutting down")
	poller.Stop()
	publisher.Disconnect()
}

func serveMetrics(port int, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.WithField("addr", addr).Info("serving prometheus metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Error("metrics listener stopped")
	}
}
