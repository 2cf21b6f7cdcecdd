// Package main provides the supply alert service entry point.
// Consumes committed-prescription events and raises an alert for every
// medication whose remaining supply is at or below the threshold.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/okusuri/go-rxscan/internal/domain/prescription"
	"github.com/okusuri/go-rxscan/internal/infrastructure/redpanda"
	"github.com/okusuri/go-rxscan/pkg/workerpool"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	brokers := []string{"localhost:9092"}
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		brokers = strings.Split(b, ",")
	}

	threshold := 3
	if v := os.Getenv("ALERT_THRESHOLD_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			threshold = n
		}
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = brokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = 16

	workers := workerpool.New(poolCfg, logger)
	workers.Start()
	defer workers.Stop()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = brokers
	consumerCfg.GroupID = "supply-alerts"
	consumerCfg.Topics = []string{redpanda.TopicCommitted}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		var event prescription.CommittedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			// Malformed payloads are logged and skipped, not redelivered.
			logger.Error("malformed committed event",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}

		return workers.Submit(&workerpool.Job{
			ID: fmt.Sprintf("alerts-%s", event.Prescription.ID),
			Run: func(ctx context.Context) {
				checkSupply(ctx, &event, threshold, producer, logger)
			},
		})
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("supply alert service started",
		zap.Strings("brokers", brokers),
		zap.Int("threshold_days", threshold))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	logger.Info("supply alert service stopped")
}

// checkSupply projects the remaining supply of every medication on the
// committed prescription and publishes an alert for each one at or below the
// threshold. Medications already exhausted are skipped; the inventory view
// no longer shows them either.
func checkSupply(ctx context.Context, event *prescription.CommittedEvent, threshold int, producer *redpanda.Producer, logger *zap.Logger) {
	prescDate, err := prescription.ParseDate(event.Prescription.PrescriptionDate)
	if err != nil {
		logger.Error("committed event carries unparseable date",
			zap.String("prescription_id", event.Prescription.ID),
			zap.String("date", event.Prescription.PrescriptionDate),
			zap.Error(err))
		return
	}

	now := time.Now()
	for _, med := range event.Prescription.Medications {
		remaining := prescription.RemainingDays(prescDate, med.Days, now)
		if remaining == 0 || remaining > threshold {
			continue
		}

		alert := prescription.SupplyAlertEvent{
			EventType:     prescription.EventSupplyAlert,
			SessionID:     event.SessionID,
			MedicationID:  med.ID,
			Name:          med.Name,
			RemainingDays: remaining,
			RaisedAt:      now.UTC(),
		}
		payload, err := json.Marshal(alert)
		if err != nil {
			logger.Error("alert marshal failed", zap.Error(err))
			continue
		}

		if err := producer.Publish(ctx, redpanda.TopicSupplyAlerts, med.ID, payload); err != nil {
			logger.Error("alert publish failed",
				zap.String("medication_id", med.ID),
				zap.Error(err))
			continue
		}

		logger.Info("supply alert raised",
			zap.String("session_id", event.SessionID),
			zap.String("medication", med.Name),
			zap.Int("remaining_days", remaining))
	}
}
