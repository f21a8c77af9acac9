package repository

import (
	"context"

	"StockMaster/internal/domain/models"
	drepo "StockMaster/internal/domain/repository"
	"StockMaster/pkg/kafka"
	"StockMaster/pkg/logger"
)

// KafkaAuditSink publishes one record per classified symbol to the audit
// topic, keyed by symbol so a consumer sees each instrument's history in
// order. Publish failures are logged and swallowed: the audit trail is a
// by-product, never a reason to fail a run.
type KafkaAuditSink struct {
	producer *kafka.Producer
	topic    string
	log      *logger.Logger
}

func NewKafkaAuditSink(producer *kafka.Producer, topic string, log *logger.Logger) *KafkaAuditSink {
	return &KafkaAuditSink{producer: producer, topic: topic, log: log}
}

func (s *KafkaAuditSink) Record(ctx context.Context, o models.Outcome) error {
	if err := s.producer.Publish(ctx, s.topic, []byte(o.Symbol), o); err != nil {
		s.log.Warn("audit publish failed",
			logger.String("symbol", o.Symbol),
			logger.String("classification", string(o.Classification)),
			logger.Error(err))
	}
	return nil
}

func (s *KafkaAuditSink) Close() error {
	return s.producer.Close()
}

// LogAuditSink is the fallback when Kafka is disabled: outcomes still land in
// the structured log so a run stays auditable.
type LogAuditSink struct {
	log *logger.Logger
}

func NewLogAuditSink(log *logger.Logger) *LogAuditSink {
	return &LogAuditSink{log: log}
}

func (s *LogAuditSink) Record(_ context.Context, o models.Outcome) error {
	s.log.Info("audit",
		logger.String("run_id", o.RunID),
		logger.String("symbol", o.Symbol),
		logger.String("market", string(o.Market)),
		logger.String("classification", string(o.Classification)),
		logger.Bool("written", o.Written),
		logger.String("evidence", o.Evidence))
	return nil
}

func (s *LogAuditSink) Close() error { return nil }

var (
	_ drepo.AuditSink = (*KafkaAuditSink)(nil)
	_ drepo.AuditSink = (*LogAuditSink)(nil)
)
