package job

import (
	"context"
	"time"

	"payrecon/internal/config"
	"payrecon/internal/model"
	"payrecon/internal/repository"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// MessageSender 由 mq.KafkaProducer 实现
type MessageSender interface {
	SendMessage(topic, key, value string, headers map[string]string) error
}

// OutboxSender 轮询 outbox 表，把支付事件投递到 Kafka
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	producer   MessageSender
	maxRetry   int
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	log        zerolog.Logger
}

func NewOutboxSender(db *gorm.DB, producer MessageSender, cfg *config.Config, log zerolog.Logger) *OutboxSender {
	maxRetry := cfg.Business.MaxRetryCount
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		producer:   producer,
		maxRetry:   maxRetry,
		stopCh:     make(chan struct{}),
		interval:   500 * time.Millisecond,
		batchSize:  100,
		log:        log.With().Str("component", "OutboxSender").Logger(),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("outbox sender exiting on context cancel")
			return
		case <-s.stopCh:
			s.log.Info().Msg("outbox sender stopped")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPending 处理一批待发送消息，返回发送成功的条数
func (s *OutboxSender) ProcessPending(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("load pending outbox messages")
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.send(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) send(ctx context.Context, msg *model.OutboxMessage) bool {
	headers := map[string]string{"event_type": msg.EventType}
	err := s.producer.SendMessage(msg.Topic, msg.MessageKey, msg.Payload, headers)
	if err == nil {
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			s.log.Error().Err(updateErr).Int64("id", msg.ID).Msg("mark outbox message sent")
			return false
		}
		s.log.Debug().Int64("id", msg.ID).Str("topic", msg.Topic).Str("key", msg.MessageKey).Msg("outbox message sent")
		return true
	}

	s.log.Warn().Err(err).Int64("id", msg.ID).Int("retry_count", msg.RetryCount).Msg("outbox message send failed")
	exhausted, recordErr := s.outboxRepo.RecordFailure(ctx, msg.ID, s.maxRetry)
	if recordErr != nil {
		s.log.Error().Err(recordErr).Int64("id", msg.ID).Msg("record outbox failure")
		return false
	}
	if exhausted {
		s.log.Error().Int64("id", msg.ID).Str("event_type", msg.EventType).Msg("outbox message exceeded max retries, marked failed")
	}
	return false
}
