package mq

import (
	"fmt"

	"payrecon/internal/config"

	"github.com/IBM/sarama"
)

// KafkaProducer 同步生产者，供 outbox 发送任务使用
type KafkaProducer struct {
	producer sarama.SyncProducer
}

func NewKafkaProducer(cfg *config.KafkaConfig) (*KafkaProducer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1
	kafkaConfig.Version = sarama.V2_1_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaProducer{producer: producer}, nil
}

// NewKafkaProducerFrom 包装已有的 SyncProducer（测试时传入 sarama/mocks）
func NewKafkaProducerFrom(producer sarama.SyncProducer) *KafkaProducer {
	return &KafkaProducer{producer: producer}
}

func (p *KafkaProducer) SendMessage(topic, key, value string, headers map[string]string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *KafkaProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
