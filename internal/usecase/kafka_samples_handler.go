package usecase

import (
	"context"
	"encoding/json"
	"time"

	"TradeGuard/internal/domain/models"
	"TradeGuard/internal/domain/repository"
	pkgkafka "TradeGuard/pkg/kafka"
)

// KafkaSamplesHandler consumes metric samples from Kafka and feeds the control
// loop. Delivery is at-least-once; the loop's deduper absorbs redeliveries.
type KafkaSamplesHandler struct {
	topic   string
	loop    *ControlLoop
	metrics repository.Metrics
}

func NewKafkaSamplesHandler(topic string, loop *ControlLoop, metrics repository.Metrics) *KafkaSamplesHandler {
	return &KafkaSamplesHandler{topic: topic, loop: loop, metrics: metrics}
}

func (h *KafkaSamplesHandler) Topic() string { return h.topic }

// incoming message schema: {source_id, ts, value, tags}
func (h *KafkaSamplesHandler) Handle(ctx context.Context, b []byte) error {
	var m struct {
		SourceID string            `json:"source_id"`
		TS       int64             `json:"ts"`
		Value    float64           `json:"value"`
		Tags     map[string]string `json:"tags"`
	}
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return err
	}
	ts := time.Unix(m.TS, 0)
	if m.TS > 1e11 { // ms
		ts = time.UnixMilli(m.TS)
	}
	h.metrics.RecordLatency("ingest_e2e", time.Since(ts))

	return h.loop.Process(ctx, &models.MetricSample{
		SourceID:  m.SourceID,
		Timestamp: ts,
		Value:     m.Value,
		Tags:      m.Tags,
	})
}

var _ pkgkafka.MessageHandler = (*KafkaSamplesHandler)(nil)
