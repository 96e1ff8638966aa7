package activity

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

// MessageWriter is the slice of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaSink publishes activity events keyed by lead id, so one lead's
// events stay ordered on a partition.
type KafkaSink struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaSink(brokersCSV, topic string) *KafkaSink {
	return NewKafkaSinkWithWriter(&kgo.Writer{
		Addr:         kgo.TCP(splitCSV(brokersCSV)...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	})
}

func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w, timeout: 3 * time.Second}
}

func (k *KafkaSink) Record(ctx context.Context, a domain.Activity) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := a.LeadID
	if key == "" {
		key = a.OrganizationID
	}
	cctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(key),
		Value: b,
		Time:  a.CreatedAt,
		Headers: []kgo.Header{
			{Key: "kind", Value: []byte(a.Kind)},
		},
	})
}

func (k *KafkaSink) Close() error { return k.writer.Close() }

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
