package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ramiqadoumi/taskflow-master/internal/domain"
	"github.com/ramiqadoumi/taskflow-master/internal/kafka"
)

// KafkaNotifier publishes terminal notices keyed by process instance, so
// one process's outcomes stay ordered on one partition.
type KafkaNotifier struct {
	producer kafka.Producer
	topic    string
}

// NewKafkaNotifier publishes to kafka.TopicTerminal.
func NewKafkaNotifier(producer kafka.Producer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: kafka.TopicTerminal}
}

func (k *KafkaNotifier) OnTaskTerminal(ctx context.Context, n domain.TerminalNotice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal terminal notice: %w", err)
	}
	return k.producer.Publish(ctx, kafka.Record{
		Topic: k.topic,
		Key:   strconv.Itoa(n.ProcessInstanceID),
		Value: data,
		Kind:  kafka.KindTerminal,
	})
}
