package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var missed = domain.CallEvent{
	CallID: "c1",
	Caller: "alice",
	Callee: "bob",
	Type:   domain.CallAudio,
	Status: domain.CallMissed,
	At:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
}

func TestKafkaPublisherSendsKeyedRecord(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "c1" {
			return errors.New("unexpected key " + string(key))
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var ev domain.CallEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		if ev.Status != domain.CallMissed {
			return errors.New("unexpected status")
		}
		return nil
	})

	p := NewKafkaPublisher(producer, "call-events")
	require.NoError(t, p.Publish(context.Background(), missed))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Error(t, p.Publish(context.Background(), missed))
}

func TestKafkaPublisherRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	p := NewKafkaPublisher(producer, "call-events")
	require.NoError(t, p.Publish(context.Background(), missed))
	require.NoError(t, p.Close())
}

func TestNewSelectsPublisher(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Options{}, nil)
	require.NoError(t, err)
	assert.IsType(t, Noop{}, p)
	assert.NoError(t, p.Publish(ctx, missed))

	_, err = New(ctx, Options{Type: TypeRedis}, nil)
	assert.Error(t, err)

	_, err = New(ctx, Options{Type: TypeKafka}, nil)
	assert.Error(t, err)

	_, err = New(ctx, Options{Type: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}
