package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatcore/internal/chat"
)

func testMessage() chat.Message {
	return chat.Message{
		ID:         "0b6c1f5e-7c1d-4b53-9a43-8f4f3c1a2d10",
		Room:       "lobby",
		AuthorID:   "u1",
		AuthorName: "User One",
		Body:       "hello",
		CreatedAt:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStore_AppendMessage(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Topic != "chat-messages" {
			return errors.New("wrong topic " + pm.Topic)
		}
		key, err := pm.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != testMessage().Room {
			return errors.New("key is not the room")
		}
		if len(pm.Headers) != 1 || string(pm.Headers[0].Key) != "message_id" || string(pm.Headers[0].Value) != testMessage().ID {
			return errors.New("missing message_id header")
		}
		value, err := pm.Value.Encode()
		if err != nil {
			return err
		}
		var got chat.Message
		if err := json.Unmarshal(value, &got); err != nil {
			return err
		}
		want := testMessage()
		if got.ID != want.ID || got.Body != want.Body || got.Room != want.Room || !got.CreatedAt.Equal(want.CreatedAt) {
			return errors.New("value does not round trip")
		}
		return nil
	})

	s := NewWithProducer(producer, "chat-messages")
	require.NoError(t, s.AppendMessage(context.Background(), testMessage()))
	require.NoError(t, s.Close())
}

func TestStore_RoomMessagesShareKey(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())

	var keys []string
	record := func(pm *sarama.ProducerMessage) error {
		key, err := pm.Key.Encode()
		if err != nil {
			return err
		}
		keys = append(keys, string(key))
		return nil
	}
	for range 3 {
		producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(record)
	}

	s := NewWithProducer(producer, "chat-messages")
	for i, room := range []string{"lobby", "lobby", "general"} {
		m := testMessage()
		m.ID = fmt.Sprintf("m%d", i)
		m.Room = room
		require.NoError(t, s.AppendMessage(context.Background(), m))
	}
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"lobby", "lobby", "general"}, keys)
}

func TestStore_AppendMessageFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s := NewWithProducer(producer, "chat-messages")
	err := s.AppendMessage(context.Background(), testMessage())
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, s.Close())
}

func TestStore_CancelledContextSkipsSend(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewWithProducer(producer, "chat-messages")
	assert.ErrorIs(t, s.AppendMessage(ctx, testMessage()), context.Canceled)
	require.NoError(t, s.Close())
}

func TestOpen_RequiresBrokersAndTopic(t *testing.T) {
	_, err := Open(Config{Topic: "t"})
	assert.Error(t, err)

	_, err = Open(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}
