package queue

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("document.application", map[string]string{"k": "v"})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "document.application", env.PayloadType)
	assert.Equal(t, PriorityNormal, env.Priority)
	assert.Equal(t, 0, env.RetryCount)
	assert.Equal(t, 3, env.MaxRetries)
	assert.True(t, env.Persistent)
	assert.WithinDuration(t, time.Now(), env.CreatedAt, time.Second)
}

func TestPublishing(t *testing.T) {
	t.Run("carries retry headers and persistence", func(t *testing.T) {
		env, err := NewEnvelope("document.application", "payload")
		require.NoError(t, err)
		env.RetryCount = 2
		env.MaxRetries = 5

		pub, err := env.publishing()
		require.NoError(t, err)

		assert.Equal(t, "application/json", pub.ContentType)
		assert.Equal(t, env.ID, pub.MessageId)
		assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
		assert.Equal(t, int32(2), pub.Headers[HeaderRetryCount])
		assert.Equal(t, int32(5), pub.Headers[HeaderMaxRetries])
	})

	t.Run("clamps priority to the queue ceiling", func(t *testing.T) {
		env, err := NewEnvelope("document.application", "payload")
		require.NoError(t, err)
		env.Priority = 200

		pub, err := env.publishing()
		require.NoError(t, err)
		assert.Equal(t, MaxPriority, pub.Priority)
	})

	t.Run("transient when not persistent", func(t *testing.T) {
		env, err := NewEnvelope("document.application", "payload")
		require.NoError(t, err)
		env.Persistent = false

		pub, err := env.publishing()
		require.NoError(t, err)
		assert.Equal(t, amqp.Transient, pub.DeliveryMode)
	})

	t.Run("expiration becomes a TTL", func(t *testing.T) {
		env, err := NewEnvelope("document.application", "payload")
		require.NoError(t, err)
		expires := time.Now().Add(time.Minute)
		env.ExpiresAt = &expires

		pub, err := env.publishing()
		require.NoError(t, err)
		assert.NotEmpty(t, pub.Expiration)
	})

	t.Run("already expired envelope is rejected", func(t *testing.T) {
		env, err := NewEnvelope("document.application", "payload")
		require.NoError(t, err)
		expired := time.Now().Add(-time.Minute)
		env.ExpiresAt = &expired

		_, err = env.publishing()
		assert.Error(t, err)
	})
}

func TestDecodeEnvelope(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		env, err := NewEnvelope("document.application", map[string]int{"n": 7})
		require.NoError(t, err)

		pub, err := env.publishing()
		require.NoError(t, err)

		decoded, err := decodeEnvelope(&amqp.Delivery{Body: pub.Body, Headers: pub.Headers})
		require.NoError(t, err)

		assert.Equal(t, env.ID, decoded.ID)
		assert.Equal(t, env.PayloadType, decoded.PayloadType)
		assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
	})

	t.Run("headers win over serialized body", func(t *testing.T) {
		env, err := NewEnvelope("document.application", "payload")
		require.NoError(t, err)
		pub, err := env.publishing()
		require.NoError(t, err)

		// Simulate a redelivery where only headers were rewritten.
		pub.Headers[HeaderRetryCount] = int32(2)

		decoded, err := decodeEnvelope(&amqp.Delivery{Body: pub.Body, Headers: pub.Headers})
		require.NoError(t, err)
		assert.Equal(t, 2, decoded.RetryCount)
	})

	t.Run("missing headers fall back to body", func(t *testing.T) {
		env, err := NewEnvelope("document.application", "payload")
		require.NoError(t, err)
		env.RetryCount = 1
		body, err := json.Marshal(env)
		require.NoError(t, err)

		decoded, err := decodeEnvelope(&amqp.Delivery{Body: body})
		require.NoError(t, err)
		assert.Equal(t, 1, decoded.RetryCount)
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		_, err := decodeEnvelope(&amqp.Delivery{Body: []byte("not json")})
		assert.Error(t, err)
	})

	t.Run("rejects envelope without id", func(t *testing.T) {
		_, err := decodeEnvelope(&amqp.Delivery{Body: []byte(`{"payload_type":"x"}`)})
		assert.Error(t, err)
	})
}

func TestHeaderInt(t *testing.T) {
	table := amqp.Table{
		"i":   int(1),
		"i8":  int8(2),
		"i16": int16(3),
		"i32": int32(4),
		"i64": int64(5),
		"str": "nope",
	}

	assert.Equal(t, 1, headerInt(table, "i", 0))
	assert.Equal(t, 2, headerInt(table, "i8", 0))
	assert.Equal(t, 3, headerInt(table, "i16", 0))
	assert.Equal(t, 4, headerInt(table, "i32", 0))
	assert.Equal(t, 5, headerInt(table, "i64", 0))
	assert.Equal(t, 9, headerInt(table, "str", 9))
	assert.Equal(t, 9, headerInt(table, "missing", 9))
}

func TestTopologyNaming(t *testing.T) {
	t.Run("document topology", func(t *testing.T) {
		top := TopologyFor("Bank_Statement")

		assert.Equal(t, "documents", top.ExchangeName)
		assert.Equal(t, "documents.bank_statement", top.QueueName)
		assert.Equal(t, "bank_statement", top.RoutingKey)
		assert.Equal(t, "documents.dlx", top.DeadLetterExchange)
		assert.Equal(t, "documents.bank_statement.dead", top.DeadLetterQueue)
	})

	t.Run("webhook topology", func(t *testing.T) {
		top := WebhookTopology()

		assert.Equal(t, "webhooks", top.ExchangeName)
		assert.Equal(t, "webhooks.delivery", top.QueueName)
		assert.Equal(t, "documents.dlx", top.DeadLetterExchange)
		assert.Equal(t, "webhooks.delivery.dead", top.DeadLetterQueue)
	})
}
