package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewAMQPPublisher_DeclaresDurableQueue tests queue declaration on
// construction.
func TestNewAMQPPublisher_DeclaresDurableQueue(t *testing.T) {
	dialer, channel, _ := SetupMockDialerForTest()

	pub, err := NewAMQPPublisherWithDialer(Config{
		URL:   "amqp://localhost:5672",
		Queue: "ktrdr.operations",
	}, dialer)
	require.NoError(t, err)
	defer pub.Close()

	assert.True(t, dialer.DialCalled)
	assert.Equal(t, "amqp://localhost:5672", dialer.LastURL)
	assert.True(t, channel.QueueDeclareCalled)
	assert.Equal(t, "ktrdr.operations", channel.LastQueueName)
	assert.True(t, channel.LastDurable)
}

// TestNewAMQPPublisher_SetupFailures tests cleanup on construction
// errors.
func TestNewAMQPPublisher_SetupFailures(t *testing.T) {
	tests := []struct {
		name   string
		dialer func() (*MockAMQPDialer, *MockAMQPConnection)
	}{
		{
			name: "DialError",
			dialer: func() (*MockAMQPDialer, *MockAMQPConnection) {
				return &MockAMQPDialer{DialErr: errors.New("connection refused")}, nil
			},
		},
		{
			name: "ChannelError",
			dialer: func() (*MockAMQPDialer, *MockAMQPConnection) {
				conn := &MockAMQPConnection{ChannelErr: errors.New("failed to open channel")}
				return &MockAMQPDialer{MockConnection: conn}, conn
			},
		},
		{
			name: "QueueDeclareError",
			dialer: func() (*MockAMQPDialer, *MockAMQPConnection) {
				conn := &MockAMQPConnection{
					MockChannel: &MockAMQPChannel{QueueDeclareErr: errors.New("access refused")},
				}
				return &MockAMQPDialer{MockConnection: conn}, conn
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer, conn := tt.dialer()
			pub, err := NewAMQPPublisherWithDialer(Config{
				URL:   "amqp://localhost:5672",
				Queue: "ktrdr.operations",
			}, dialer)
			assert.Error(t, err)
			assert.Nil(t, pub)
			if conn != nil {
				assert.True(t, conn.CloseCalled, "connection should be closed on setup failure")
			}
		})
	}
}

// TestAMQPPublisher_PublishOperationEvent tests event serialization and
// routing.
func TestAMQPPublisher_PublishOperationEvent(t *testing.T) {
	dialer, channel, _ := SetupMockDialerForTest()

	pub, err := NewAMQPPublisherWithDialer(Config{
		URL:   "amqp://localhost:5672",
		Queue: "ktrdr.operations",
	}, dialer)
	require.NoError(t, err)
	defer pub.Close()

	err = pub.PublishOperationEvent(Event{
		Type:          TypeCompleted,
		OperationID:   "op_123",
		OperationType: "training",
		Status:        "COMPLETED",
		Worker:        "wrk_1",
	})
	require.NoError(t, err)

	published := channel.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "application/json", published[0].ContentType)
	assert.Equal(t, "ktrdr.operations", channel.LastKey)
	assert.Equal(t, "", channel.LastExchange)

	var decoded Event
	require.NoError(t, json.Unmarshal(published[0].Body, &decoded))
	assert.Equal(t, TypeCompleted, decoded.Type)
	assert.Equal(t, "op_123", decoded.OperationID)
	assert.Equal(t, "training", decoded.OperationType)
	assert.Equal(t, "wrk_1", decoded.Worker)
	assert.False(t, decoded.At.IsZero(), "publish should stamp the event time")
}

// TestAMQPPublisher_PublishError tests error propagation from the
// channel.
func TestAMQPPublisher_PublishError(t *testing.T) {
	dialer, channel, _ := SetupMockDialerForTest()
	channel.PublishErr = errors.New("channel closed")

	pub, err := NewAMQPPublisherWithDialer(Config{
		URL:   "amqp://localhost:5672",
		Queue: "ktrdr.operations",
	}, dialer)
	require.NoError(t, err)
	defer pub.Close()

	err = pub.PublishOperationEvent(Event{Type: TypeCreated, OperationID: "op_1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish event")
}

// TestAMQPPublisher_Close tests resource cleanup.
func TestAMQPPublisher_Close(t *testing.T) {
	dialer, channel, conn := SetupMockDialerForTest()

	pub, err := NewAMQPPublisherWithDialer(Config{
		URL:   "amqp://localhost:5672",
		Queue: "ktrdr.operations",
	}, dialer)
	require.NoError(t, err)

	require.NoError(t, pub.Close())
	assert.True(t, channel.CloseCalled)
	assert.True(t, conn.CloseCalled)
}

// TestNopPublisher tests the disabled publisher.
func TestNopPublisher(t *testing.T) {
	var pub Publisher = NopPublisher{}

	assert.NoError(t, pub.PublishOperationEvent(Event{Type: TypeCreated, OperationID: "op_1"}))
	assert.NoError(t, pub.Close())
}
