package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPublisher struct {
	err    error
	events []Event
	closed bool
}

func (s *stubPublisher) Publish(_ context.Context, _ string, ev Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *stubPublisher) Close() error {
	s.closed = true
	return nil
}

func TestFanoutToleratesPartialFailure(t *testing.T) {
	ok := &stubPublisher{}
	broken := &stubPublisher{err: errors.New("broker down")}
	f := NewFanout(broken, ok)

	ev := NewEvent("settlement.completed", "0xabc", map[string]string{"status": "COMPLETED"})
	require.NoError(t, f.Publish(context.Background(), TopicSettlements, ev))
	require.Len(t, ok.events, 1)
	assert.Equal(t, ev.ID, ok.events[0].ID)

	require.NoError(t, f.Close())
	assert.True(t, ok.closed)
	assert.True(t, broken.closed)
}

func TestFanoutFailsWhenEveryDestinationFails(t *testing.T) {
	f := NewFanout(&stubPublisher{err: errors.New("a")}, &stubPublisher{err: errors.New("b")})
	err := f.Publish(context.Background(), TopicWithdrawals, NewEvent("withdrawal.failed", "w1", nil))
	assert.Error(t, err)
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, nil)
	assert.Error(t, err)

	assert.NoError(t, Nop{}.Publish(context.Background(), TopicOrders, Event{}))
}
