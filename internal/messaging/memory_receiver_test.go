package messaging

import (
	"context"
	"testing"
	"time"

	"profile-notifier/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReceiver_PollEmptyWaits(t *testing.T) {
	r := NewMemoryReceiver("mem", time.Minute, 0)

	start := time.Now()
	msgs, err := r.Poll(context.Background(), 10, 50*time.Millisecond)

	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryReceiver_PollWakesOnSend(t *testing.T) {
	r := NewMemoryReceiver("mem", time.Minute, 0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = r.Send([]byte(`{"accountId":"a","kind":"x"}`))
	}()

	msgs, err := r.Poll(context.Background(), 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "mem", msgs[0].Source)
	assert.Equal(t, 1, msgs[0].ApproximateReceiveCount)
}

func TestMemoryReceiver_AckRemoves(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryReceiver("mem", time.Minute, 0)
	for i := 0; i < 3; i++ {
		_, err := r.Send([]byte("body"))
		require.NoError(t, err)
	}

	msgs, err := r.Poll(ctx, 2, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, r.Ack(ctx, msgs[0].ReceiptHandle))
	assert.ErrorIs(t, r.Ack(ctx, msgs[0].ReceiptHandle), models.ErrReceiptHandleInvalid)
	require.NoError(t, r.Reject(ctx, msgs[1].ReceiptHandle))

	assert.Equal(t, 1, r.Pending())
	acked, rejected := r.Stats()
	assert.Equal(t, 1, acked)
	assert.Equal(t, 1, rejected)
}

func TestMemoryReceiver_VisibilityTimeoutRedelivers(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryReceiver("mem", 50*time.Millisecond, 0)
	id, err := r.Send([]byte("body"))
	require.NoError(t, err)

	first, err := r.Poll(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Пока аренда не истекла, сообщение скрыто.
	hidden, err := r.Poll(ctx, 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, hidden)

	second, err := r.Poll(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, id, second[0].ID)
	assert.Equal(t, 2, second[0].ApproximateReceiveCount)
	assert.NotEqual(t, first[0].ReceiptHandle, second[0].ReceiptHandle)

	assert.ErrorIs(t, r.Ack(ctx, first[0].ReceiptHandle), models.ErrReceiptHandleInvalid)
	assert.NoError(t, r.Ack(ctx, second[0].ReceiptHandle))
}

func TestMemoryReceiver_ReleaseAndExtend(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryReceiver("mem", time.Minute, 0)
	_, err := r.Send([]byte("body"))
	require.NoError(t, err)

	msgs, err := r.Poll(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, r.ExtendLease(ctx, msgs[0].ReceiptHandle, 2*time.Minute))

	require.NoError(t, r.Release(ctx, msgs[0].ReceiptHandle))
	assert.ErrorIs(t, r.Ack(ctx, msgs[0].ReceiptHandle), models.ErrReceiptHandleInvalid)

	again, err := r.Poll(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].ApproximateReceiveCount)
}

func TestMemoryReceiver_Close(t *testing.T) {
	r := NewMemoryReceiver("mem", time.Minute, 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Poll(context.Background(), 1, 5*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, models.ErrReceiverClosed)
	case <-time.After(time.Second):
		t.Fatal("Poll did not return after Close")
	}
	_, err := r.Send([]byte("late"))
	assert.ErrorIs(t, err, models.ErrReceiverClosed)
}

func TestMemoryReceiver_PollRespectsContext(t *testing.T) {
	r := NewMemoryReceiver("mem", time.Minute, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Poll(ctx, 1, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
