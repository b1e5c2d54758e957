package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"profile-notifier/internal/interfaces/mocks"
	"profile-notifier/internal/metrics"
	"profile-notifier/internal/models"
	"profile-notifier/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// transportFunc позволяет описать транспорт прямо в тесте.
type transportFunc func(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error

func (f transportFunc) Send(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error {
	return f(ctx, endpoint, payload)
}

func testEvent() models.ChangeEvent {
	return models.ChangeEvent{
		AccountID:       "abc123",
		Kind:            models.KindProfileDataChanged,
		OccurredAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		SourceMessageID: "msg-1",
	}
}

func fcmDevice(id string) models.Device {
	return models.Device{
		ID:        id,
		AccountID: "abc123",
		PushEndpoint: &models.Endpoint{
			Platform: models.PlatformFCM,
			Address:  "token-" + id,
		},
	}
}

func endpointFor(id string) interface{} {
	return mock.MatchedBy(func(e models.Endpoint) bool { return e.Address == "token-"+id })
}

func TestDispatcher_Dispatch(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	t.Run("Gone endpoint does not affect other devices", func(t *testing.T) {
		transport := new(mocks.PushTransport)
		directory := new(mocks.AccountDirectory)
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)

		transport.On("Send", mock.Anything, endpointFor("A"), mock.Anything).Return(nil).Once()
		transport.On("Send", mock.Anything, endpointFor("B"), mock.Anything).
			Return(fmt.Errorf("%w: unregistered", models.ErrEndpointGone)).Once()
		transport.On("Send", mock.Anything, endpointFor("C"), mock.Anything).Return(nil).Once()
		directory.On("ClearPushEndpoint", mock.Anything, "B").Return(nil).Once()

		d := service.NewDispatcher(transport, directory, service.DispatcherConfig{}, m, logger)
		outcomes := d.Dispatch(ctx, testEvent(), []models.Device{fcmDevice("A"), fcmDevice("B"), fcmDevice("C")})

		require.Len(t, outcomes, 3)
		assert.Equal(t, models.StatusDelivered, outcomes[0].Status)
		assert.Equal(t, "A", outcomes[0].DeviceID)
		assert.Equal(t, models.StatusFailedPermanent, outcomes[1].Status)
		assert.True(t, outcomes[1].Pruned)
		assert.ErrorIs(t, outcomes[1].Err, models.ErrEndpointGone)
		assert.Equal(t, models.StatusDelivered, outcomes[2].Status)

		transport.AssertExpectations(t)
		directory.AssertExpectations(t)
		directory.AssertNotCalled(t, "ClearPushEndpoint", mock.Anything, "A")
		directory.AssertNotCalled(t, "ClearPushEndpoint", mock.Anything, "C")

		assert.Equal(t, 2.0, testutil.ToFloat64(m.DeviceDeliveries.WithLabelValues(string(models.StatusDelivered))))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.DeviceDeliveries.WithLabelValues(string(models.StatusFailedPermanent))))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.EndpointPrunes.WithLabelValues("ok")))
	})

	t.Run("Devices without endpoint are skipped", func(t *testing.T) {
		transport := new(mocks.PushTransport)
		transport.On("Send", mock.Anything, endpointFor("A"), mock.Anything).Return(nil).Once()

		noEndpoint := models.Device{ID: "N", AccountID: "abc123"}
		d := service.NewDispatcher(transport, nil, service.DispatcherConfig{}, nil, logger)
		outcomes := d.Dispatch(ctx, testEvent(), []models.Device{noEndpoint, fcmDevice("A")})

		require.Len(t, outcomes, 2)
		assert.Equal(t, models.StatusSkipped, outcomes[0].Status)
		assert.Equal(t, "N", outcomes[0].DeviceID)
		assert.Equal(t, models.StatusDelivered, outcomes[1].Status)
		transport.AssertNumberOfCalls(t, "Send", 1)
	})

	t.Run("Transient failure is reported and nothing is pruned", func(t *testing.T) {
		transport := new(mocks.PushTransport)
		directory := new(mocks.AccountDirectory)
		transport.On("Send", mock.Anything, endpointFor("A"), mock.Anything).Return(errors.New("503 from push service")).Once()

		d := service.NewDispatcher(transport, directory, service.DispatcherConfig{}, nil, logger)
		outcomes := d.Dispatch(ctx, testEvent(), []models.Device{fcmDevice("A")})

		require.Len(t, outcomes, 1)
		assert.Equal(t, models.StatusFailedTransient, outcomes[0].Status)
		assert.False(t, outcomes[0].Pruned)
		directory.AssertNotCalled(t, "ClearPushEndpoint", mock.Anything, mock.Anything)
	})

	t.Run("Prune failure keeps permanent status", func(t *testing.T) {
		transport := new(mocks.PushTransport)
		directory := new(mocks.AccountDirectory)
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		transport.On("Send", mock.Anything, endpointFor("B"), mock.Anything).Return(models.ErrEndpointGone).Once()
		directory.On("ClearPushEndpoint", mock.Anything, "B").Return(errors.New("db down")).Once()

		d := service.NewDispatcher(transport, directory, service.DispatcherConfig{}, m, logger)
		outcomes := d.Dispatch(ctx, testEvent(), []models.Device{fcmDevice("B")})

		require.Len(t, outcomes, 1)
		assert.Equal(t, models.StatusFailedPermanent, outcomes[0].Status)
		assert.False(t, outcomes[0].Pruned)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.EndpointPrunes.WithLabelValues("error")))
	})

	t.Run("Panic in transport is isolated", func(t *testing.T) {
		transport := transportFunc(func(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error {
			if endpoint.Address == "token-B" {
				panic("boom")
			}
			return nil
		})

		d := service.NewDispatcher(transport, nil, service.DispatcherConfig{}, nil, logger)
		outcomes := d.Dispatch(ctx, testEvent(), []models.Device{fcmDevice("A"), fcmDevice("B"), fcmDevice("C")})

		require.Len(t, outcomes, 3)
		assert.Equal(t, models.StatusDelivered, outcomes[0].Status)
		assert.Equal(t, models.StatusFailedTransient, outcomes[1].Status)
		assert.Error(t, outcomes[1].Err)
		assert.Equal(t, models.StatusDelivered, outcomes[2].Status)
	})

	t.Run("Send timeout is transient", func(t *testing.T) {
		transport := transportFunc(func(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error {
			<-ctx.Done()
			return ctx.Err()
		})

		d := service.NewDispatcher(transport, nil, service.DispatcherConfig{SendTimeout: 20 * time.Millisecond}, nil, logger)
		outcomes := d.Dispatch(ctx, testEvent(), []models.Device{fcmDevice("A")})

		require.Len(t, outcomes, 1)
		assert.Equal(t, models.StatusFailedTransient, outcomes[0].Status)
		assert.ErrorIs(t, outcomes[0].Err, context.DeadlineExceeded)
	})

	t.Run("Concurrent sends are bounded", func(t *testing.T) {
		const limit = 3
		var (
			inFlight    int32
			maxInFlight int32
			mu          sync.Mutex
			seen        = map[string]bool{}
		)
		transport := transportFunc(func(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				prev := atomic.LoadInt32(&maxInFlight)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)

			mu.Lock()
			seen[endpoint.Address] = true
			mu.Unlock()
			return nil
		})

		devices := make([]models.Device, 0, 25)
		for i := 0; i < 25; i++ {
			devices = append(devices, fcmDevice(fmt.Sprintf("d%d", i)))
		}

		d := service.NewDispatcher(transport, nil, service.DispatcherConfig{MaxInFlight: limit}, nil, logger)
		outcomes := d.Dispatch(ctx, testEvent(), devices)

		require.Len(t, outcomes, len(devices))
		for i, o := range outcomes {
			assert.Equal(t, devices[i].ID, o.DeviceID)
			assert.Equal(t, models.StatusDelivered, o.Status)
		}
		assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(limit))
		assert.Len(t, seen, len(devices))
	})

	t.Run("Payload carries event data", func(t *testing.T) {
		var got models.PushPayload
		transport := transportFunc(func(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error {
			got = payload
			return nil
		})

		d := service.NewDispatcher(transport, nil, service.DispatcherConfig{}, nil, logger)
		d.Dispatch(ctx, testEvent(), []models.Device{fcmDevice("A")})

		assert.Equal(t, service.PushCommandProfileUpdated, got.Command)
		assert.Equal(t, "abc123", got.Data[service.PushDataAccountID])
		assert.Equal(t, "msg-1", got.Data[service.PushDataEventID])
	})
}
