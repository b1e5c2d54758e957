package service

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"profile-notifier/internal/config"
	"profile-notifier/internal/models"

	fcm "firebase.google.com/go/v4/messaging"
	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testPayload = models.PushPayload{
	Version: 1,
	Command: PushCommandProfileUpdated,
	Data:    map[string]string{PushDataAccountID: "abc123"},
	TTL:     time.Hour,
}

// --- FCM ---

type fakeFCMClient struct {
	msg *fcm.Message
	err error
}

func (f *fakeFCMClient) Send(ctx context.Context, message *fcm.Message) (string, error) {
	f.msg = message
	if f.err != nil {
		return "", f.err
	}
	return "projects/test/messages/1", nil
}

func TestFCMSender_Send(t *testing.T) {
	errStale := errors.New("registration-token-not-registered")
	endpoint := models.Endpoint{Platform: models.PlatformFCM, Address: "fcm-token-123456"}

	newSender := func(client *fakeFCMClient) *fcmSender {
		s := newFCMSender(client, zap.NewNop())
		s.isStaleToken = func(err error) bool { return errors.Is(err, errStale) }
		return s
	}

	t.Run("Data-only message", func(t *testing.T) {
		client := &fakeFCMClient{}
		err := newSender(client).Send(context.Background(), endpoint, testPayload)

		require.NoError(t, err)
		require.NotNil(t, client.msg)
		assert.Equal(t, "fcm-token-123456", client.msg.Token)
		assert.Nil(t, client.msg.Notification)
		assert.Equal(t, PushCommandProfileUpdated, client.msg.Data["command"])
		assert.Equal(t, "1", client.msg.Data["version"])
		assert.Equal(t, "abc123", client.msg.Data[PushDataAccountID])
		require.NotNil(t, client.msg.Android)
		assert.Equal(t, "high", client.msg.Android.Priority)
		require.NotNil(t, client.msg.Android.TTL)
		assert.Equal(t, time.Hour, *client.msg.Android.TTL)
	})

	t.Run("Stale token is endpoint gone", func(t *testing.T) {
		err := newSender(&fakeFCMClient{err: errStale}).Send(context.Background(), endpoint, testPayload)
		assert.ErrorIs(t, err, models.ErrEndpointGone)
	})

	t.Run("Other errors are transient", func(t *testing.T) {
		err := newSender(&fakeFCMClient{err: errors.New("quota exceeded")}).Send(context.Background(), endpoint, testPayload)
		require.Error(t, err)
		assert.NotErrorIs(t, err, models.ErrEndpointGone)
	})
}

func TestNewFCMSender_NotConfigured(t *testing.T) {
	s, err := NewFCMSender(context.Background(), config.FCMConfig{}, zap.NewNop())
	assert.NoError(t, err)
	assert.Nil(t, s)
}

// --- APNs ---

type fakeAPNSClient struct {
	n   *apns2.Notification
	res *apns2.Response
	err error
}

func (f *fakeAPNSClient) PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	f.n = n
	return f.res, f.err
}

func TestApnsSender_Send(t *testing.T) {
	endpoint := models.Endpoint{Platform: models.PlatformAPNS, Address: "apns-device-token"}

	t.Run("Background push", func(t *testing.T) {
		client := &fakeAPNSClient{res: &apns2.Response{StatusCode: http.StatusOK, ApnsID: "id-1"}}
		err := newApnsSender(client, "com.example.app", zap.NewNop()).Send(context.Background(), endpoint, testPayload)

		require.NoError(t, err)
		require.NotNil(t, client.n)
		assert.Equal(t, "apns-device-token", client.n.DeviceToken)
		assert.Equal(t, "com.example.app", client.n.Topic)
		assert.Equal(t, apns2.PushTypeBackground, client.n.PushType)
		assert.Equal(t, apns2.PriorityLow, client.n.Priority)
		assert.False(t, client.n.Expiration.IsZero())
	})

	cases := []struct {
		name     string
		res      *apns2.Response
		wantGone bool
	}{
		{"Gone status", &apns2.Response{StatusCode: http.StatusGone, Reason: apns2.ReasonUnregistered}, true},
		{"Bad device token", &apns2.Response{StatusCode: http.StatusBadRequest, Reason: apns2.ReasonBadDeviceToken}, true},
		{"Token for other topic", &apns2.Response{StatusCode: http.StatusBadRequest, Reason: apns2.ReasonDeviceTokenNotForTopic}, true},
		{"Server error", &apns2.Response{StatusCode: http.StatusInternalServerError, Reason: apns2.ReasonInternalServerError}, false},
		{"Too many requests", &apns2.Response{StatusCode: http.StatusTooManyRequests, Reason: apns2.ReasonTooManyRequests}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeAPNSClient{res: tc.res}
			err := newApnsSender(client, "com.example.app", zap.NewNop()).Send(context.Background(), endpoint, testPayload)
			require.Error(t, err)
			assert.Equal(t, tc.wantGone, errors.Is(err, models.ErrEndpointGone))
		})
	}

	t.Run("Network error is transient", func(t *testing.T) {
		client := &fakeAPNSClient{err: errors.New("connection reset")}
		err := newApnsSender(client, "com.example.app", zap.NewNop()).Send(context.Background(), endpoint, testPayload)
		require.Error(t, err)
		assert.NotErrorIs(t, err, models.ErrEndpointGone)
	})
}

// --- Web Push ---

type recordedRequest struct {
	method  string
	headers http.Header
	body    []byte
}

func newPushService(t *testing.T, status int) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{method: r.Method, headers: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func testWebPushConfig(t *testing.T) config.WebPushConfig {
	t.Helper()
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return config.WebPushConfig{
		Subscriber:      "ops@example.com",
		VAPIDPublicKey:  publicKey,
		VAPIDPrivateKey: privateKey,
	}
}

func subscriptionKeys(t *testing.T) (p256dh, auth string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(secret)
}

func TestWebPushSender_Send(t *testing.T) {
	cfg := testWebPushConfig(t)

	t.Run("Encrypted push", func(t *testing.T) {
		srv, requests := newPushService(t, http.StatusCreated)
		p256dh, auth := subscriptionKeys(t)
		sender, err := NewWebPushSender(srv.Client(), cfg, zap.NewNop())
		require.NoError(t, err)

		err = sender.Send(context.Background(), models.Endpoint{
			Platform:  models.PlatformWebPush,
			Address:   srv.URL + "/push/abc",
			PublicKey: p256dh,
			AuthKey:   auth,
		}, testPayload)

		require.NoError(t, err)
		reqs := requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, http.MethodPost, reqs[0].method)
		assert.Equal(t, "aes128gcm", reqs[0].headers.Get("Content-Encoding"))
		assert.Equal(t, "3600", reqs[0].headers.Get("TTL"))
		assert.Contains(t, reqs[0].headers.Get("Authorization"), "vapid")
		assert.NotEmpty(t, reqs[0].body)
	})

	t.Run("Subscription without keys gets empty push", func(t *testing.T) {
		srv, requests := newPushService(t, http.StatusCreated)
		sender, err := NewWebPushSender(srv.Client(), cfg, zap.NewNop())
		require.NoError(t, err)

		err = sender.Send(context.Background(), models.Endpoint{
			Platform: models.PlatformWebPush,
			Address:  srv.URL + "/push/abc",
		}, testPayload)

		require.NoError(t, err)
		reqs := requests()
		require.Len(t, reqs, 1)
		assert.Empty(t, reqs[0].body)
		assert.Equal(t, "3600", reqs[0].headers.Get("TTL"))
	})

	t.Run("Expired subscription is endpoint gone", func(t *testing.T) {
		srv, _ := newPushService(t, http.StatusGone)
		sender, err := NewWebPushSender(srv.Client(), cfg, zap.NewNop())
		require.NoError(t, err)

		err = sender.Send(context.Background(), models.Endpoint{Platform: models.PlatformWebPush, Address: srv.URL}, testPayload)
		assert.ErrorIs(t, err, models.ErrEndpointGone)
	})

	t.Run("Server error is transient", func(t *testing.T) {
		srv, _ := newPushService(t, http.StatusServiceUnavailable)
		sender, err := NewWebPushSender(srv.Client(), cfg, zap.NewNop())
		require.NoError(t, err)

		err = sender.Send(context.Background(), models.Endpoint{Platform: models.PlatformWebPush, Address: srv.URL}, testPayload)
		require.Error(t, err)
		assert.NotErrorIs(t, err, models.ErrEndpointGone)
	})

	t.Run("Incomplete VAPID config", func(t *testing.T) {
		sender, err := NewWebPushSender(http.DefaultClient, config.WebPushConfig{Subscriber: "ops@example.com"}, zap.NewNop())
		assert.NoError(t, err)
		assert.Nil(t, sender)
	})
}

// --- Router ---

type recordingSender struct {
	platform models.Platform
	calls    int
}

func (s *recordingSender) Send(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error {
	s.calls++
	return nil
}

func (s *recordingSender) Platform() models.Platform { return s.platform }

func TestTransportRouter_Send(t *testing.T) {
	fcmS := &recordingSender{platform: models.PlatformFCM}
	apnsS := &recordingSender{platform: models.PlatformAPNS}
	router := NewTransportRouter(zap.NewNop(), fcmS, nil, apnsS)

	require.NoError(t, router.Send(context.Background(), models.Endpoint{Platform: models.PlatformFCM, Address: "t"}, testPayload))
	require.NoError(t, router.Send(context.Background(), models.Endpoint{Platform: models.PlatformAPNS, Address: "t"}, testPayload))
	assert.Equal(t, 1, fcmS.calls)
	assert.Equal(t, 1, apnsS.calls)

	err := router.Send(context.Background(), models.Endpoint{Platform: models.PlatformWebPush, Address: "t"}, testPayload)
	assert.ErrorIs(t, err, models.ErrUnsupportedPlatform)
	assert.NotErrorIs(t, err, models.ErrEndpointGone)
}

func TestStubSender(t *testing.T) {
	s := NewStubSender(models.PlatformWebPush, zap.NewNop())
	assert.Equal(t, models.PlatformWebPush, s.Platform())
	assert.NoError(t, s.Send(context.Background(), models.Endpoint{Address: "https://push.example/abc"}, testPayload))
	assert.Equal(t, "short", getTokenPrefix("short"))
	assert.Equal(t, "0123456789...", getTokenPrefix("0123456789abcdef"))
}

// --- Payload ---

func TestBuildPushPayload(t *testing.T) {
	occurred := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Profile change", func(t *testing.T) {
		p, err := BuildPushPayload(models.ChangeEvent{
			AccountID: "abc123", Kind: models.KindProfileDataChanged, OccurredAt: occurred, SourceMessageID: "m1",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, p.Version)
		assert.Equal(t, PushCommandProfileUpdated, p.Command)
		assert.Equal(t, "abc123", p.Data[PushDataAccountID])
		assert.Equal(t, "m1", p.Data[PushDataEventID])
		assert.Equal(t, "2024-05-01T12:00:00Z", p.Data[PushDataOccurredAt])
		assert.Equal(t, 24*time.Hour, p.TTL)
	})

	t.Run("Device disconnected carries device id", func(t *testing.T) {
		p, err := BuildPushPayload(models.ChangeEvent{
			AccountID: "abc123", Kind: models.KindDeviceDisconnected, DeviceID: "dev-9", SourceMessageID: "m2",
		})
		require.NoError(t, err)
		assert.Equal(t, PushCommandDeviceDisconnected, p.Command)
		assert.Equal(t, "dev-9", p.Data[PushDataDeviceID])
		_, hasOccurred := p.Data[PushDataOccurredAt]
		assert.False(t, hasOccurred)
	})

	t.Run("Account destroyed", func(t *testing.T) {
		p, err := BuildPushPayload(models.ChangeEvent{AccountID: "abc123", Kind: models.KindAccountDestroyed, SourceMessageID: "m3"})
		require.NoError(t, err)
		assert.Equal(t, PushCommandAccountDestroyed, p.Command)
		assert.Equal(t, 7*24*time.Hour, p.TTL)
	})

	t.Run("Empty account", func(t *testing.T) {
		_, err := BuildPushPayload(models.ChangeEvent{Kind: models.KindProfileDataChanged})
		assert.Error(t, err)
	})
}
