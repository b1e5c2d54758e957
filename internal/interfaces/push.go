package interfaces

import (
	"context"

	"profile-notifier/internal/models"
)

// PushTransport доставляет payload на один endpoint.
//
// nil - доставлено; ошибка, оборачивающая models.ErrEndpointGone, - endpoint мертв
// и должен быть очищен; любая другая ошибка - временный сбой.
type PushTransport interface {
	Send(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error
}
