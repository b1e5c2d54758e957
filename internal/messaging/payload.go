package messaging

import "encoding/json"

// snsEnvelope - внешняя обертка сообщения, если очередь подписана на SNS-топик.
type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Message   string `json:"Message"`
}

// profileChangePayload - тело события изменения профиля.
// Поддерживаются как собственные имена полей, так и имена производителя (uid, event, ts).
// Время события необязательно, поэтому occurredAt и ts разбираются отдельно
// и не могут сделать все тело невалидным.
type profileChangePayload struct {
	AccountID  string          `json:"accountId"`
	UID        string          `json:"uid"`
	Kind       string          `json:"kind"`
	Event      string          `json:"event"`
	OccurredAt json.RawMessage `json:"occurredAt"`
	TS         json.RawMessage `json:"ts"`
	DeviceID   string          `json:"deviceId"`
	ID         string          `json:"id"`
}
