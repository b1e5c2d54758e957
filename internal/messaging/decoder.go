package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"profile-notifier/internal/models"

	"go.uber.org/zap"
)

// kindAliases сопоставляет известные значения kind/event с типом события.
var kindAliases = map[string]models.EventKind{
	"profiledatachanged":  models.KindProfileDataChanged,
	"profiledatachange":   models.KindProfileDataChanged,
	"profilechange":       models.KindProfileDataChanged,
	"primaryemailchanged": models.KindProfileDataChanged,
	"devicedisconnected":  models.KindDeviceDisconnected,
	"deviceunregistered":  models.KindDeviceDisconnected,
	"passwordchanged":     models.KindPasswordChanged,
	"passwordchange":      models.KindPasswordChanged,
	"accountdestroyed":    models.KindAccountDestroyed,
	"delete":              models.KindAccountDestroyed,
}

// Decoder разбирает тело сообщения в ChangeEvent.
type Decoder struct {
	logger *zap.Logger
}

// NewDecoder создает декодер событий.
func NewDecoder(logger *zap.Logger) *Decoder {
	return &Decoder{logger: logger.Named("decoder")}
}

// Decode разбирает RawMessage. Любая ошибка - *models.PermanentError:
// такое сообщение нельзя обработать повторной доставкой. Битое время события
// ошибкой не считается: оно логируется и остается нулевым.
func (d *Decoder) Decode(msg models.RawMessage) (models.ChangeEvent, error) {
	body := bytes.TrimSpace(msg.Body)
	if len(body) == 0 {
		return models.ChangeEvent{}, models.NewPermanentError("empty message body", nil)
	}

	sourceMessageID := msg.ID

	// Сообщение могло прийти через SNS: тогда событие лежит строкой в поле Message.
	var envelope snsEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Type == "Notification" && envelope.Message != "" {
		body = []byte(envelope.Message)
		if envelope.MessageID != "" {
			sourceMessageID = envelope.MessageID
		}
	}

	var payload profileChangePayload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&payload); err != nil {
		return models.ChangeEvent{}, models.NewPermanentError("malformed JSON body", err)
	}
	// После объекта не должно быть ничего, кроме пробелов.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return models.ChangeEvent{}, models.NewPermanentError("trailing data after JSON body", err)
	}

	accountID := firstNonEmpty(payload.AccountID, payload.UID)
	if accountID == "" {
		return models.ChangeEvent{}, models.NewPermanentError("missing accountId", nil)
	}
	rawKind := firstNonEmpty(payload.Kind, payload.Event)
	if rawKind == "" {
		return models.ChangeEvent{}, models.NewPermanentError("missing kind", nil)
	}

	if sourceMessageID == "" {
		return models.ChangeEvent{}, models.NewPermanentError("missing message id", nil)
	}

	// Время события только информативно: с битым временем событие все равно доставляется.
	occurredAt, err := parseOccurredAt(payload.OccurredAt, payload.TS)
	if err != nil {
		d.logger.Warn("Ignoring invalid event timestamp",
			zap.String("source_message_id", sourceMessageID),
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		occurredAt = time.Time{}
	}

	return models.ChangeEvent{
		AccountID:       accountID,
		Kind:            normalizeKind(rawKind),
		RawKind:         rawKind,
		OccurredAt:      occurredAt,
		SourceMessageID: sourceMessageID,
		DeviceID:        firstNonEmpty(payload.DeviceID, payload.ID),
	}, nil
}

// normalizeKind возвращает известный тип события. Неизвестные типы принимаются
// как общее "профиль изменился", чтобы новые события не ломали старых потребителей.
func normalizeKind(raw string) models.EventKind {
	key := strings.ToLower(strings.NewReplacer("_", "", "-", "", ":", "", ".", "").Replace(raw))
	if kind, ok := kindAliases[key]; ok {
		return kind
	}
	return models.KindProfileDataChanged
}

// parseOccurredAt принимает occurredAt (RFC3339 или unix-время) либо ts (unix-время
// в секундах или миллисекундах, числом или строкой). Пустые значения дают нулевое время.
func parseOccurredAt(occurredAt, ts json.RawMessage) (time.Time, error) {
	if raw := rawScalar(occurredAt); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC(), nil
		}
		t, err := parseUnix(raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("occurredAt %q: not RFC3339 or unix time", raw)
		}
		return t, nil
	}
	if raw := rawScalar(ts); raw != "" {
		t, err := parseUnix(raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("ts %q: %w", raw, err)
		}
		return t, nil
	}
	return time.Time{}, nil
}

// rawScalar возвращает JSON-значение без кавычек; null и пустое значение дают "".
func rawScalar(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		return strings.TrimSpace(unquoted)
	}
	return s
}

func parseUnix(raw string) (time.Time, error) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// Значения больше 1e12 - миллисекунды.
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, errors.New("not a number")
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
