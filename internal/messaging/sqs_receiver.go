package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"profile-notifier/internal/config"
	"profile-notifier/internal/interfaces"
	"profile-notifier/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// Ограничения SQS на один ReceiveMessage.
const (
	sqsMaxBatch       = 10
	sqsMaxWaitSeconds = 20
)

var _ interfaces.QueueReceiver = (*SQSReceiver)(nil)

// SQSAPI - часть *sqs.Client, которая нужна получателю (для мокирования).
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewSQSClient создает клиента SQS из стандартной цепочки учетных данных AWS.
func NewSQSClient(ctx context.Context, cfg config.SQSConfig) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// SQSReceiver читает одну очередь SQS с long polling.
// Неподтвержденное сообщение вернется в очередь по истечении visibility timeout.
type SQSReceiver struct {
	client     SQSAPI
	queueURL   string
	name       string
	visibility time.Duration
	logger     *zap.Logger
}

func NewSQSReceiver(client SQSAPI, queueURL string, visibility time.Duration, logger *zap.Logger) *SQSReceiver {
	name := "sqs:" + queueURL[strings.LastIndex(queueURL, "/")+1:]
	return &SQSReceiver{
		client:     client,
		queueURL:   queueURL,
		name:       name,
		visibility: visibility,
		logger:     logger.Named("sqs_receiver").With(zap.String("queue", name)),
	}
}

func (r *SQSReceiver) Name() string {
	return r.name
}

func (r *SQSReceiver) Poll(ctx context.Context, maxBatch int, wait time.Duration) ([]models.RawMessage, error) {
	maxBatch = min(max(maxBatch, 1), sqsMaxBatch)
	waitSeconds := min(max(int32(wait/time.Second), 0), sqsMaxWaitSeconds)

	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(r.queueURL),
		MaxNumberOfMessages: int32(maxBatch),
		WaitTimeSeconds:     waitSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}
	if r.visibility > 0 {
		input.VisibilityTimeout = int32(r.visibility / time.Second)
	}

	out, err := r.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive from %s: %w", r.name, err)
	}

	now := time.Now()
	messages := make([]models.RawMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		receiveCount, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		messages = append(messages, models.RawMessage{
			ID:                      aws.ToString(m.MessageId),
			ReceiptHandle:           aws.ToString(m.ReceiptHandle),
			Body:                    []byte(aws.ToString(m.Body)),
			ApproximateReceiveCount: receiveCount,
			Source:                  r.name,
			ReceivedAt:              now,
		})
	}
	return messages, nil
}

func (r *SQSReceiver) Ack(ctx context.Context, receiptHandle string) error {
	return r.delete(ctx, receiptHandle)
}

// Release ничего не делает: сообщение станет видимым само, когда истечет visibility timeout.
// Немедленный возврат (visibility 0) при недоступном справочнике дал бы горячий цикл повторов.
func (r *SQSReceiver) Release(_ context.Context, receiptHandle string) error {
	r.logger.Debug("Message left for redelivery", zap.String("receipt_handle", getHandlePrefix(receiptHandle)))
	return nil
}

// Reject удаляет сообщение. Если нужен DLQ, его настраивают через redrive policy очереди.
func (r *SQSReceiver) Reject(ctx context.Context, receiptHandle string) error {
	return r.delete(ctx, receiptHandle)
}

func (r *SQSReceiver) ExtendLease(ctx context.Context, receiptHandle string, d time.Duration) error {
	_, err := r.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(r.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(d / time.Second),
	})
	if err != nil {
		return r.wrapHandleError("change visibility", err)
	}
	return nil
}

func (r *SQSReceiver) Close() error {
	return nil
}

func (r *SQSReceiver) delete(ctx context.Context, receiptHandle string) error {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return r.wrapHandleError("delete", err)
	}
	return nil
}

func (r *SQSReceiver) wrapHandleError(op string, err error) error {
	var invalidHandle *types.ReceiptHandleIsInvalid
	var notInflight *types.MessageNotInflight
	if errors.As(err, &invalidHandle) || errors.As(err, &notInflight) {
		return fmt.Errorf("%w: sqs %s: %v", models.ErrReceiptHandleInvalid, op, err)
	}
	return fmt.Errorf("sqs %s: %w", op, err)
}

func getHandlePrefix(handle string) string {
	if len(handle) <= 12 {
		return handle
	}
	return handle[:12] + "..."
}
