package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"club-dues/internal/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher emits outbound domain events on one SNS topic, tagged with an
// event_type attribute for subscription filters.
type Publisher struct {
	client   SNSAPI
	topicARN string
	logger   *zap.Logger
}

func NewPublisher(client SNSAPI, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

func (p *Publisher) PublishDebtReminder(ctx context.Context, ev domain.DebtReminder) error {
	ev.Type = domain.EventDebtReminder
	return p.publish(ctx, ev.Type, ev.UserID, ev)
}

func (p *Publisher) PublishPaymentCompleted(ctx context.Context, ev domain.PaymentCompleted) error {
	ev.Type = domain.EventPaymentCompleted
	return p.publish(ctx, ev.Type, ev.UserID, ev)
}

func (p *Publisher) publish(ctx context.Context, eventType domain.EventType, userID string, payload any) error {
	if p.topicARN == "" {
		return fmt.Errorf("empty topicArn")
	}
	msg, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", eventType, err)
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(msg)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(eventType)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish %s failed: %w", eventType, err)
	}
	p.logger.Debug("event published",
		zap.String("event_type", string(eventType)),
		zap.String("user_id", userID),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}
