package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"club-dues/internal/domain"
	"club-dues/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// SQSAPI is the subset of *sqs.Client the consumer uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type IdentityHandler interface {
	Apply(ctx context.Context, ev domain.IdentityEvent) error
}

type ConsumerConfig struct {
	QueueURL string
	// DLQURL may be empty, in which case poison messages are logged and dropped.
	DLQURL      string
	MaxReceives int
	WaitSeconds int32
}

// IdentityConsumer reads registry events from SQS and applies them one at a
// time. A message is deleted only after it was applied or dead-lettered.
type IdentityConsumer struct {
	client  SQSAPI
	cfg     ConsumerConfig
	handler IdentityHandler
	logger  *zap.Logger
}

func NewIdentityConsumer(client SQSAPI, cfg ConsumerConfig, handler IdentityHandler, logger *zap.Logger) *IdentityConsumer {
	if cfg.MaxReceives <= 0 {
		cfg.MaxReceives = 5
	}
	if cfg.WaitSeconds == 0 {
		cfg.WaitSeconds = 20
	}
	return &IdentityConsumer{client: client, cfg: cfg, handler: handler, logger: logger}
}

func (c *IdentityConsumer) Start(ctx context.Context) {
	c.logger.Info("identity consumer started", zap.String("queue", c.cfg.QueueURL))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("identity consumer shutting down")
			return
		default:
			if err := c.PollOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("SQS receive error", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(5 * time.Second):
				}
			}
		}
	}
}

func (c *IdentityConsumer) PollOnce(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     c.cfg.WaitSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to receive messages: %w", err)
	}

	for _, msg := range out.Messages {
		c.process(ctx, msg)
	}
	return nil
}

// snsEnvelope unwraps the SNS → SQS message wrapper.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

var errMalformed = errors.New("malformed identity event")

func decodeIdentityEvent(body string) (domain.IdentityEvent, error) {
	var ev domain.IdentityEvent

	payload := body
	var env snsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Type == "Notification" && env.Message != "" {
		payload = env.Message
	}

	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if err := ev.Validate(); err != nil {
		return ev, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return ev, nil
}

func (c *IdentityConsumer) process(ctx context.Context, msg types.Message) {
	body := aws.ToString(msg.Body)
	if msg.ReceiptHandle == nil || *msg.ReceiptHandle == "" {
		c.logger.Error("received SQS message without receipt handle", zap.String("message_id", aws.ToString(msg.MessageId)))
		return
	}

	ev, err := decodeIdentityEvent(body)
	if err != nil {
		metrics.IdentityEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		c.logger.Error("dropping malformed identity event", zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(err))
		c.deadLetter(ctx, msg, err.Error())
		return
	}

	log := c.logger.With(zap.String("event_type", string(ev.Type)), zap.String("user_id", ev.UserID), zap.Int64("version", ev.Version))

	if err := c.handler.Apply(ctx, ev); err != nil {
		receives := receiveCount(msg)
		if receives >= c.cfg.MaxReceives {
			metrics.IdentityEventsTotal.WithLabelValues(string(ev.Type), "dead_lettered").Inc()
			log.Error("identity event exhausted retries", zap.Int("receive_count", receives), zap.Error(err))
			c.deadLetter(ctx, msg, err.Error())
			return
		}
		metrics.IdentityEventsTotal.WithLabelValues(string(ev.Type), "retry").Inc()
		log.Warn("failed to apply identity event, leaving for redelivery", zap.Int("receive_count", receives), zap.Error(err))
		return
	}

	metrics.IdentityEventsTotal.WithLabelValues(string(ev.Type), "applied").Inc()
	c.deleteMessage(ctx, msg.ReceiptHandle)
}

func (c *IdentityConsumer) deadLetter(ctx context.Context, msg types.Message, reason string) {
	if c.cfg.DLQURL != "" {
		_, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(c.cfg.DLQURL),
			MessageBody: msg.Body,
			MessageAttributes: map[string]types.MessageAttributeValue{
				"reason": {DataType: aws.String("String"), StringValue: aws.String(reason)},
			},
		})
		if err != nil {
			// keep the original so it is redelivered and dead-lettered later
			c.logger.Error("failed to dead-letter message", zap.Error(err))
			return
		}
	}
	c.deleteMessage(ctx, msg.ReceiptHandle)
}

func (c *IdentityConsumer) deleteMessage(ctx context.Context, receiptHandle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		c.logger.Error("failed to delete SQS message", zap.Error(err))
	}
}

func receiveCount(msg types.Message) int {
	n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 1
	}
	return n
}
