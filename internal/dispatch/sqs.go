package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// SQSConfig holds SQS configuration.
type SQSConfig struct {
	Region            string
	QueueURL          string
	Endpoint          string // LocalStack / ElasticMQ
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// sqsAPI is the slice of the SQS client the queue uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSQueue publishes and consumes dispatch messages on one SQS queue.
type SQSQueue struct {
	client sqsAPI
	cfg    SQSConfig
	logger *zap.Logger
}

// NewSQSQueue creates a new SQS-backed dispatch queue.
func NewSQSQueue(ctx context.Context, cfg SQSConfig, logger *zap.Logger) (*SQSQueue, error) {
	configOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	var clientOpts []func(*sqs.Options)

	if cfg.Endpoint != "" {
		logger.Info("configuring sqs for local endpoint", zap.String("endpoint", cfg.Endpoint))
		configOpts = append(configOpts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs dispatch queue initialized",
		zap.String("region", cfg.Region),
		zap.String("queue_url", cfg.QueueURL),
	)

	return newSQSQueue(sqs.NewFromConfig(awsCfg, clientOpts...), cfg, logger), nil
}

func newSQSQueue(client sqsAPI, cfg SQSConfig, logger *zap.Logger) *SQSQueue {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}
	return &SQSQueue{client: client, cfg: cfg, logger: logger}
}

// Publish sends a dispatch message. Returns the SQS message ID.
func (q *SQSQueue) Publish(ctx context.Context, msg *Message) (string, error) {
	body, err := msg.Encode()
	if err != nil {
		return "", err
	}

	result, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.QueueURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"TenantID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.TenantID.String()),
			},
			"CampaignID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.CampaignID.String()),
			},
		},
	})
	if err != nil {
		q.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("queue_item_id", msg.QueueItemID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Receive long-polls for a batch. Bodies that do not decode are deleted so
// they do not cycle forever.
func (q *SQSQueue) Receive(ctx context.Context) ([]*Delivery, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: q.cfg.MaxMessages,
		WaitTimeSeconds:     q.cfg.WaitTimeSeconds,
		VisibilityTimeout:   q.cfg.VisibilityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	deliveries := make([]*Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		handle := aws.ToString(m.ReceiptHandle)

		msg, err := Decode(aws.ToString(m.Body))
		if err != nil {
			q.logger.Error("dropping undecodable message",
				zap.String("message_id", aws.ToString(m.MessageId)),
				zap.Error(err),
			)
			if err := q.deleteMessage(ctx, handle); err != nil {
				q.logger.Warn("failed to delete undecodable message", zap.Error(err))
			}
			continue
		}

		deliveries = append(deliveries, &Delivery{
			Message: msg,
			ack: func(ctx context.Context) error {
				return q.deleteMessage(ctx, handle)
			},
			nack: func(ctx context.Context) error {
				return q.changeVisibility(ctx, handle, 0)
			},
		})
	}

	return deliveries, nil
}

// deleteMessage removes a message from SQS after successful processing.
func (q *SQSQueue) deleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// changeVisibility makes a message visible again after seconds.
func (q *SQSQueue) changeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.cfg.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
