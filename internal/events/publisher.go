// Package events publishes campaign lifecycle changes to an SNS topic so
// CRM-side consumers can react to starts, pauses and completions.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/wabroadcast/internal/db"
)

const EventCampaignStatusChanged = "campaign.status_changed"

// Event is the JSON body published for a campaign status change
type Event struct {
	Type            string    `json:"type"`
	CampaignID      string    `json:"campaign_id"`
	TenantID        string    `json:"tenant_id"`
	Name            string    `json:"name"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	TotalRecipients int       `json:"total_recipients"`
	SentCount       int       `json:"sent_count"`
	FailedCount     int       `json:"failed_count"`
	OccurredAt      time.Time `json:"occurred_at"`
}

type Config struct {
	Region   string
	TopicARN string
	Endpoint string // LocalStack
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher handles SNS topic publishing for campaign events
type Publisher struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
	now      func() time.Time
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}

	var clientOpts []func(*sns.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))
		clientOpts = append(clientOpts, func(o *sns.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sns event publisher initialized", zap.String("topic_arn", cfg.TopicARN))

	return newPublisher(sns.NewFromConfig(awsCfg, clientOpts...), cfg.TopicARN, logger), nil
}

func newPublisher(client snsAPI, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
		now:      time.Now,
	}
}

// CampaignStatusChanged publishes one event. Subscribers can filter on the
// status and tenant_id attributes.
func (p *Publisher) CampaignStatusChanged(ctx context.Context, c *db.Campaign, from string) error {
	ev := Event{
		Type:            EventCampaignStatusChanged,
		CampaignID:      c.ID.String(),
		TenantID:        c.TenantID.String(),
		Name:            c.Name,
		From:            from,
		To:              c.Status,
		TotalRecipients: c.TotalRecipients,
		SentCount:       c.SentCount,
		FailedCount:     c.FailedCount,
		OccurredAt:      p.now().UTC(),
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.Type),
			},
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.To),
			},
			"tenant_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.TenantID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("campaign event published",
		zap.String("campaign_id", ev.CampaignID),
		zap.String("from", from),
		zap.String("to", ev.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
