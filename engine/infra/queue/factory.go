package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
)

// Queue drivers.
const (
	DriverRedis = "redis"
	DriverSQS   = "sqs"
)

// Config selects and configures a queue backend. It is the only place that
// knows more than one backend exists.
type Config struct {
	Driver      string
	Name        string
	Concurrency int

	// Redis backend.
	RedisClient redis.UniversalClient

	// SQS backend. SQSClient may be preconstructed; when nil one is built
	// from the ambient AWS environment with the overrides below.
	SQSClient         SQSAPI
	SQSQueueURL       string
	SQSRegion         string
	SQSEndpoint       string
	SQSWaitTime       int32
	SQSReceiveBackoff time.Duration
}

// New builds the queue backend named by cfg.Driver.
func New(ctx context.Context, cfg *Config) (Queue, error) {
	if cfg == nil {
		return nil, errors.New("queue: config is required")
	}
	switch cfg.Driver {
	case DriverRedis:
		return NewRedisQueue(ctx, cfg.RedisClient, cfg.Name, cfg.Concurrency)
	case DriverSQS:
		client := cfg.SQSClient
		if client == nil {
			built, err := newSQSClient(ctx, cfg)
			if err != nil {
				return nil, err
			}
			client = built
		}
		return NewSQSQueue(ctx, client, SQSOptions{
			QueueURL:        cfg.SQSQueueURL,
			Name:            cfg.Name,
			Concurrency:     cfg.Concurrency,
			WaitTimeSeconds: cfg.SQSWaitTime,
			ReceiveBackoff:  cfg.SQSReceiveBackoff,
		})
	default:
		return nil, fmt.Errorf("queue: unknown driver %q (valid: %s, %s)", cfg.Driver, DriverRedis, DriverSQS)
	}
}

func newSQSClient(ctx context.Context, cfg *Config) (*sqs.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.SQSRegion != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.SQSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("queue: load aws config: %w", err)
	}
	var clientOpts []func(*sqs.Options)
	if cfg.SQSEndpoint != "" {
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.SQSEndpoint)
		})
	}
	return sqs.NewFromConfig(awsCfg, clientOpts...), nil
}
