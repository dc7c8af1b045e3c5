// Package dynamo builds a production limiter over a DynamoDB table.
package dynamo

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"

	"limitd/internal/engine"
	"limitd/internal/limitcache"
	storedynamo "limitd/internal/store/dynamo"
	"limitd/pkg/ratelimiter"
)

// Config wires a DynamoDB-backed limiter.
type Config struct {
	Namespace string
	Table     string
	// ResourceIndex names the GSI for resource fan-out queries; empty
	// picks the conventional name.
	ResourceIndex string
	// Client overrides the AWS client, for endpoint-override setups such
	// as DynamoDB Local. Nil loads the ambient AWS configuration.
	Client      *dynamodb.Client
	FailureMode ratelimiter.FailureMode
	MaxAttempts int
	// RetentionMultiplier scales bucket expiry from each record's
	// time-to-fill; non-positive keeps records forever and is required
	// when per-entity custom limits exist.
	RetentionMultiplier float64
	CacheTTL            time.Duration
	Parallel            bool
	Clock               func() time.Time
	Logger              zerolog.Logger
	Metrics             *engine.Metrics
}

// New creates a DynamoDB-backed limiter. The namespace must already be
// registered; use RegisterNamespace on the returned limiter for first-time
// provisioning.
func New(ctx context.Context, cfg Config) (ratelimiter.Limiter, error) {
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("dynamo: namespace required")
	}
	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamo: load aws config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}
	st, err := storedynamo.New(storedynamo.Config{
		Client:        client,
		Table:         cfg.Table,
		ResourceIndex: cfg.ResourceIndex,
	})
	if err != nil {
		return nil, err
	}
	resolver, err := limitcache.New(limitcache.Config{
		Namespace: cfg.Namespace,
		Store:     st,
		TTL:       cfg.CacheTTL,
	})
	if err != nil {
		return nil, err
	}
	strategy := engine.CascadeSerial
	if cfg.Parallel {
		strategy = engine.CascadeParallel
	}
	return engine.New(engine.Config{
		Namespace:           cfg.Namespace,
		Store:               st,
		Resolver:            resolver,
		FailureMode:         cfg.FailureMode,
		MaxAttempts:         cfg.MaxAttempts,
		RetentionMultiplier: cfg.RetentionMultiplier,
		Cascade:             strategy,
		Clock:               cfg.Clock,
		Logger:              cfg.Logger,
		Metrics:             cfg.Metrics,
	})
}
