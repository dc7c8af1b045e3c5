// limitd-reconciler is the change-stream handler deployed as a Lambda
// behind the bucket table's DynamoDB stream. One invocation processes one
// batch of change records.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"

	"limitd/internal/reconcile"
	"limitd/internal/store/dynamo"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	handler, err := newHandler(context.Background(), logger)
	if err != nil {
		logger.Error().Err(err).Msg("reconciler init failed")
		os.Exit(1)
	}
	lambda.Start(handler.HandleBatch)
}

func newHandler(ctx context.Context, logger zerolog.Logger) (*reconcile.Handler, error) {
	table := os.Getenv("LIMITD_TABLE")
	if table == "" {
		return nil, fmt.Errorf("LIMITD_TABLE is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	st, err := dynamo.New(dynamo.Config{
		Client:        dynamodb.NewFromConfig(awsCfg),
		Table:         table,
		ResourceIndex: os.Getenv("LIMITD_RESOURCE_INDEX"),
	})
	if err != nil {
		return nil, err
	}
	processor, err := reconcile.NewProcessor(reconcile.Config{
		Store:     st,
		Windows:   windowsFromEnv(),
		Retention: retentionFromEnv(),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &reconcile.Handler{Processor: processor}, nil
}

// windowsFromEnv parses LIMITD_WINDOWS, a comma-separated list such as
// "hour,day,month". Empty keeps the default set.
func windowsFromEnv() []string {
	raw := os.Getenv("LIMITD_WINDOWS")
	if raw == "" {
		return nil
	}
	var windows []string
	for _, w := range strings.Split(raw, ",") {
		if w = strings.TrimSpace(w); w != "" {
			windows = append(windows, w)
		}
	}
	return windows
}

// retentionFromEnv parses LIMITD_SNAPSHOT_RETENTION_DAYS.
func retentionFromEnv() time.Duration {
	raw := os.Getenv("LIMITD_SNAPSHOT_RETENTION_DAYS")
	if raw == "" {
		return 0
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 {
		return 0
	}
	return time.Duration(days) * 24 * time.Hour
}
