package backup

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewDefaultS3Client loads AWS configuration from the standard chain
// (environment, shared config, EC2/ECS metadata) and builds an S3
// client from it, the same way a deployed backup job picks up
// credentials without hardcoding a region or profile.
func NewDefaultS3Client(ctx context.Context, region string) (*s3.Client, error) {
	cfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

// NewDefaultDynamoDBClient mirrors NewDefaultS3Client for the ledger's
// DynamoDB table.
func NewDefaultDynamoDBClient(ctx context.Context, region string) (*dynamodb.Client, error) {
	cfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg), nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("backup: load aws config: %w", err)
	}
	return cfg, nil
}
