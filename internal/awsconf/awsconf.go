// Package awsconf builds the AWS config and the DynamoDB client the batch
// store depends on (the SES sender is built separately), grounded on the
// teacher's internal/store/dynamo.go client construction (region/endpoint
// env vars, optional local-endpoint override for development).
package awsconf

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/sitorouter/sitorouter/internal/errs"
)

// LoadDefault loads the ambient AWS config, defaulting the region the way
// the teacher's store package did when AWS_REGION isn't set.
func LoadDefault(ctx context.Context) (aws.Config, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-2"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, errs.Wrap(errs.MissingConfig, "load aws config", err)
	}
	return cfg, nil
}

// NewDynamoClient builds a DynamoDB client, honoring DYNAMO_ENDPOINT for
// local development against a DynamoDB-local container.
func NewDynamoClient(ctx context.Context) (*dynamodb.Client, error) {
	cfg, err := LoadDefault(ctx)
	if err != nil {
		return nil, err
	}
	endpoint := os.Getenv("DYNAMO_ENDPOINT")
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// DynamoTableName reads the mandatory DYNAMO_TABLE env var.
func DynamoTableName() (string, error) {
	table := os.Getenv("DYNAMO_TABLE")
	if table == "" {
		return "", errs.New(errs.MissingConfig, "DYNAMO_TABLE is required")
	}
	return table, nil
}
