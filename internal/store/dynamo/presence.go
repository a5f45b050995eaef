// Package dynamo stores presence records in DynamoDB and lets the table's
// native TTL expire viewers whose heartbeats stopped.
package dynamo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/safar/quotesync/internal/clock"
	"github.com/safar/quotesync/internal/models"
)

// Client is the subset of the DynamoDB API the store uses.
type Client interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// viewerItem is the table layout.
//
// Table requirements:
//   - PK: quote_id (string), SK: user_id (string)
//   - TTL attribute: expires_at (epoch seconds)
type viewerItem struct {
	QuoteID    string `dynamodbav:"quote_id"`
	UserID     string `dynamodbav:"user_id"`
	UserName   string `dynamodbav:"user_name"`
	LastSeenAt string `dynamodbav:"last_seen_at"`
	ExpiresAt  int64  `dynamodbav:"expires_at"`
}

type PresenceStore struct {
	ddb   Client
	table string
	ttl   time.Duration
	clock clock.Clock
}

func NewPresenceStore(ddb Client, table string, ttl time.Duration, c clock.Clock) *PresenceStore {
	return &PresenceStore{ddb: ddb, table: table, ttl: ttl, clock: c}
}

func (s *PresenceStore) Upsert(ctx context.Context, v models.Viewer) error {
	now := s.clock.Now()
	av, err := attributevalue.MarshalMap(viewerItem{
		QuoteID:    v.QuoteID,
		UserID:     v.UserID,
		UserName:   v.UserName,
		LastSeenAt: now.Format(time.RFC3339Nano),
		ExpiresAt:  now.Add(s.ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal viewer: %w", err)
	}

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("put viewer: %w", err)
	}
	return nil
}

func (s *PresenceStore) Delete(ctx context.Context, quoteID, userID string) error {
	_, err := s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"quote_id": &types.AttributeValueMemberS{Value: quoteID},
			"user_id":  &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return fmt.Errorf("delete viewer: %w", err)
	}
	return nil
}

// List queries one quote's partition. DynamoDB deletes expired items lazily,
// so records older than since are filtered here as well.
func (s *PresenceStore) List(ctx context.Context, quoteID string, since time.Time) ([]models.Viewer, error) {
	var viewers []models.Viewer
	var startKey map[string]types.AttributeValue

	for {
		out, err := s.ddb.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("#qid = :qid"),
			ExpressionAttributeNames: map[string]string{
				"#qid": "quote_id",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":qid": &types.AttributeValueMemberS{Value: quoteID},
			},
			ExclusiveStartKey: startKey,
			ConsistentRead:    aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("query viewers: %w", err)
		}

		var items []viewerItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal viewers: %w", err)
		}
		for _, it := range items {
			seen, err := time.Parse(time.RFC3339Nano, it.LastSeenAt)
			if err != nil || seen.Before(since) {
				continue
			}
			viewers = append(viewers, models.Viewer{
				QuoteID:    it.QuoteID,
				UserID:     it.UserID,
				UserName:   it.UserName,
				LastSeenAt: seen,
			})
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	sort.Slice(viewers, func(i, j int) bool { return viewers[i].UserID < viewers[j].UserID })
	return viewers, nil
}

// Sweep is a no-op: the table's TTL removes expired records.
func (s *PresenceStore) Sweep(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Options configures NewClient. Endpoint is optional and points the client at
// a local DynamoDB for development.
type Options struct {
	Region   string
	Endpoint string
}

// NewClient builds a DynamoDB client. Local DynamoDB does not validate
// credentials, but the SDK requires some, so static placeholders are used
// when an endpoint override is set.
func NewClient(ctx context.Context, opts Options) (*dynamodb.Client, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	}), nil
}
