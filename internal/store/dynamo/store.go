// Package dynamo implements the store contract against a single DynamoDB
// table. Bucket records use the packed name-prefixed attribute encoding so
// a multi-limit consume is one conditional UpdateItem; pre-images on failed
// conditions come back via ReturnValuesOnConditionCheckFailure.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"limitd/internal/bucket"
	"limitd/internal/store"
)

const (
	// DefaultResourceIndex is the GSI keyed on the resource attribute.
	DefaultResourceIndex = "resource-index"
)

// Client is the slice of the DynamoDB API the adapter uses, satisfied by
// *dynamodb.Client.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Config wires the table coordinates.
type Config struct {
	Client        Client
	Table         string
	ResourceIndex string
}

// Store is the DynamoDB-backed adapter.
type Store struct {
	client Client
	table  string
	index  string
}

var _ store.Store = (*Store)(nil)

// New creates a Store over an existing DynamoDB client.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("dynamo: client required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamo: table required")
	}
	index := cfg.ResourceIndex
	if index == "" {
		index = DefaultResourceIndex
	}
	return &Store{client: cfg.Client, table: cfg.Table, index: index}, nil
}

// GetBucket reads one composite record with a consistent read.
func (s *Store) GetBucket(ctx context.Context, key bucket.Key) (bucket.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(key.PK(), key.SK()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return bucket.Record{}, fmt.Errorf("dynamo: get bucket %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return bucket.Record{}, store.ErrNotFound
	}
	rec, ok := bucket.DecodeImage(imageFromItem(out.Item))
	if !ok {
		return bucket.Record{}, store.ErrNotFound
	}
	return rec, nil
}

// QueryResourceBuckets fans out over the resource index.
func (s *Store) QueryResourceBuckets(ctx context.Context, namespace, resource string) ([]bucket.Record, error) {
	indexKey := bucket.Key{Namespace: namespace, Resource: resource}.ResourceIndexKey()
	var records []bucket.Record
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			IndexName:                 aws.String(s.index),
			KeyConditionExpression:    aws.String("#g = :g"),
			ExpressionAttributeNames:  map[string]string{"#g": bucket.AttrResourceIndex},
			ExpressionAttributeValues: map[string]types.AttributeValue{":g": stringAttr(indexKey)},
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamo: query resource %s: %w", resource, err)
		}
		for _, item := range out.Items {
			if rec, ok := bucket.DecodeImage(imageFromItem(item)); ok {
				records = append(records, rec)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return records, nil
}

// conditionFailure converts an UpdateItem error, extracting the pre-image
// the store returns on a failed condition.
func conditionFailure(err error, op string, key bucket.Key) (store.ConsumeResult, error) {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return store.ConsumeResult{}, store.ErrConditionFailed
		}
		rec, ok := bucket.DecodeImage(imageFromItem(ccf.Item))
		if !ok {
			return store.ConsumeResult{}, store.ErrConditionFailed
		}
		return store.ConsumeResult{Image: rec, HasImage: true}, store.ErrConditionFailed
	}
	return store.ConsumeResult{}, fmt.Errorf("dynamo: %s %s: %w", op, key, err)
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		bucket.AttrPK: stringAttr(pk),
		bucket.AttrSK: stringAttr(sk),
	}
}

func stringAttr(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func numberAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// imageFromItem flattens a DynamoDB item into the wire image form.
func imageFromItem(item map[string]types.AttributeValue) bucket.Image {
	im := bucket.Image{}
	for name, av := range item {
		switch v := av.(type) {
		case *types.AttributeValueMemberN:
			im[name] = v.Value
		case *types.AttributeValueMemberS:
			im[name] = v.Value
		case *types.AttributeValueMemberBOOL:
			if v.Value {
				im[name] = "true"
			} else {
				im[name] = "false"
			}
		}
	}
	return im
}

// itemFromRecord packs a record into a typed DynamoDB item.
func itemFromRecord(rec bucket.Record) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{}
	for name, raw := range bucket.EncodeImage(rec) {
		switch name {
		case bucket.AttrPK, bucket.AttrSK, bucket.AttrResourceIndex, bucket.AttrParent:
			item[name] = stringAttr(raw)
		case bucket.AttrCascade:
			item[name] = &types.AttributeValueMemberBOOL{Value: raw == "true"}
		default:
			item[name] = &types.AttributeValueMemberN{Value: raw}
		}
	}
	return item
}
