package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"limitd/internal/bucket"
	"limitd/internal/store"
)

// CreateBucket writes a brand-new composite record.
func (s *Store) CreateBucket(ctx context.Context, rec bucket.Record) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     itemFromRecord(rec),
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": bucket.AttrPK},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("dynamo: create bucket %s: %w", rec.Key, err)
	}
	return nil
}

// NormalConsume is the read-then-write shape: optimistic lock on the shared
// refill clock plus a per-limit floor guard against concurrent speculative
// writers.
func (s *Store) NormalConsume(ctx context.Context, key bucket.Key, expectedRefillMs, nowMs int64, debits []store.Debit, expiresAt int64) (store.ConsumeResult, error) {
	names := map[string]string{"#rt": bucket.AttrLastRefill}
	values := map[string]types.AttributeValue{
		":exp": numberAttr(expectedRefillMs),
		":now": numberAttr(nowMs),
	}
	conds := []string{"#rt = :exp"}
	sets := []string{"#rt = :now"}
	var adds []string
	for i, d := range debits {
		tok := fmt.Sprintf("#t%d", i)
		cnt := fmt.Sprintf("#c%d", i)
		names[tok] = bucket.TokensAttr(d.Name)
		names[cnt] = bucket.TotalConsumedAttr(d.Name)
		values[fmt.Sprintf(":n%d", i)] = numberAttr(d.RefillMilli - d.ConsumedMilli)
		adds = append(adds, fmt.Sprintf("%s :n%d", tok, i))
		// A zero-consumed limit only collects its refill; guarding it
		// would reject records holding a legitimate negative balance.
		if d.ConsumedMilli > 0 {
			values[fmt.Sprintf(":f%d", i)] = numberAttr(d.FloorMilli())
			values[fmt.Sprintf(":p%d", i)] = numberAttr(d.ConsumedMilli)
			conds = append(conds, fmt.Sprintf("%s >= :f%d", tok, i))
			adds = append(adds, fmt.Sprintf("%s :p%d", cnt, i))
		}
	}
	if expiresAt > 0 {
		names["#ttl"] = bucket.AttrExpiry
		values[":ttl"] = numberAttr(expiresAt)
		sets = append(sets, "#ttl = :ttl")
	}
	update := "SET " + strings.Join(sets, ", ") + " ADD " + strings.Join(adds, ", ")
	return s.conditionalUpdate(ctx, "normal consume", key, update, strings.Join(conds, " AND "), names, values)
}

// SpeculativeConsume is the single-shot admit-or-reject shape. The refill
// clock is deliberately untouched so this write commutes with the normal
// path's optimistic lock.
func (s *Store) SpeculativeConsume(ctx context.Context, key bucket.Key, requests []store.Delta) (store.ConsumeResult, error) {
	return s.guardedAdd(ctx, "speculative consume", key, requests)
}

// RetryConsume re-applies a debit gated on current tokens, keeping retries
// after orthogonal condition failures from double-debiting.
func (s *Store) RetryConsume(ctx context.Context, key bucket.Key, requests []store.Delta) (store.ConsumeResult, error) {
	return s.guardedAdd(ctx, "retry consume", key, requests)
}

func (s *Store) guardedAdd(ctx context.Context, op string, key bucket.Key, requests []store.Delta) (store.ConsumeResult, error) {
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	var conds, adds []string
	for i, r := range requests {
		tok := fmt.Sprintf("#t%d", i)
		cnt := fmt.Sprintf("#c%d", i)
		names[tok] = bucket.TokensAttr(r.Name)
		names[cnt] = bucket.TotalConsumedAttr(r.Name)
		values[fmt.Sprintf(":r%d", i)] = numberAttr(r.DeltaMilli)
		values[fmt.Sprintf(":n%d", i)] = numberAttr(-r.DeltaMilli)
		conds = append(conds, fmt.Sprintf("%s >= :r%d", tok, i))
		adds = append(adds, fmt.Sprintf("%s :n%d", tok, i), fmt.Sprintf("%s :r%d", cnt, i))
	}
	update := "ADD " + strings.Join(adds, ", ")
	return s.conditionalUpdate(ctx, op, key, update, strings.Join(conds, " AND "), names, values)
}

// Adjust is the commutative ADD used by lease adjust, release and
// rollback. The existence guard keeps a rollback against a TTL-evicted
// bucket from upserting a partial item.
func (s *Store) Adjust(ctx context.Context, key bucket.Key, deltas []store.Delta) error {
	names := map[string]string{"#pk": bucket.AttrPK}
	values := map[string]types.AttributeValue{}
	var adds []string
	for i, d := range deltas {
		tok := fmt.Sprintf("#t%d", i)
		cnt := fmt.Sprintf("#c%d", i)
		names[tok] = bucket.TokensAttr(d.Name)
		names[cnt] = bucket.TotalConsumedAttr(d.Name)
		values[fmt.Sprintf(":n%d", i)] = numberAttr(-d.DeltaMilli)
		values[fmt.Sprintf(":d%d", i)] = numberAttr(d.DeltaMilli)
		adds = append(adds, fmt.Sprintf("%s :n%d", tok, i), fmt.Sprintf("%s :d%d", cnt, i))
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey(key.PK(), key.SK()),
		UpdateExpression:          aws.String("ADD " + strings.Join(adds, ", ")),
		ConditionExpression:       aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return store.ErrNotFound
		}
		return fmt.Errorf("dynamo: adjust %s: %w", key, err)
	}
	return nil
}

// CatchUpRefill adds owed refill and advances the clock, gated on the clock
// still matching what the reconciliation worker observed. It only ever ADDs
// non-negative amounts; an absolute SET here would erase concurrent debits.
func (s *Store) CatchUpRefill(ctx context.Context, key bucket.Key, observedRefillMs, nowMs int64, refills []store.Delta) error {
	names := map[string]string{"#rt": bucket.AttrLastRefill}
	values := map[string]types.AttributeValue{
		":obs": numberAttr(observedRefillMs),
		":now": numberAttr(nowMs),
	}
	var adds []string
	for i, r := range refills {
		if r.DeltaMilli < 0 {
			continue
		}
		tok := fmt.Sprintf("#t%d", i)
		names[tok] = bucket.TokensAttr(r.Name)
		values[fmt.Sprintf(":a%d", i)] = numberAttr(r.DeltaMilli)
		adds = append(adds, fmt.Sprintf("%s :a%d", tok, i))
	}
	if len(adds) == 0 {
		return nil
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey(key.PK(), key.SK()),
		UpdateExpression:          aws.String("SET #rt = :now ADD " + strings.Join(adds, ", ")),
		ConditionExpression:       aws.String("#rt = :obs"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return store.ErrConditionFailed
		}
		return fmt.Errorf("dynamo: catch-up refill %s: %w", key, err)
	}
	return nil
}

func (s *Store) conditionalUpdate(ctx context.Context, op string, key bucket.Key, update, condition string, names map[string]string, values map[string]types.AttributeValue) (store.ConsumeResult, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 itemKey(key.PK(), key.SK()),
		UpdateExpression:                    aws.String(update),
		ConditionExpression:                 aws.String(condition),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return conditionFailure(err, op, key)
	}
	rec, ok := bucket.DecodeImage(imageFromItem(out.Attributes))
	if !ok {
		return store.ConsumeResult{}, fmt.Errorf("dynamo: %s %s: malformed post-image", op, key)
	}
	return store.ConsumeResult{Image: rec, HasImage: true}, nil
}
