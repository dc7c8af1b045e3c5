package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"limitd/internal/bucket"
	"limitd/internal/store"
	"limitd/pkg/ratelimiter"
)

const (
	entitySK      = "m"
	configSKPref  = "c#"
	namespacePK   = "n#"
	windowSKPref  = "w#"
	configIdxPref = "rc#"
)

type entityItem struct {
	PK       string            `dynamodbav:"pk"`
	SK       string            `dynamodbav:"sk"`
	ID       string            `dynamodbav:"id"`
	Name     string            `dynamodbav:"name"`
	ParentID string            `dynamodbav:"parent,omitempty"`
	Metadata map[string]string `dynamodbav:"meta,omitempty"`
}

type limitItem struct {
	Name         string `dynamodbav:"name"`
	Capacity     int64  `dynamodbav:"capacity"`
	Burst        int64  `dynamodbav:"burst"`
	RefillAmount int64  `dynamodbav:"refill_amount"`
	RefillPeriod int64  `dynamodbav:"refill_period_ms"`
}

type configItem struct {
	PK            string      `dynamodbav:"pk"`
	SK            string      `dynamodbav:"sk"`
	ResourceIndex string      `dynamodbav:"g1pk,omitempty"`
	Limits        []limitItem `dynamodbav:"limits"`
	OnUnavailable string      `dynamodbav:"on_unavailable"`
}

type namespaceItem struct {
	PK            string `dynamodbav:"pk"`
	SK            string `dynamodbav:"sk"`
	Name          string `dynamodbav:"name"`
	ID            string `dynamodbav:"id"`
	SchemaVersion int    `dynamodbav:"schema_version"`
}

// PutEntity writes an entity record, failing on duplicates.
func (s *Store) PutEntity(ctx context.Context, namespace string, ent ratelimiter.Entity) error {
	item, err := attributevalue.MarshalMap(entityItem{
		PK:       entityPK(namespace, ent.ID),
		SK:       entitySK,
		ID:       ent.ID,
		Name:     ent.Name,
		ParentID: ent.ParentID,
		Metadata: ent.Metadata,
	})
	if err != nil {
		return fmt.Errorf("dynamo: marshal entity: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": bucket.AttrPK},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("dynamo: put entity %s: %w", ent.ID, err)
	}
	return nil
}

// GetEntity reads an entity record.
func (s *Store) GetEntity(ctx context.Context, namespace, entityID string) (ratelimiter.Entity, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(entityPK(namespace, entityID), entitySK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return ratelimiter.Entity{}, fmt.Errorf("dynamo: get entity %s: %w", entityID, err)
	}
	if len(out.Item) == 0 {
		return ratelimiter.Entity{}, store.ErrNotFound
	}
	var item entityItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return ratelimiter.Entity{}, fmt.Errorf("dynamo: unmarshal entity %s: %w", entityID, err)
	}
	return ratelimiter.Entity{ID: item.ID, Name: item.Name, ParentID: item.ParentID, Metadata: item.Metadata}, nil
}

// PutLimitConfig upserts a configuration record. Overridden entity configs
// keep a resource-index entry so control-plane queries can enumerate them.
func (s *Store) PutLimitConfig(ctx context.Context, namespace string, cfg store.LimitConfig) error {
	limits := make([]limitItem, 0, len(cfg.Limits))
	for _, l := range cfg.Limits {
		limits = append(limits, limitItem{
			Name:         l.Name,
			Capacity:     l.Capacity,
			Burst:        l.Burst,
			RefillAmount: l.RefillAmount,
			RefillPeriod: l.RefillPeriod.Milliseconds(),
		})
	}
	rec := configItem{
		PK:            entityPK(namespace, cfg.EntityID),
		SK:            configSKPref + cfg.Resource,
		Limits:        limits,
		OnUnavailable: cfg.OnUnavailable.String(),
	}
	if cfg.EntityID != "" {
		rec.ResourceIndex = configIdxPref + namespace + "#" + cfg.Resource
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("dynamo: marshal limit config: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("dynamo: put limit config %s/%s: %w", cfg.EntityID, cfg.Resource, err)
	}
	return nil
}

// GetLimitConfig reads one configuration scope.
func (s *Store) GetLimitConfig(ctx context.Context, namespace, entityID, resource string) (store.LimitConfig, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(entityPK(namespace, entityID), configSKPref+resource),
	})
	if err != nil {
		return store.LimitConfig{}, fmt.Errorf("dynamo: get limit config %s/%s: %w", entityID, resource, err)
	}
	if len(out.Item) == 0 {
		return store.LimitConfig{}, store.ErrNotFound
	}
	var item configItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return store.LimitConfig{}, fmt.Errorf("dynamo: unmarshal limit config: %w", err)
	}
	cfg := store.LimitConfig{EntityID: entityID, Resource: resource}
	if item.OnUnavailable == ratelimiter.FailOpen.String() {
		cfg.OnUnavailable = ratelimiter.FailOpen
	}
	for _, l := range item.Limits {
		cfg.Limits = append(cfg.Limits, ratelimiter.Limit{
			Name:         l.Name,
			Capacity:     l.Capacity,
			Burst:        l.Burst,
			RefillAmount: l.RefillAmount,
			RefillPeriod: msToDuration(l.RefillPeriod),
		})
	}
	return cfg, nil
}

// PutNamespace upserts the namespace registration record. The content is
// deterministic for a given name, so concurrent registrations converge.
func (s *Store) PutNamespace(ctx context.Context, ns store.Namespace) error {
	item, err := attributevalue.MarshalMap(namespaceItem{
		PK:            namespacePK + ns.Name,
		SK:            entitySK,
		Name:          ns.Name,
		ID:            ns.ID,
		SchemaVersion: ns.SchemaVersion,
	})
	if err != nil {
		return fmt.Errorf("dynamo: marshal namespace: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("dynamo: put namespace %s: %w", ns.Name, err)
	}
	return nil
}

// GetNamespace reads a namespace registration record.
func (s *Store) GetNamespace(ctx context.Context, name string) (store.Namespace, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(namespacePK+name, entitySK),
	})
	if err != nil {
		return store.Namespace{}, fmt.Errorf("dynamo: get namespace %s: %w", name, err)
	}
	if len(out.Item) == 0 {
		return store.Namespace{}, store.ErrNotFound
	}
	var item namespaceItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return store.Namespace{}, fmt.Errorf("dynamo: unmarshal namespace: %w", err)
	}
	return store.Namespace{Name: item.Name, ID: item.ID, SchemaVersion: item.SchemaVersion}, nil
}

// AddSnapshot accumulates a usage window via unconditioned ADD, seeding the
// resource-index key and expiry only when the item is first created.
func (s *Store) AddSnapshot(ctx context.Context, update store.SnapshotUpdate) error {
	names := map[string]string{
		"#g":   bucket.AttrResourceIndex,
		"#ttl": bucket.AttrExpiry,
		"#te":  "total_events",
	}
	values := map[string]types.AttributeValue{
		":g":   stringAttr("w#" + update.Key.ResourceIndexKey()),
		":ttl": numberAttr(update.ExpiresAt),
		":te":  numberAttr(update.Events),
	}
	adds := []string{"#te :te"}
	i := 0
	for name, delta := range update.DeltasMilli {
		ph := fmt.Sprintf("#l%d", i)
		names[ph] = "u_" + name
		values[fmt.Sprintf(":l%d", i)] = numberAttr(delta)
		adds = append(adds, fmt.Sprintf("%s :l%d", ph, i))
		i++
	}
	sk := windowSKPref + update.WindowType + "#" + strconv.FormatInt(update.WindowStart, 10) + "#" + update.Key.Resource
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey(update.Key.PK(), sk),
		UpdateExpression:          aws.String("SET #g = if_not_exists(#g, :g), #ttl = if_not_exists(#ttl, :ttl) ADD " + strings.Join(adds, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("dynamo: add snapshot %s: %w", update.Key, err)
	}
	return nil
}

func entityPK(namespace, entityID string) string {
	return "e#" + namespace + "#" + entityID
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
