// Package batch maintains per-batch counters, state, common tags, and the
// request list for one originator submission, backed by DynamoDB the way
// the teacher's internal/store package backs task records: one table, one
// item per key, conditional UpdateItem calls standing in for the spec's
// "KV-store hash field writes" compare-and-set semantics.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/sitorouter/sitorouter/internal/delay"
	"github.com/sitorouter/sitorouter/internal/errs"
)

// DeliverCondition is the external override a re-entry consults.
type DeliverCondition string

const (
	DeliverGo    DeliverCondition = "GO"
	DeliverAbort DeliverCondition = "ABORT"
)

// State captures the batch lifecycle; StateDelayed preserves the target
// epoch in its string form for introspection, per spec §3.
type State string

const (
	StateProcessing State = "PROCESSING"
	StateAborted    State = "ABORTED"
	StateDone       State = "DONE"
)

// DelayedState formats the "DELAYED:<epoch>" state string.
func DelayedState(epoch int64) State {
	return State(fmt.Sprintf("DELAYED:%d", epoch))
}

// Record is the persisted shape of a batch, stored under key "Sr_<batch_id>".
type Record struct {
	BatchID          string `dynamodbav:"batch_id" json:"batch_id"`
	BatchSize        int    `dynamodbav:"batch_size" json:"batch_size"`
	GoodCount        int    `dynamodbav:"good_count" json:"good_count"`
	BadCount         int    `dynamodbav:"bad_count" json:"bad_count"`
	State            string `dynamodbav:"state" json:"state"`
	DeliverCondition string `dynamodbav:"deliver_condition" json:"deliver_condition"`
	CommonTags       string `dynamodbav:"common_tags" json:"common_tags"`
	Requests         string `dynamodbav:"requests" json:"requests"`
	SendTime         int64  `dynamodbav:"send_time" json:"send_time"`
	BatchStart       int64  `dynamodbav:"batch_start" json:"batch_start"`
	DelayTime        int64  `dynamodbav:"delay_time" json:"delay_time"`
	SystemID         string `dynamodbav:"system_id" json:"system_id"`
	Expiration       int64  `dynamodbav:"expiration" json:"expiration"`
	TTL              int64  `dynamodbav:"ttl" json:"ttl"`
}

func key(batchID string) string { return "Sr_" + batchID }

// Store is the KV-backed batch state store plus its matching delayed DLR
// scheduling, per spec §4.6.
type Store struct {
	db        *dynamodb.Client
	tableName string
	scheduler *delay.Scheduler
}

func NewStore(db *dynamodb.Client, tableName string, scheduler *delay.Scheduler) *Store {
	return &Store{db: db, tableName: tableName, scheduler: scheduler}
}

// CreateOptions bundles the fields needed to seed a batch and its DLR.
type CreateOptions struct {
	BatchID      string
	BatchSize    int
	CommonTags   any
	Requests     any
	SendTime     int64
	BatchStart   int64
	DelayTime    int64
	SystemID     string
	Expiration   int64 // explicit expiration epoch, 0 if unset
	TTLSeconds   int64 // deliver_time + ttl component

	DLRExchange string
	DLRRoute    string
	DLRPayload  []byte
}

// effectiveTTL is the larger of an explicit expiration timestamp or
// deliver_time + ttl, per spec §3.
func effectiveTTL(expiration int64, deliverTime, ttlSeconds int64) int64 {
	computed := deliverTime + ttlSeconds
	if expiration > computed {
		return expiration
	}
	return computed
}

// Create seeds a batch record and schedules its matching delayed DLR
// message for when the batch's TTL expires.
func (s *Store) Create(ctx context.Context, opts CreateOptions) error {
	commonJSON, err := json.Marshal(opts.CommonTags)
	if err != nil {
		return errs.Wrap(errs.JSONEncodeError, "marshal common_tags", err)
	}
	requestsJSON, err := json.Marshal(opts.Requests)
	if err != nil {
		return errs.Wrap(errs.JSONEncodeError, "marshal requests", err)
	}

	ttl := effectiveTTL(opts.Expiration, opts.DelayTime, opts.TTLSeconds)

	rec := Record{
		BatchID:          opts.BatchID,
		BatchSize:        opts.BatchSize,
		State:            string(StateProcessing),
		DeliverCondition: string(DeliverGo),
		CommonTags:       string(commonJSON),
		Requests:         string(requestsJSON),
		SendTime:         opts.SendTime,
		BatchStart:       opts.BatchStart,
		DelayTime:        opts.DelayTime,
		SystemID:         opts.SystemID,
		Expiration:       opts.Expiration,
		TTL:              ttl,
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return errs.Wrap(errs.JSONEncodeError, "marshal batch record", err)
	}
	item["batch_id"] = &types.AttributeValueMemberS{Value: key(opts.BatchID)}

	if _, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return errs.Wrap(errs.StageError, "put batch record", err)
	}

	if s.scheduler != nil && opts.DLRExchange != "" {
		spec := delay.Spec{
			ExpireEpoch:    ttl,
			TargetExchange: opts.DLRExchange,
			TargetRoute:    opts.DLRRoute,
			Payload:        opts.DLRPayload,
		}
		if err := s.scheduler.PublishDelayed(ctx, spec); err != nil {
			return errs.Wrap(errs.BrokerPublishFailed, "schedule batch DLR", err)
		}
	}
	return nil
}

// Get fetches a batch record.
func (s *Store) Get(ctx context.Context, batchID string) (*Record, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"batch_id": &types.AttributeValueMemberS{Value: key(batchID)},
		},
	})
	if err != nil {
		return nil, errs.Wrap(errs.StageError, "get batch record", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, errs.Wrap(errs.JSONDecodeError, "unmarshal batch record", err)
	}
	return &rec, nil
}

// IncrGood atomically increments good_count by one.
func (s *Store) IncrGood(ctx context.Context, batchID string) error {
	return s.incr(ctx, batchID, "good_count")
}

// IncrBad atomically increments bad_count by one.
func (s *Store) IncrBad(ctx context.Context, batchID string) error {
	return s.incr(ctx, batchID, "bad_count")
}

func (s *Store) incr(ctx context.Context, batchID, field string) error {
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"batch_id": &types.AttributeValueMemberS{Value: key(batchID)},
		},
		UpdateExpression: aws.String("SET #f = if_not_exists(#f, :zero) + :one"),
		ExpressionAttributeNames: map[string]string{
			"#f": field,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":one":  &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return errs.Wrap(errs.StageError, "increment "+field, err)
	}
	return nil
}

// SetState sets the batch's lifecycle state string.
func (s *Store) SetState(ctx context.Context, batchID string, state State) error {
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"batch_id": &types.AttributeValueMemberS{Value: key(batchID)},
		},
		UpdateExpression: aws.String("SET #st = :st"),
		ExpressionAttributeNames: map[string]string{"#st": "state"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: string(state)},
		},
	})
	if err != nil {
		return errs.Wrap(errs.StageError, "set batch state", err)
	}
	return nil
}

// SetDeliverCondition sets the external re-entry override, only if the
// batch is still PROCESSING or in a DELAYED state (conditional write
// standing in for the spec's compare-and-set semantics).
func (s *Store) SetDeliverCondition(ctx context.Context, batchID string, cond DeliverCondition) error {
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"batch_id": &types.AttributeValueMemberS{Value: key(batchID)},
		},
		UpdateExpression:         aws.String("SET deliver_condition = :c"),
		ConditionExpression:      aws.String("#st = :processing OR begins_with(#st, :delayed)"),
		ExpressionAttributeNames: map[string]string{"#st": "state"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c":          &types.AttributeValueMemberS{Value: string(cond)},
			":processing": &types.AttributeValueMemberS{Value: string(StateProcessing)},
			":delayed":    &types.AttributeValueMemberS{Value: "DELAYED:"},
		},
	})
	if err != nil {
		return errs.Wrap(errs.StageError, "set deliver_condition", err)
	}
	return nil
}

// CheckGo returns errs.BatchNotGo if the batch's deliver_condition blocks
// re-entry, per spec §8 scenario S6.
func (s *Store) CheckGo(ctx context.Context, batchID string) error {
	rec, err := s.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if DeliverCondition(rec.DeliverCondition) == DeliverAbort {
		return errs.New(errs.BatchNotGo, "batch "+batchID+" deliver_condition is ABORT")
	}
	return nil
}

// Delete removes the batch's KV entry, done once a DLR finalizes it.
func (s *Store) Delete(ctx context.Context, batchID string) error {
	_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"batch_id": &types.AttributeValueMemberS{Value: key(batchID)},
		},
	})
	if err != nil {
		return errs.Wrap(errs.StageError, "delete batch record", err)
	}
	return nil
}

// IsConditionalCheckFailed reports whether err came back from a condition
// expression that did not hold (someone else already transitioned state).
func IsConditionalCheckFailed(err error) bool {
	var cfe *types.ConditionalCheckFailedException
	return errors.As(err, &cfe)
}

