// Package dynamo stores the string index in a single DynamoDB table.
//
// Every item lives under one string partition key "pk":
//
//	s#{use case}#{org}#{string} -> key
//	k#{encoded id}              -> use_case, org_id, string, created_at
//	c#{use case}#{org}          -> n (strings interned by the org)
//	q#{sequence name}           -> n (reserved sequence values)
//
// A mapping's string and key items are written in one transaction guarded by
// attribute_not_exists, so the table enforces both uniqueness rules. Encoded
// ids spread the key items across partitions. The org counter is bumped after
// the transaction commits, outside it, so writes for one org never contend on
// a shared item.
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name internline \
//	  --attribute-definitions AttributeName=pk,AttributeType=S \
//	  --key-schema AttributeName=pk,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"internline/internal/domain"
	"internline/internal/indexer"
)

const (
	attrPK        = "pk"
	attrKey       = "key"
	attrUseCase   = "use_case"
	attrOrgID     = "org_id"
	attrString    = "string"
	attrCreatedAt = "created_at"
	attrN         = "n"

	condAbsent = "attribute_not_exists(pk)"

	conflictRetries = 4
	conflictBackoff = 20 * time.Millisecond
)

// DDBClient is the subset of the DynamoDB API the store uses.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// NewClient builds a client from the default AWS credential chain. A
// non-empty endpoint points it at DynamoDB Local or another compatible API.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

type Store struct {
	client  DDBClient
	table   string
	backoff time.Duration

	Logger *slog.Logger
}

var (
	_ indexer.Backend = (*Store)(nil)
	_ indexer.Counter = (*Store)(nil)
)

func New(client DDBClient, table string) *Store {
	return &Store{client: client, table: table, backoff: conflictBackoff}
}

func (s *Store) Name() string { return "dynamodb" }

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func stringPK(uc domain.UseCaseKey, orgID int64, str string) string {
	return fmt.Sprintf("s#%s#%d#%s", uc, orgID, str)
}

func keyPK(key domain.EncodedID) string { return "k#" + strconv.FormatInt(int64(key), 10) }

func countPK(uc domain.UseCaseKey, orgID int64) string { return fmt.Sprintf("c#%s#%d", uc, orgID) }

func sequencePK(name string) string { return "q#" + name }

func pk(v string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrPK: &types.AttributeValueMemberS{Value: v}}
}

func num(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func (s *Store) getItem(ctx context.Context, key string) (map[string]types.AttributeValue, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            pk(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(out.Item) == 0 {
		return nil, indexer.ErrNotFound
	}
	return out.Item, nil
}

func intAttr(item map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("invalid %s attribute", name)
	}
	return strconv.ParseInt(v.Value, 10, 64)
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("invalid %s attribute", name)
	}
	return v.Value, nil
}

func (s *Store) GetByString(ctx context.Context, uc domain.UseCaseKey, orgID int64, str string) (domain.Mapping, error) {
	item, err := s.getItem(ctx, stringPK(uc, orgID, str))
	if err != nil {
		return domain.Mapping{}, err
	}
	key, err := intAttr(item, attrKey)
	if err != nil {
		return domain.Mapping{}, err
	}
	return s.GetByKey(ctx, domain.EncodedID(key))
}

func (s *Store) GetByKey(ctx context.Context, key domain.EncodedID) (domain.Mapping, error) {
	item, err := s.getItem(ctx, keyPK(key))
	if err != nil {
		return domain.Mapping{}, err
	}
	m := domain.Mapping{Key: key}
	uc, err := stringAttr(item, attrUseCase)
	if err != nil {
		return m, err
	}
	m.UseCase = domain.UseCaseKey(uc)
	if m.OrgID, err = intAttr(item, attrOrgID); err != nil {
		return m, err
	}
	if m.String, err = stringAttr(item, attrString); err != nil {
		return m, err
	}
	if ts, err := stringAttr(item, attrCreatedAt); err == nil {
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return m, nil
}

// Insert writes the string item and the key item in one transaction, then
// bumps the org counter. A transaction that loses a conflict is retried; after
// the last attempt the backend is reported unavailable.
func (s *Store) Insert(ctx context.Context, m domain.Mapping) error {
	table := aws.String(s.table)
	in := &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName: table,
				Item: map[string]types.AttributeValue{
					attrPK:  &types.AttributeValueMemberS{Value: stringPK(m.UseCase, m.OrgID, m.String)},
					attrKey: num(int64(m.Key)),
				},
				ConditionExpression: aws.String(condAbsent),
			}},
			{Put: &types.Put{
				TableName: table,
				Item: map[string]types.AttributeValue{
					attrPK:        &types.AttributeValueMemberS{Value: keyPK(m.Key)},
					attrUseCase:   &types.AttributeValueMemberS{Value: string(m.UseCase)},
					attrOrgID:     num(m.OrgID),
					attrString:    &types.AttributeValueMemberS{Value: m.String},
					attrCreatedAt: &types.AttributeValueMemberS{Value: m.CreatedAt.UTC().Format(time.RFC3339Nano)},
				},
				ConditionExpression: aws.String(condAbsent),
			}},
		},
	}
	var err error
	for attempt := 0; ; attempt++ {
		_, err = s.client.TransactWriteItems(ctx, in)
		if err == nil || !isConflict(err) || attempt == conflictRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff << attempt):
		}
	}
	if err != nil {
		return classify(err)
	}
	if err := s.bumpCount(ctx, m.UseCase, m.OrgID); err != nil {
		s.logger().Warn("dynamodb count update failed", "use_case", m.UseCase, "org_id", m.OrgID, "error", err)
	}
	return nil
}

// bumpCount adds one to the org counter. The mapping is already committed, so
// a failure here only leaves the count short.
func (s *Store) bumpCount(ctx context.Context, uc domain.UseCaseKey, orgID int64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       pk(countPK(uc, orgID)),
		UpdateExpression:          aws.String("ADD n :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": num(1)},
	})
	return classify(err)
}

// isConflict reports whether a transaction was cancelled only because another
// transaction held one of its items.
func isConflict(err error) bool {
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		return false
	}
	conflict := false
	for _, r := range txErr.CancellationReasons {
		switch aws.ToString(r.Code) {
		case "TransactionConflict":
			conflict = true
		case "", "None":
		default:
			return false
		}
	}
	return conflict
}

func (s *Store) CountStrings(ctx context.Context, uc domain.UseCaseKey, orgID int64) (int64, error) {
	item, err := s.getItem(ctx, countPK(uc, orgID))
	if errors.Is(err, indexer.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return intAttr(item, attrN)
}

// Reserve atomically adds n to the named counter and returns the new value.
func (s *Store) Reserve(ctx context.Context, name string, n uint64) (uint64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       pk(sequencePK(name)),
		UpdateExpression:          aws.String("ADD n :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":n": num(int64(n))},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, classify(err)
	}
	v, err := intAttr(out.Attributes, attrN)
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		condErr     *types.ConditionalCheckFailedException
		txErr       *types.TransactionCanceledException
		throughput  *types.ProvisionedThroughputExceededException
		limitErr    *types.RequestLimitExceeded
		internalErr *types.InternalServerError
		notFound    *types.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &condErr):
		return fmt.Errorf("%v: %w", err, indexer.ErrAlreadyExists)
	case errors.As(err, &txErr):
		for _, r := range txErr.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return fmt.Errorf("%v: %w", err, indexer.ErrAlreadyExists)
			}
		}
		for _, r := range txErr.CancellationReasons {
			if aws.ToString(r.Code) == "ValidationError" {
				return fmt.Errorf("%v: %w", err, indexer.ErrRejected)
			}
		}
		for _, r := range txErr.CancellationReasons {
			switch aws.ToString(r.Code) {
			case "TransactionConflict", "ThrottlingError", "ProvisionedThroughputExceeded":
				return fmt.Errorf("%v: %w", err, indexer.ErrUnavailable)
			}
		}
		return err
	case errors.As(err, &throughput), errors.As(err, &limitErr), errors.As(err, &internalErr), errors.As(err, &notFound):
		return fmt.Errorf("%v: %w", err, indexer.ErrUnavailable)
	}
	return err
}
