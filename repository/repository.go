// Package repository provides generic per-entity CRUD on top of the store's
// primitive key-value operations, with optimistic-concurrency (CAS) safety
// on writes and field projection on reads. Query-backed finders delegate to
// the query executor with prepared statements.
package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"docstore/cache"
	"docstore/config"
	"docstore/connection"
	"docstore/internal/awserr"
	"docstore/observability"
	apperrors "docstore/pkg/errors"
	"docstore/query"
)

// Reserved item attributes maintained by the repository. Entity payload
// fields live alongside them in the same item.
const (
	attrPK        = "PK"
	attrEntity    = "EntityType"
	attrVersion   = "Version"
	attrUpdatedAt = "UpdatedAt"
)

// Cas is the opaque version token carried by every document. A write must
// present the expected current token (or none, for inserts); a stale token
// is rejected, never silently overwritten.
type Cas string

func casFromVersion(v int64) Cas {
	return Cas(strconv.FormatInt(v, 10))
}

func versionFromCas(c Cas) (int64, error) {
	v, err := strconv.ParseInt(string(c), 10, 64)
	if err != nil || v < 1 {
		return 0, apperrors.NewValidation("malformed CAS token")
	}
	return v, nil
}

// Document pairs an entity value with its identity and version token.
type Document[T any] struct {
	ID    string
	Cas   Cas
	Value T
}

// API is the slice of the store client the repository's key-value paths
// depend on. Narrowed for fakes in tests.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Repository is the generic entity repository. T is the entity payload type,
// marshalled field-by-field into the stored item.
type Repository[T any] struct {
	manager  *connection.Manager
	executor *query.Executor
	entity   string
	logger   *zap.Logger
	metrics  *observability.Metrics
	cache    cache.Cache
	timeouts config.Timeouts
	casRetry config.CasRetry

	// api overrides the handle's client in tests.
	api API
}

// Option customizes a Repository.
type Option[T any] func(*Repository[T])

// WithCache attaches a cache whose entries for this entity are invalidated
// on every mutation. Read-through caching itself stays caller-driven.
func WithCache[T any](c cache.Cache) Option[T] {
	return func(r *Repository[T]) { r.cache = c }
}

// WithMetrics attaches a metrics sink.
func WithMetrics[T any](m *observability.Metrics) Option[T] {
	return func(r *Repository[T]) { r.metrics = m }
}

// WithCasRetry overrides the CAS-conflict retry budget for this repository.
func WithCasRetry[T any](c config.CasRetry) Option[T] {
	return func(r *Repository[T]) { r.casRetry = c }
}

// withAPI injects a fake store client. Test hook.
func withAPI[T any](api API) Option[T] {
	return func(r *Repository[T]) { r.api = api }
}

// New creates a repository for one entity type. entity names the type and
// prefixes every document key.
func New[T any](manager *connection.Manager, executor *query.Executor, entity string, logger *zap.Logger, opts ...Option[T]) *Repository[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := manager.Config()
	r := &Repository[T]{
		manager:  manager,
		executor: executor,
		entity:   entity,
		logger:   logger.Named("repository_" + entity),
		timeouts: cfg.Timeouts,
		casRetry: cfg.CasRetry,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindByID returns the document for id, or nil when absent. fields narrows
// the read to a projection; the version token is always included.
func (r *Repository[T]) FindByID(ctx context.Context, id string, fields ...string) (*Document[T], error) {
	api, err := r.client(ctx)
	if err != nil {
		return nil, err
	}

	input := &dynamodb.GetItemInput{
		TableName: aws.String(r.table()),
		Key:       r.key(id),
	}
	if len(fields) > 0 {
		proj := expression.NamesList(expression.Name(attrVersion))
		for _, f := range fields {
			proj = proj.AddNames(expression.Name(f))
		}
		expr, err := expression.NewBuilder().WithProjection(proj).Build()
		if err != nil {
			return nil, apperrors.NewValidation(fmt.Sprintf("invalid projection fields: %v", err))
		}
		input.ProjectionExpression = expr.Projection()
		input.ExpressionAttributeNames = expr.Names()
	}

	var out *dynamodb.GetItemOutput
	err = r.guard("find_by_id", func() error {
		kctx, cancel := context.WithTimeout(ctx, r.timeouts.KeyValue)
		defer cancel()
		o, err := api.GetItem(kctx, input)
		if err != nil {
			return awserr.Map(err, "get document")
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, nil
	}
	return r.parseItem(id, out.Item)
}

// FindByIDOrThrow behaves like FindByID but reports absence as a not-found
// error.
func (r *Repository[T]) FindByIDOrThrow(ctx context.Context, id string, fields ...string) (*Document[T], error) {
	doc, err := r.FindByID(ctx, id, fields...)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apperrors.NewNotFound(fmt.Sprintf("%s %s not found", r.entity, id))
	}
	return doc, nil
}

// Exists reports whether a document is present, fetching only its key.
func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	api, err := r.client(ctx)
	if err != nil {
		return false, err
	}

	expr, err := expression.NewBuilder().
		WithProjection(expression.NamesList(expression.Name(attrPK))).
		Build()
	if err != nil {
		return false, apperrors.NewStore("failed to build existence projection", err)
	}

	input := &dynamodb.GetItemInput{
		TableName:                aws.String(r.table()),
		Key:                      r.key(id),
		ProjectionExpression:     expr.Projection(),
		ExpressionAttributeNames: expr.Names(),
	}

	var present bool
	err = r.guard("exists", func() error {
		kctx, cancel := context.WithTimeout(ctx, r.timeouts.KeyValue)
		defer cancel()
		out, err := api.GetItem(kctx, input)
		if err != nil {
			return awserr.Map(err, "check document existence")
		}
		present = out.Item != nil
		return nil
	})
	return present, err
}

// Save upserts the document. When a CAS token is given the write is
// conditional on it; on conflict the document is re-read for a fresh token
// and the write retried with exponential backoff. Exhausting the budget
// surfaces the last conflict. Non-CAS errors are never retried here.
func (r *Repository[T]) Save(ctx context.Context, id string, value T, cas ...Cas) (*Document[T], error) {
	var expected Cas
	if len(cas) > 0 {
		expected = cas[0]
	}

	var lastErr error
	for attempt := 1; attempt <= r.casRetry.MaxAttempts; attempt++ {
		doc, err := r.upsert(ctx, id, value, expected)
		if err == nil {
			r.invalidate(ctx, id)
			return doc, nil
		}
		if !apperrors.IsConflict(err) {
			return nil, err
		}
		lastErr = err

		if attempt == r.casRetry.MaxAttempts {
			break
		}

		// Refresh the token from the current document and try again.
		fresh, ferr := r.FindByID(ctx, id)
		if ferr != nil {
			return nil, ferr
		}
		if fresh == nil {
			expected = ""
		} else {
			expected = fresh.Cas
		}

		r.metrics.RetryAttempt("save")
		r.logger.Debug("retrying save after CAS conflict",
			zap.String("id", id),
			zap.Int("attempt", attempt),
		)

		timer := time.NewTimer(r.casRetry.BaseDelay << (attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, apperrors.Wrap(lastErr, fmt.Sprintf("save of %s %s exhausted %d attempts", r.entity, id, r.casRetry.MaxAttempts))
}

// Create inserts the document, failing when it already exists.
func (r *Repository[T]) Create(ctx context.Context, id string, value T) (*Document[T], error) {
	api, err := r.client(ctx)
	if err != nil {
		return nil, err
	}

	item, err := r.toItem(id, value, 1)
	if err != nil {
		return nil, err
	}

	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(attrPK))).
		Build()
	if err != nil {
		return nil, apperrors.NewStore("failed to build insert condition", err)
	}

	input := &dynamodb.PutItemInput{
		TableName:                aws.String(r.table()),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	}

	err = r.guard("create", func() error {
		wctx, cancel := context.WithTimeout(ctx, r.timeouts.DurableWrite)
		defer cancel()
		if _, err := api.PutItem(wctx, input); err != nil {
			return awserr.Map(err, "insert document")
		}
		return nil
	})
	if err != nil {
		if apperrors.IsConflict(err) {
			return nil, apperrors.NewConflict(fmt.Sprintf("%s %s already exists", r.entity, id), err)
		}
		return nil, err
	}

	r.invalidate(ctx, id)
	return &Document[T]{ID: id, Cas: casFromVersion(1), Value: value}, nil
}

// Replace overwrites an existing document, failing when it is absent or the
// given CAS token is stale.
func (r *Repository[T]) Replace(ctx context.Context, id string, value T, cas ...Cas) (*Document[T], error) {
	sets, err := attributevalue.MarshalMap(value)
	if err != nil {
		return nil, apperrors.NewValidation("entity cannot be marshalled")
	}

	var expected Cas
	if len(cas) > 0 {
		expected = cas[0]
	}
	doc, err := r.applyUpdate(ctx, "replace", id, sets, expected, true)
	if err != nil {
		return nil, r.disambiguateConflict(ctx, id, err)
	}
	r.invalidate(ctx, id)
	return doc, nil
}

// UpdateField applies a single partial update; path may address nested
// fields with dots.
func (r *Repository[T]) UpdateField(ctx context.Context, id, path string, value any, cas ...Cas) (*Document[T], error) {
	return r.UpdateFields(ctx, id, map[string]any{path: value}, cas...)
}

// UpdateFields applies partial updates via subdocument mutation, avoiding a
// full read-modify-write cycle. The document must exist.
func (r *Repository[T]) UpdateFields(ctx context.Context, id string, fields map[string]any, cas ...Cas) (*Document[T], error) {
	if len(fields) == 0 {
		return nil, apperrors.NewValidation("no fields to update")
	}

	sets := make(map[string]types.AttributeValue, len(fields))
	for path, v := range fields {
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return nil, apperrors.NewValidation(fmt.Sprintf("field %s cannot be marshalled", path))
		}
		sets[path] = av
	}

	var expected Cas
	if len(cas) > 0 {
		expected = cas[0]
	}
	doc, err := r.applyUpdate(ctx, "update_fields", id, sets, expected, true)
	if err != nil {
		return nil, r.disambiguateConflict(ctx, id, err)
	}
	r.invalidate(ctx, id)
	return doc, nil
}

// Delete removes the document. Deleting an absent document succeeds, so the
// operation is idempotent.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	api, err := r.client(ctx)
	if err != nil {
		return err
	}

	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(r.table()),
		Key:       r.key(id),
	}

	err = r.guard("delete", func() error {
		wctx, cancel := context.WithTimeout(ctx, r.timeouts.DurableWrite)
		defer cancel()
		if _, err := api.DeleteItem(wctx, input); err != nil {
			return awserr.Map(err, "delete document")
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.invalidate(ctx, id)
	return nil
}

// upsert performs one conditional write attempt, returning the stored
// document with its fresh token.
func (r *Repository[T]) upsert(ctx context.Context, id string, value T, expected Cas) (*Document[T], error) {
	sets, err := attributevalue.MarshalMap(value)
	if err != nil {
		return nil, apperrors.NewValidation("entity cannot be marshalled")
	}
	return r.applyUpdate(ctx, "save", id, sets, expected, false)
}

// applyUpdate executes an UpdateItem carrying the shared version-bump and
// metadata clauses. mustExist adds an existence condition; expected adds the
// CAS condition. Keys in sets may address nested attributes with dots.
func (r *Repository[T]) applyUpdate(ctx context.Context, op, id string, sets map[string]types.AttributeValue, expected Cas, mustExist bool) (*Document[T], error) {
	api, err := r.client(ctx)
	if err != nil {
		return nil, err
	}

	update := expression.UpdateBuilder{}
	for path, av := range sets {
		update = update.Set(expression.Name(path), expression.Value(av))
	}
	update = update.
		Set(expression.Name(attrVersion), expression.Plus(
			expression.IfNotExists(expression.Name(attrVersion), expression.Value(0)),
			expression.Value(1),
		)).
		Set(expression.Name(attrEntity), expression.Value(r.entity)).
		Set(expression.Name(attrUpdatedAt), expression.Value(time.Now().UTC().Format(time.RFC3339)))

	builder := expression.NewBuilder().WithUpdate(update)

	var cond expression.ConditionBuilder
	hasCond := false
	if mustExist {
		cond = expression.AttributeExists(expression.Name(attrPK))
		hasCond = true
	}
	if expected != "" {
		ver, err := versionFromCas(expected)
		if err != nil {
			return nil, err
		}
		verCond := expression.Name(attrVersion).Equal(expression.Value(ver))
		if hasCond {
			cond = cond.And(verCond)
		} else {
			cond = verCond
			hasCond = true
		}
	}
	if hasCond {
		builder = builder.WithCondition(cond)
	}

	expr, err := builder.Build()
	if err != nil {
		return nil, apperrors.NewValidation(fmt.Sprintf("invalid update for %s %s: %v", r.entity, id, err))
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table()),
		Key:                       r.key(id),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	}

	var out *dynamodb.UpdateItemOutput
	err = r.guard(op, func() error {
		wctx, cancel := context.WithTimeout(ctx, r.timeouts.DurableWrite)
		defer cancel()
		o, err := api.UpdateItem(wctx, input)
		if err != nil {
			return awserr.Map(err, "write document")
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.parseItem(id, out.Attributes)
}

// disambiguateConflict splits a condition-check failure into "absent" and
// "stale token" outcomes for operations that require an existing document.
func (r *Repository[T]) disambiguateConflict(ctx context.Context, id string, err error) error {
	if !apperrors.IsConflict(err) {
		return err
	}
	present, perr := r.Exists(ctx, id)
	if perr == nil && !present {
		return apperrors.NewNotFound(fmt.Sprintf("%s %s not found", r.entity, id))
	}
	return err
}

// guard runs fn through the shared circuit breaker and records latency.
func (r *Repository[T]) guard(op string, fn func() error) error {
	start := time.Now()
	err := r.manager.Breaker().Execute(fn)
	r.metrics.ObserveOperation("repository", op, time.Since(start), err)
	return err
}

// client returns the store API, preferring the injected test fake.
func (r *Repository[T]) client(ctx context.Context) (API, error) {
	if r.api != nil {
		return r.api, nil
	}
	h, err := r.manager.Get(ctx)
	if err != nil {
		return nil, err
	}
	return h.Client, nil
}

func (r *Repository[T]) table() string {
	return r.manager.Config().Table
}

func (r *Repository[T]) pk(id string) string {
	return r.entity + "#" + id
}

func (r *Repository[T]) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: r.pk(id)},
	}
}

func (r *Repository[T]) invalidate(ctx context.Context, id string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, r.pk(id)); err != nil {
		r.logger.Warn("cache invalidation failed", zap.String("id", id), zap.Error(err))
	}
}

// toItem builds a full item for insert paths.
func (r *Repository[T]) toItem(id string, value T, version int64) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(value)
	if err != nil {
		return nil, apperrors.NewValidation("entity cannot be marshalled")
	}
	item[attrPK] = &types.AttributeValueMemberS{Value: r.pk(id)}
	item[attrEntity] = &types.AttributeValueMemberS{Value: r.entity}
	item[attrVersion] = &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)}
	item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)}
	return item, nil
}

// parseItem maps a stored item back onto a document, stripping the reserved
// attributes before decoding the payload.
func (r *Repository[T]) parseItem(id string, item map[string]types.AttributeValue) (*Document[T], error) {
	doc := &Document[T]{ID: id}
	if pkAttr, ok := item[attrPK].(*types.AttributeValueMemberS); ok {
		doc.ID = strings.TrimPrefix(pkAttr.Value, r.entity+"#")
	}
	if verAttr, ok := item[attrVersion].(*types.AttributeValueMemberN); ok {
		doc.Cas = Cas(verAttr.Value)
	}

	payload := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		switch k {
		case attrPK, attrEntity, attrVersion, attrUpdatedAt:
			continue
		}
		payload[k] = v
	}
	if err := attributevalue.UnmarshalMap(payload, &doc.Value); err != nil {
		return nil, apperrors.NewStore("failed to decode document payload", err)
	}
	return doc, nil
}
