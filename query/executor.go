// Package query executes parameterized PartiQL statements against the
// cluster, optionally through a prepared-statement cache keyed by normalized
// statement text. The executor performs no implicit retries: statements may
// have side effects, so retry policy belongs to the caller.
package query

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"docstore/connection"
	"docstore/internal/awserr"
	"docstore/observability"
	apperrors "docstore/pkg/errors"
)

// API is the slice of the store client the executor depends on. Narrowed for
// fakes in tests.
type API interface {
	ExecuteStatement(ctx context.Context, params *dynamodb.ExecuteStatementInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ExecuteStatementOutput, error)
}

// Request describes one statement execution.
type Request struct {
	// Statement is the parameterized PartiQL text with ? placeholders.
	Statement string
	// Parameters are bound positionally to the placeholders.
	Parameters []any
	// Consistent requests strongly consistent reads.
	Consistent bool
	// Prepared routes the statement through the prepared-statement cache.
	Prepared bool
	// Limit bounds the page size; zero uses the store default.
	Limit int32
	// NextToken resumes a paginated result set.
	NextToken string
}

// Meta is the execution metadata accompanying a result page.
type Meta struct {
	Count     int           `json:"count"`
	NextToken string        `json:"nextToken,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Result is one page of rows plus metadata. Items carries the raw attribute
// maps for callers that re-map rows onto their own types.
type Result struct {
	Rows  []map[string]any
	Items []map[string]types.AttributeValue
	Meta  Meta
}

// prepared is a compiled statement handle: normalized text with its
// placeholder count validated once.
type prepared struct {
	text       string
	paramCount int
}

// Executor runs statements against a borrowed connection handle.
type Executor struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	timeout time.Duration
	api     API

	mu    sync.RWMutex
	cache map[string]*prepared
}

// Option customizes an Executor.
type Option func(*Executor)

// WithAPI pins the executor to a fixed store client instead of the borrowed
// handle's. Used by tests and by embedders that construct the client
// themselves.
func WithAPI(api API) Option {
	return func(e *Executor) { e.api = api }
}

// NewExecutor creates an Executor. timeout is the per-statement query
// timeout; metrics may be nil.
func NewExecutor(timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		logger:  logger.Named("query"),
		metrics: metrics,
		timeout: timeout,
		cache:   make(map[string]*prepared),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs req against h and returns the resulting page. Store-level
// failures surface as typed errors; nothing is swallowed or retried here.
func (e *Executor) Execute(ctx context.Context, h *connection.Handle, req Request) (*Result, error) {
	if e.api != nil {
		return e.execute(ctx, e.api, req)
	}
	return e.execute(ctx, h.Client, req)
}

func (e *Executor) execute(ctx context.Context, api API, req Request) (*Result, error) {
	stmt, err := e.resolve(req)
	if err != nil {
		return nil, err
	}

	params, err := marshalParameters(req.Parameters)
	if err != nil {
		return nil, err
	}

	input := &dynamodb.ExecuteStatementInput{
		Statement:  aws.String(stmt.text),
		Parameters: params,
	}
	if req.Consistent {
		input.ConsistentRead = aws.Bool(true)
	}
	if req.Limit > 0 {
		input.Limit = aws.Int32(req.Limit)
	}
	if req.NextToken != "" {
		input.NextToken = aws.String(req.NextToken)
	}

	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	out, err := api.ExecuteStatement(qctx, input)
	elapsed := time.Since(start)
	e.metrics.ObserveOperation("query", "execute", elapsed, err)
	if err != nil {
		mapped := awserr.Map(err, "execute statement")
		e.logger.Debug("statement failed",
			zap.String("statement", stmt.text),
			zap.Duration("elapsed", elapsed),
			zap.Error(mapped),
		)
		return nil, mapped
	}

	rows := make([]map[string]any, 0, len(out.Items))
	for _, item := range out.Items {
		row := make(map[string]any, len(item))
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			return nil, apperrors.NewStore("failed to decode result row", err)
		}
		rows = append(rows, row)
	}

	result := &Result{
		Rows:  rows,
		Items: out.Items,
		Meta: Meta{
			Count:   len(out.Items),
			Elapsed: elapsed,
		},
	}
	if out.NextToken != nil {
		result.Meta.NextToken = *out.NextToken
	}

	e.logger.Debug("statement executed",
		zap.String("statement", stmt.text),
		zap.Int("rows", result.Meta.Count),
		zap.Duration("elapsed", elapsed),
	)
	return result, nil
}

// resolve compiles req's statement, consulting the prepared-statement cache
// when requested. The cache maps normalized statement text, never parameter
// values, to its compiled handle.
func (e *Executor) resolve(req Request) (*prepared, error) {
	normalized := normalize(req.Statement)
	if normalized == "" {
		return nil, apperrors.NewValidation("statement must not be empty")
	}

	var stmt *prepared
	if req.Prepared {
		e.mu.RLock()
		stmt = e.cache[normalized]
		e.mu.RUnlock()
	}
	if stmt == nil {
		stmt = &prepared{
			text:       normalized,
			paramCount: countPlaceholders(normalized),
		}
		if req.Prepared {
			e.mu.Lock()
			e.cache[normalized] = stmt
			e.mu.Unlock()
		}
	}

	if len(req.Parameters) != stmt.paramCount {
		return nil, apperrors.NewValidation("parameter count does not match statement placeholders")
	}
	return stmt, nil
}

// PreparedCount reports how many statement shapes are cached.
func (e *Executor) PreparedCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func marshalParameters(params []any) ([]types.AttributeValue, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make([]types.AttributeValue, 0, len(params))
	for _, p := range params {
		av, err := attributevalue.Marshal(p)
		if err != nil {
			return nil, apperrors.NewValidation("unsupported statement parameter")
		}
		out = append(out, av)
	}
	return out, nil
}

// normalize collapses whitespace so equivalent statement shapes share one
// cache entry.
func normalize(statement string) string {
	return strings.Join(strings.Fields(statement), " ")
}

// countPlaceholders counts ? markers outside single-quoted literals.
func countPlaceholders(statement string) int {
	count := 0
	inLiteral := false
	for _, r := range statement {
		switch {
		case r == '\'':
			inLiteral = !inLiteral
		case r == '?' && !inLiteral:
			count++
		}
	}
	return count
}
