package query

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/connection"
	apperrors "docstore/pkg/errors"
)

type fakeAPI struct {
	calls  []*dynamodb.ExecuteStatementInput
	output *dynamodb.ExecuteStatementOutput
	err    error
}

func (f *fakeAPI) ExecuteStatement(ctx context.Context, params *dynamodb.ExecuteStatementInput, _ ...func(*dynamodb.Options)) (*dynamodb.ExecuteStatementOutput, error) {
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	if f.output != nil {
		return f.output, nil
	}
	return &dynamodb.ExecuteStatementOutput{}, nil
}

func newTestExecutor() *Executor {
	return NewExecutor(5*time.Second, nil, nil)
}

func TestExecuteDecodesRows(t *testing.T) {
	api := &fakeAPI{output: &dynamodb.ExecuteStatementOutput{
		Items: []map[string]types.AttributeValue{
			{
				"name": &types.AttributeValueMemberS{Value: "ada"},
				"age":  &types.AttributeValueMemberN{Value: "36"},
			},
		},
		NextToken: aws.String("page-2"),
	}}
	e := newTestExecutor()

	res, err := e.execute(context.Background(), api, Request{
		Statement:  `SELECT * FROM "documents" WHERE "EntityType" = ?`,
		Parameters: []any{"user"},
	})
	require.NoError(t, err)

	require.Len(t, res.Rows, 1)
	assert.Equal(t, "ada", res.Rows[0]["name"])
	assert.Equal(t, 1, res.Meta.Count)
	assert.Equal(t, "page-2", res.Meta.NextToken)
	assert.Len(t, res.Items, 1)
}

func TestExecutePassesOptionsThrough(t *testing.T) {
	api := &fakeAPI{}
	e := newTestExecutor()

	_, err := e.execute(context.Background(), api, Request{
		Statement:  `SELECT * FROM "documents" WHERE "EntityType" = ?`,
		Parameters: []any{"user"},
		Consistent: true,
		Limit:      25,
		NextToken:  "resume-here",
	})
	require.NoError(t, err)

	require.Len(t, api.calls, 1)
	in := api.calls[0]
	assert.True(t, aws.ToBool(in.ConsistentRead))
	assert.Equal(t, int32(25), aws.ToInt32(in.Limit))
	assert.Equal(t, "resume-here", aws.ToString(in.NextToken))
	require.Len(t, in.Parameters, 1)
}

func TestExecuteEmptyStatement(t *testing.T) {
	e := newTestExecutor()

	_, err := e.execute(context.Background(), &fakeAPI{}, Request{Statement: "   "})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestExecuteParameterCountMismatch(t *testing.T) {
	e := newTestExecutor()

	_, err := e.execute(context.Background(), &fakeAPI{}, Request{
		Statement:  `SELECT * FROM "documents" WHERE "a" = ? AND "b" = ?`,
		Parameters: []any{"only-one"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestExecuteMapsStoreErrors(t *testing.T) {
	tests := []struct {
		name     string
		apiErr   error
		wantKind apperrors.Kind
	}{
		{
			name:     "throttled",
			apiErr:   &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")},
			wantKind: apperrors.KindStore,
		},
		{
			name:     "bad statement",
			apiErr:   &smithy.GenericAPIError{Code: "ValidationException", Message: "syntax"},
			wantKind: apperrors.KindValidation,
		},
		{
			name:     "missing table",
			apiErr:   &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "no table"},
			wantKind: apperrors.KindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestExecutor()
			_, err := e.execute(context.Background(), &fakeAPI{err: tt.apiErr}, Request{
				Statement: `SELECT * FROM "documents"`,
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperrors.KindOf(err))
		})
	}
}

func TestPreparedCacheReusesNormalizedShape(t *testing.T) {
	e := newTestExecutor()
	api := &fakeAPI{}

	variants := []string{
		`SELECT * FROM "documents"   WHERE "a" = ?`,
		"SELECT * FROM \"documents\"\n\tWHERE \"a\" = ?",
		` SELECT  *  FROM "documents" WHERE "a" = ? `,
	}
	for _, stmt := range variants {
		_, err := e.execute(context.Background(), api, Request{
			Statement:  stmt,
			Parameters: []any{1},
			Prepared:   true,
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, e.PreparedCount(), "whitespace variants share one compiled shape")

	// Parameter values never widen the cache.
	_, err := e.execute(context.Background(), api, Request{
		Statement:  variants[0],
		Parameters: []any{"different"},
		Prepared:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, e.PreparedCount())
}

func TestUnpreparedStatementsBypassCache(t *testing.T) {
	e := newTestExecutor()

	_, err := e.execute(context.Background(), &fakeAPI{}, Request{
		Statement: `SELECT * FROM "documents"`,
	})
	require.NoError(t, err)
	assert.Zero(t, e.PreparedCount())
}

func TestExecutePrefersInjectedAPI(t *testing.T) {
	api := &fakeAPI{}
	e := NewExecutor(time.Second, nil, nil, WithAPI(api))

	// The handle carries no client; the injected API must be used instead.
	_, err := e.Execute(context.Background(), &connection.Handle{}, Request{
		Statement: `SELECT * FROM "documents"`,
	})
	require.NoError(t, err)
	assert.Len(t, api.calls, 1)
}

func TestMetaElapsedSerializesUnderElapsedKey(t *testing.T) {
	data, err := json.Marshal(Meta{Count: 2, Elapsed: 250 * time.Millisecond})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"elapsed":`)
	assert.NotContains(t, string(data), "elapsedMs")
}

func TestCountPlaceholdersIgnoresLiterals(t *testing.T) {
	tests := []struct {
		stmt string
		want int
	}{
		{`SELECT * FROM "t" WHERE a = ?`, 1},
		{`SELECT * FROM "t" WHERE a = ? AND b = ?`, 2},
		{`SELECT * FROM "t" WHERE a = 'lit?eral' AND b = ?`, 1},
		{`SELECT * FROM "t"`, 0},
		{`SELECT * FROM "t" WHERE a = '??'`, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, countPlaceholders(tt.stmt), tt.stmt)
	}
}
