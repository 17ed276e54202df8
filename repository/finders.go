package repository

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"docstore/connection"
	apperrors "docstore/pkg/errors"
	"docstore/query"
)

// fieldNamePattern restricts filterable field names to plain identifiers so
// caller input can never splice into statement text. Values always travel as
// bound parameters.
var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Condition is one equality predicate in a filtered find.
type Condition struct {
	Field string
	Value any
}

// FindOptions tunes a filtered find.
type FindOptions struct {
	// Limit bounds the page size; zero uses the store default.
	Limit int32
	// NextToken resumes pagination from a previous page.
	NextToken string
	// Consistent requests strongly consistent reads.
	Consistent bool
}

// Page is one page of documents plus the continuation token, empty when the
// result set is exhausted.
type Page[T any] struct {
	Documents []Document[T]
	NextToken string
}

// FindByFilter returns the documents of this entity type matching every
// condition. Statements are prepared so repeated shapes reuse one compiled
// handle regardless of parameter values.
func (r *Repository[T]) FindByFilter(ctx context.Context, conditions []Condition, opts ...FindOptions) (*Page[T], error) {
	var opt FindOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	stmt, params, err := r.buildSelect("*", conditions)
	if err != nil {
		return nil, err
	}

	h, err := r.manager.Get(ctx)
	if err != nil {
		return nil, err
	}

	var res *query.Result
	err = r.guard("find_by_filter", func() error {
		out, err := r.executor.Execute(ctx, h, query.Request{
			Statement:  stmt,
			Parameters: params,
			Prepared:   true,
			Consistent: opt.Consistent,
			Limit:      opt.Limit,
			NextToken:  opt.NextToken,
		})
		if err != nil {
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	page := &Page[T]{
		Documents: make([]Document[T], 0, len(res.Items)),
		NextToken: res.Meta.NextToken,
	}
	for _, item := range res.Items {
		doc, err := r.parseItem("", item)
		if err != nil {
			return nil, err
		}
		page.Documents = append(page.Documents, *doc)
	}
	return page, nil
}

// FindOneBy returns the first document matching the conditions, or nil when
// none matches.
func (r *Repository[T]) FindOneBy(ctx context.Context, conditions []Condition) (*Document[T], error) {
	page, err := r.FindByFilter(ctx, conditions, FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(page.Documents) == 0 {
		return nil, nil
	}
	return &page.Documents[0], nil
}

// Count returns the number of documents matching the conditions. The store
// has no server-side aggregate, so pages of key-only projections are summed.
func (r *Repository[T]) Count(ctx context.Context, conditions ...Condition) (int64, error) {
	stmt, params, err := r.buildSelect(`"`+attrPK+`"`, conditions)
	if err != nil {
		return 0, err
	}

	h, err := r.manager.Get(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	token := ""
	for {
		var res *query.Result
		err = r.guard("count", func() error {
			out, err := r.executor.Execute(ctx, h, query.Request{
				Statement:  stmt,
				Parameters: params,
				Prepared:   true,
				NextToken:  token,
			})
			if err != nil {
				return err
			}
			res = out
			return nil
		})
		if err != nil {
			return 0, err
		}

		total += int64(res.Meta.Count)
		if res.Meta.NextToken == "" {
			return total, nil
		}
		token = res.Meta.NextToken
	}
}

// buildSelect assembles a parameterized select over this entity type. Field
// names are validated against an identifier pattern; values become bound
// parameters.
func (r *Repository[T]) buildSelect(projection string, conditions []Condition) (string, []any, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT %s FROM %q WHERE %q = ?`, projection, r.table(), attrEntity)
	params := []any{r.entity}

	for _, c := range conditions {
		if !fieldNamePattern.MatchString(c.Field) {
			return "", nil, apperrors.NewValidation(fmt.Sprintf("invalid filter field %q", c.Field))
		}
		fmt.Fprintf(&sb, ` AND %q = ?`, c.Field)
		params = append(params, c.Value)
	}
	return sb.String(), params, nil
}

// Health exposes the manager's health probe so callers holding only a
// repository can still report store status.
func (r *Repository[T]) Health(ctx context.Context) connection.Health {
	return r.manager.Health(ctx)
}
