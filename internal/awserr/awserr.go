// Package awserr translates raw AWS SDK failures into the module's error
// taxonomy so the retry and breaker layers never inspect SDK types directly.
package awserr

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	apperrors "docstore/pkg/errors"
)

// Map converts err into a tagged AppError. op names the store operation for
// error context. Errors that are already tagged pass through unchanged.
func Map(err error, op string) error {
	if err == nil {
		return nil
	}

	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeout(fmt.Sprintf("%s timed out", op), err)
	}
	if stderrors.Is(err, context.Canceled) {
		return apperrors.NewConnection(fmt.Sprintf("%s canceled", op), err)
	}

	var ccf *types.ConditionalCheckFailedException
	if stderrors.As(err, &ccf) {
		return apperrors.NewConflict(fmt.Sprintf("%s rejected by condition check", op), err)
	}

	if isTransient(err) {
		return apperrors.NewTransientStore(fmt.Sprintf("%s throttled or transiently failed", op), err)
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationException":
			return apperrors.NewValidation(fmt.Sprintf("%s: %s", op, apiErr.ErrorMessage()))
		case "ResourceNotFoundException":
			return apperrors.NewNotFound(fmt.Sprintf("%s: %s", op, apiErr.ErrorMessage()))
		case "AccessDeniedException", "UnrecognizedClientException", "MissingAuthenticationToken":
			// Authorization failures are fatal, never retried.
			return apperrors.NewStore(fmt.Sprintf("%s not authorized", op), err)
		}
		return apperrors.NewStore(fmt.Sprintf("%s failed", op), err)
	}

	return apperrors.NewConnection(fmt.Sprintf("%s failed to reach the store", op), err)
}

// isTransient mirrors the throttling-class faults the store raises under
// load. These are safe to retry for any operation.
func isTransient(err error) bool {
	var (
		throughput *types.ProvisionedThroughputExceededException
		reqLimit   *types.RequestLimitExceeded
		internal   *types.InternalServerError
		itemLimit  *types.ItemCollectionSizeLimitExceededException
		limit      *types.LimitExceededException
	)
	if stderrors.As(err, &throughput) ||
		stderrors.As(err, &reqLimit) ||
		stderrors.As(err, &internal) ||
		stderrors.As(err, &itemLimit) ||
		stderrors.As(err, &limit) {
		return true
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ServiceUnavailable", "ThrottlingException", "Throttling", "RequestTimeout":
			return true
		}
	}
	return false
}
