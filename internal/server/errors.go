package server

import (
	"context"
	"errors"

	"PerpVAMM/internal/errcode"
	"PerpVAMM/internal/ingestion"
	"PerpVAMM/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps service errors onto gRPC codes; the gateway renders those
// as HTTP statuses.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, query.ErrInvalidLimit), errors.Is(err, ingestion.ErrInvalidCommand):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, query.ErrNoDatabase):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, errcode.ErrSequenceGap):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, errcode.ErrSequenceOutOfOrder):
		return status.Error(codes.Aborted, err.Error())
	}

	kind, ok := errcode.KindOf(err)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	switch kind {
	case errcode.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case errcode.KindPolicy:
		return status.Error(codes.FailedPrecondition, err.Error())
	case errcode.KindState:
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
