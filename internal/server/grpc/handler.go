package grpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/server/jobs"
	"github.com/dmitrijs2005/mailvault/internal/syncapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// mapError turns service errors into gRPC statuses. Unexpected errors are
// logged and reported without detail.
func (s *GRPCServer) mapError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, syncapi.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, common.ErrorUnauthorized), errors.Is(err, common.ErrAuthentication):
		return status.Error(codes.Unauthenticated, "unauthorized")
	case errors.Is(err, common.ErrorNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, common.ErrJobInFlight):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, common.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, common.ErrPermanentConfiguration):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		s.logger.Error(ctx, "request failed", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}

func (s *GRPCServer) Login(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	in, err := syncapi.ParseLoginRequest(req)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}

	secret := []byte(in.Secret)
	defer common.WipeByteArray(secret)

	userID, token, err := s.vault.Login(ctx, in.Username, secret)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}

	s.logger.Info(ctx, "Logged in", "user_id", userID)
	return wrapperspb.String(token), nil
}

func (s *GRPCServer) Enqueue(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	userID, err := userIDFromContext(ctx)
	if err != nil {
		return nil, err
	}
	in, err := syncapi.ParseEnqueueRequest(req)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}

	if _, err := s.accounts.GetAccount(ctx, userID, in.AccountID); err != nil {
		return nil, s.mapError(ctx, err)
	}

	secret := []byte(in.Secret)
	defer common.WipeByteArray(secret)
	keys, err := s.vault.Unlock(ctx, userID, secret)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}

	id, err := s.jobs.Enqueue(ctx, jobs.Request{
		AccountID:   in.AccountID,
		UserID:      userID,
		Folders:     in.Folders,
		MaxMessages: in.MaxMessages,
	}, keys)
	if err != nil {
		keys.Wipe()
		return nil, s.mapError(ctx, err)
	}

	s.logger.Info(ctx, "Sync job queued", "job_id", id, "account_id", in.AccountID)
	return wrapperspb.String(id), nil
}

// ownedJob returns the job's record if it belongs to an account of the
// caller. Other users' jobs are reported as not found.
func (s *GRPCServer) ownedJob(ctx context.Context, id string) (jobs.Record, error) {
	userID, err := userIDFromContext(ctx)
	if err != nil {
		return jobs.Record{}, err
	}
	if id == "" {
		return jobs.Record{}, status.Error(codes.InvalidArgument, "job id is required")
	}

	rec, err := s.jobs.Status(ctx, id)
	if err != nil {
		return jobs.Record{}, s.mapError(ctx, err)
	}
	if _, err := s.accounts.GetAccount(ctx, userID, rec.AccountID); err != nil {
		return jobs.Record{}, s.mapError(ctx, err)
	}
	return rec, nil
}

func (s *GRPCServer) Status(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	rec, err := s.ownedJob(ctx, req.GetValue())
	if err != nil {
		return nil, err
	}
	out, err := syncapi.ToStruct(rec)
	if err != nil {
		return nil, s.mapError(ctx, err)
	}
	return out, nil
}

func (s *GRPCServer) Cancel(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if _, err := s.ownedJob(ctx, req.GetValue()); err != nil {
		return nil, err
	}
	ok := s.jobs.Cancel(req.GetValue())
	s.logger.Info(ctx, "Sync job cancel", "job_id", req.GetValue(), "cancelled", ok)
	return wrapperspb.Bool(ok), nil
}
