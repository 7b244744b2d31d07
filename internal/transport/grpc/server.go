package grpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"actcredits/internal/model"
	"actcredits/internal/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server exposes consumption and balance reads to generation workers.
type Server struct {
	svc  service.LedgerService
	srv  *grpc.Server
	addr string
}

func NewServer(addr string, svc service.LedgerService) *Server {
	s := &Server{svc: svc, addr: addr, srv: grpc.NewServer(grpc.UnaryInterceptor(logUnary))}
	RegisterLedgerServer(s.srv, s)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	slog.Info("gRPC server listening", "addr", s.addr)
	return s.srv.Serve(lis)
}

func (s *Server) Stop(ctx context.Context) error {
	s.srv.GracefulStop()
	return nil
}

func (s *Server) Consume(ctx context.Context, req *ConsumeRequest) (*ConsumeResponse, error) {
	if req.AccountID == "" {
		return nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	res, err := s.svc.Debit(ctx, model.DebitRequest{
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Description: req.Description,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	out := &ConsumeResponse{
		Balances:             res.Balances,
		SubscriptionConsumed: res.SubscriptionConsumed,
		RechargeConsumed:     res.RechargeConsumed,
		Duplicate:            res.Duplicate,
	}
	if res.Entry != nil {
		out.EntryID = res.Entry.ID
	}
	return out, nil
}

func (s *Server) GetBalance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error) {
	if req.AccountID == "" {
		return nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	b, err := s.svc.GetBalance(ctx, req.AccountID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{AccountID: req.AccountID, Balances: b}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, model.ErrAccountNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, model.ErrInsufficientCredits):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, model.ErrInvalidAmount):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, model.ErrConcurrentUpdate):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, model.ErrReferenceConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, "internal error")
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		slog.Warn("grpc: call failed", "method", info.FullMethod, "code", status.Code(err).String(), "took", time.Since(start), "error", err)
	} else {
		slog.Debug("grpc: call", "method", info.FullMethod, "took", time.Since(start))
	}
	return resp, err
}
