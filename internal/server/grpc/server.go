// Package grpc serves the sync API: login, enqueue a sync job, poll its
// status and cancel it. Every method except Login needs a bearer token.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/mailvault/internal/cryptox"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/server/jobs"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
	"github.com/dmitrijs2005/mailvault/internal/syncapi"
	"google.golang.org/grpc"
)

type vaultService interface {
	Login(ctx context.Context, username string, secret []byte) (string, string, error)
	Unlock(ctx context.Context, userID string, secret []byte) (*cryptox.FieldCipher, error)
}

type accountService interface {
	GetAccount(ctx context.Context, userID, accountID string) (*models.MailAccount, error)
}

type jobService interface {
	Enqueue(ctx context.Context, req jobs.Request, keys *cryptox.FieldCipher) (string, error)
	Status(ctx context.Context, id string) (jobs.Record, error)
	Cancel(id string) bool
}

type GRPCServer struct {
	syncapi.UnimplementedSyncServiceServer
	address   string
	vault     vaultService
	accounts  accountService
	jobs      jobService
	logger    logging.Logger
	jwtSecret []byte
}

func NewGRPCServer(a string, l logging.Logger, vs vaultService, as accountService, js jobService, secretKey string) (*GRPCServer, error) {
	return &GRPCServer{
		address:   a,
		logger:    l.With("module", "grpc_server"),
		vault:     vs,
		accounts:  as,
		jobs:      js,
		jwtSecret: []byte(secretKey),
	}, nil
}

func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.accessTokenInterceptor))
	syncapi.RegisterSyncServiceServer(srv, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on listen until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, listen net.Listener) error {
	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", listen.Addr().String())

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
