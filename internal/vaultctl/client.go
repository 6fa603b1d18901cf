package vaultctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/syncapi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrBusy         = errors.New("a sync is already running for this account")
	ErrUnavailable  = errors.New("server unavailable")
)

// GRPCClient talks to the SyncService as one user. It logs in lazily and
// logs in again when the server reports an expired token.
type GRPCClient struct {
	conn        *grpc.ClientConn
	client      syncapi.SyncServiceClient
	username    string
	secret      []byte
	accessToken string
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(common.AccessTokenHeaderName)
	md.Set(common.AccessTokenHeaderName, token)

	return metadata.NewOutgoingContext(ctx, md)
}

func (c *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	if method == syncapi.LoginFullMethodName {
		return invoker(ctx, method, req, reply, cc, opts...)
	}

	if c.accessToken == "" {
		if err := c.login(ctx); err != nil {
			return err
		}
	}

	err := invoker(withAccessToken(ctx, c.accessToken), method, req, reply, cc, opts...)
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unauthenticated || st.Message() != common.ErrTokenExpired.Error() {
		return err
	}

	if err := c.login(ctx); err != nil {
		return err
	}
	return invoker(withAccessToken(ctx, c.accessToken), method, req, reply, cc, opts...)
}

// NewGRPCClient dials endpoint without connecting. secret is kept for
// re-login and wiped by Close.
func NewGRPCClient(endpoint, username string, secret []byte) (*GRPCClient, error) {
	c := &GRPCClient{username: username, secret: append([]byte(nil), secret...)}

	conn, err := grpc.NewClient(dialTarget(endpoint),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor))
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.client = syncapi.NewSyncServiceClient(conn)
	return c, nil
}

// dialTarget turns a listen address such as ":50051" into something dialable.
func dialTarget(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func (c *GRPCClient) Close() error {
	common.WipeByteArray(c.secret)
	return c.conn.Close()
}

func (c *GRPCClient) login(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 12*time.Second)
	defer cancel()

	req, err := syncapi.ToStruct(syncapi.LoginRequest{Username: c.username, Secret: string(c.secret)})
	if err != nil {
		return err
	}
	resp, err := c.client.Login(ctx, req)
	if err != nil {
		return c.mapError(err)
	}
	c.accessToken = resp.GetValue()
	return nil
}

// Enqueue starts a sync job and returns its id.
func (c *GRPCClient) Enqueue(ctx context.Context, accountID string, folders []string, maxMessages int) (string, error) {
	req, err := syncapi.ToStruct(syncapi.EnqueueRequest{
		AccountID:   accountID,
		Folders:     folders,
		MaxMessages: maxMessages,
		Secret:      string(c.secret),
	})
	if err != nil {
		return "", err
	}
	resp, err := c.client.Enqueue(ctx, req)
	if err != nil {
		return "", c.mapError(err)
	}
	return resp.GetValue(), nil
}

func (c *GRPCClient) Status(ctx context.Context, jobID string) (syncapi.JobStatus, error) {
	resp, err := c.client.Status(ctx, wrapperspb.String(jobID))
	if err != nil {
		return syncapi.JobStatus{}, c.mapError(err)
	}
	var st syncapi.JobStatus
	if err := syncapi.FromStruct(resp, &st); err != nil {
		return syncapi.JobStatus{}, err
	}
	return st, nil
}

func (c *GRPCClient) Cancel(ctx context.Context, jobID string) (bool, error) {
	resp, err := c.client.Cancel(ctx, wrapperspb.String(jobID))
	if err != nil {
		return false, c.mapError(err)
	}
	return resp.GetValue(), nil
}

func (c *GRPCClient) mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return ErrUnauthorized
	case codes.NotFound:
		return ErrNotFound
	case codes.AlreadyExists:
		return ErrBusy
	case codes.Unavailable:
		return ErrUnavailable
	}
	return fmt.Errorf("%s: %s", st.Code(), st.Message())
}
