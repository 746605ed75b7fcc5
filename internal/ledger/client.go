package ledger

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/deposit-reconciler/internal/domain/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	ServiceName               = "ledger.v1.LedgerService"
	createDepositCreditMethod = "/" + ServiceName + "/CreateDepositCredit"
)

// CreateDepositCreditResponse is the ledger reply. Created is false when a
// credit with the same unique id already exists.
type CreateDepositCreditResponse struct {
	Created bool `json:"created"`
}

type Config struct {
	Addr      string
	Timeout   time.Duration
	Insecure  bool
	AuthToken string
}

// Client calls the ledger service over gRPC. It is safe for concurrent use.
type Client struct {
	conn      *grpc.ClientConn
	timeout   time.Duration
	authToken string
	logger    *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect ledger: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		conn:      conn,
		timeout:   timeout,
		authToken: cfg.AuthToken,
		logger:    logger.With("component", "ledger_client", "addr", cfg.Addr),
	}, nil
}

// CreateDepositCredit issues one credit mutation. gRPC status errors are
// returned wrapped so callers can inspect the code.
func (c *Client) CreateDepositCredit(ctx context.Context, req model.CreditRequest) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.authToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.authToken)
	}

	var resp CreateDepositCreditResponse
	if err := c.conn.Invoke(ctx, createDepositCreditMethod, &req, &resp); err != nil {
		return false, fmt.Errorf("ledger create deposit credit: %w", err)
	}
	return resp.Created, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
