package storage

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/icssc/auth/internal/logger"
	"github.com/icssc/auth/internal/oauth"
)

// ClientSource loads the registered relying parties.
type ClientSource interface {
	LoadClients(ctx context.Context) ([]oauth.Client, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewClientSourceFromEnv picks the client registry source.
// If OAUTH_CLIENTS_FILE is set, clients come from that YAML file.
// Otherwise, if OAUTH_DATABASE_URL is set, from the oauth_clients table.
// Otherwise the built-in client table is used.
func NewClientSourceFromEnv(ctx context.Context) (ClientSource, error) {
	if path := os.Getenv("OAUTH_CLIENTS_FILE"); path != "" {
		logger.From(ctx).Info("loading clients from file", logger.Op("clients"))
		return NewFileClientSource(path), nil
	}
	if dsn := os.Getenv("OAUTH_DATABASE_URL"); dsn != "" {
		logger.From(ctx).Info("loading clients from database", logger.Op("clients"))
		return NewPostgresClientSource(ctx, dsn)
	}
	return Builtin{}, nil
}

// LoadRegistry reads every client from src and builds the registry.
func LoadRegistry(ctx context.Context, src ClientSource) (*oauth.ClientRegistry, error) {
	clients, err := src.LoadClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("load clients: %w", err)
	}
	reg, err := oauth.NewClientRegistry(clients)
	if err != nil {
		return nil, fmt.Errorf("build client registry: %w", err)
	}
	logger.From(ctx).Info("client registry ready", zap.Int("clients", len(clients)))
	return reg, nil
}
