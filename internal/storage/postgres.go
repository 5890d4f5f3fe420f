package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/icssc/auth/internal/logger"
	"github.com/icssc/auth/internal/oauth"
)

// PostgresClientSource reads clients from the oauth_clients table.
type PostgresClientSource struct {
	db *sql.DB
}

// NewPostgresClientSource connects, pings and ensures the schema exists.
func NewPostgresClientSource(ctx context.Context, connectionString string) (*PostgresClientSource, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	// Lookups happen at startup and from the CLI only.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	logger.From(ctx).Info("connected to postgres", logger.Op("clients"))

	return NewPostgresClientSourceWithDB(ctx, db)
}

// NewPostgresClientSourceWithDB wraps an existing handle.
func NewPostgresClientSourceWithDB(ctx context.Context, db *sql.DB) (*PostgresClientSource, error) {
	s := &PostgresClientSource{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresClientSource) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id VARCHAR(255) PRIMARY KEY,
		client_secret TEXT,
		redirect_uri VARCHAR(2048) NOT NULL,
		token_endpoint_auth_method VARCHAR(64) NOT NULL DEFAULT 'none',
		name VARCHAR(255) NOT NULL DEFAULT '',
		allowed_domain_patterns TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// LoadClients returns every row ordered by client id.
func (s *PostgresClientSource) LoadClients(ctx context.Context) ([]oauth.Client, error) {
	query := `
		SELECT client_id, client_secret, redirect_uri, token_endpoint_auth_method, name, allowed_domain_patterns
		FROM oauth_clients
		ORDER BY client_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []oauth.Client
	for rows.Next() {
		var (
			c      oauth.Client
			secret sql.NullString
			method string
		)
		if err := rows.Scan(
			&c.ClientID,
			&secret,
			&c.RedirectURI,
			&method,
			&c.Name,
			pq.Array(&c.AllowedDomainPatterns),
		); err != nil {
			return nil, err
		}
		c.ClientSecret = secret.String
		c.AuthMethod = oauth.AuthMethod(method)
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// UpsertClient inserts or replaces a client row.
func (s *PostgresClientSource) UpsertClient(ctx context.Context, c oauth.Client) error {
	query := `
		INSERT INTO oauth_clients
			(client_id, client_secret, redirect_uri, token_endpoint_auth_method, name, allowed_domain_patterns, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (client_id)
		DO UPDATE SET
			client_secret = EXCLUDED.client_secret,
			redirect_uri = EXCLUDED.redirect_uri,
			token_endpoint_auth_method = EXCLUDED.token_endpoint_auth_method,
			name = EXCLUDED.name,
			allowed_domain_patterns = EXCLUDED.allowed_domain_patterns,
			updated_at = NOW()
	`
	method := c.AuthMethod
	if method == "" {
		method = oauth.AuthMethodNone
	}
	patterns := c.AllowedDomainPatterns
	if patterns == nil {
		patterns = []string{}
	}
	secret := sql.NullString{String: c.ClientSecret, Valid: c.ClientSecret != ""}

	_, err := s.db.ExecContext(ctx, query,
		c.ClientID,
		secret,
		c.RedirectURI,
		string(method),
		c.Name,
		pq.Array(patterns),
	)
	return err
}

// DeleteClient removes a client. Deleting an unknown id is not an error.
func (s *PostgresClientSource) DeleteClient(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_clients WHERE client_id = $1`, clientID)
	return err
}

// Ping tests the database connection
func (s *PostgresClientSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresClientSource) Close() error {
	return s.db.Close()
}
