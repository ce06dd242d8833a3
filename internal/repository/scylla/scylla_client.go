package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-auth/internal/config"
	"otp-auth/internal/util"
)

// Statements used by the repositories. gocql prepares and caches them per
// connection on first use.
const (
	stmtGetPhoneToUser = `SELECT user_bucket, user_id FROM phone_to_user WHERE phone_hash = ?`

	stmtCreatePhoneToUser = `INSERT INTO phone_to_user (phone_hash, user_bucket, user_id, created_at)
        VALUES (?, ?, ?, ?) IF NOT EXISTS`

	stmtCreateUser = `INSERT INTO users (
        user_bucket, user_id, phone_hash, phone_encrypted, phone_key_id,
        is_verified, created_at, last_login
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	stmtUpdateLastLogin = `UPDATE users SET last_login = ?, is_verified = true
        WHERE user_bucket = ? AND user_id = ?`

	stmtInsertAuthEvent = `INSERT INTO auth_events (
        event_date, event_bucket, event_time, request_id, action, outcome,
        phone_hash, session_id, flow, from_state, to_state, attempt, reason,
        user_id, client_ip, user_agent, latency_ms
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS phone_to_user (
        phone_hash text PRIMARY KEY,
        user_bucket int,
        user_id text,
        created_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS users (
        user_bucket int,
        user_id text,
        phone_hash text,
        phone_encrypted text,
        phone_key_id text,
        is_verified boolean,
        created_at timestamp,
        last_login timestamp,
        PRIMARY KEY ((user_bucket), user_id)
    )`,
	`CREATE TABLE IF NOT EXISTS auth_events (
        event_date text,
        event_bucket int,
        event_time timestamp,
        request_id text,
        action text,
        outcome text,
        phone_hash text,
        session_id text,
        flow text,
        from_state text,
        to_state text,
        attempt int,
        reason text,
        user_id text,
        client_ip text,
        user_agent text,
        latency_ms bigint,
        PRIMARY KEY ((event_date, event_bucket), event_time, request_id, action)
    ) WITH CLUSTERING ORDER BY (event_time ASC, request_id ASC, action ASC)`,
}

type ScyllaClient struct {
	Session *gocql.Session
	config  config.ScyllaConfig
}

func NewScyllaClient(cfg config.ScyllaConfig) (*ScyllaClient, error) {
	cluster := gocql.NewCluster(cfg.Nodes...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if cfg.TLS {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_TLS_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_TLS_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                util.GetEnv("SCYLLA_TLS_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{Session: session, config: cfg}
	if err := client.ensureSchema(); err != nil {
		session.Close()
		return nil, err
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", cfg.Nodes),
		zap.String("keyspace", cfg.Keyspace))

	return client, nil
}

func (s *ScyllaClient) ensureSchema() error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("failed to apply scylla schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}

// ExecuteWithRetry runs query, retrying with linear backoff until ctx ends.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.WithContext(ctx).Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
				}
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
