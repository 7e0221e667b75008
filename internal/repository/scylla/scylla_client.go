package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"session-service/internal/config"
	"session-service/internal/util"
)

// PreparedStatements holds the statements used by the repositories. Session
// rows live in a partition per (user_bucket, user_id) with two lookup tables
// so a session can be found by id or by token hash alone.
type PreparedStatements struct {
	CreateSession        *gocql.Query
	CreateSessionByID    *gocql.Query
	CreateSessionByToken *gocql.Query
	GetSession           *gocql.Query
	GetSessionRefByID    *gocql.Query
	GetSessionRefByToken *gocql.Query
	ListUserSessions     *gocql.Query
	UpdateLastActivity   *gocql.Query

	CreateLoginAttempt  *gocql.Query
	CountRecentByStatus *gocql.Query
	ListRecentAttempts  *gocql.Query

	GetMFASettings    *gocql.Query
	UpsertMFASettings *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	prepared.CreateSession = s.Session.Query(`
        INSERT INTO sessions (
            user_bucket, user_id, id, session_token, token_key_id, user_agent,
            status, is_current, last_activity, expires_at, created_at,
            terminated_at, terminated_reason
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CreateSessionByID = s.Session.Query(`
        INSERT INTO sessions_by_id (id, user_bucket, user_id)
        VALUES (?, ?, ?)`)

	prepared.CreateSessionByToken = s.Session.Query(`
        INSERT INTO sessions_by_token (token_hash, user_bucket, user_id, id)
        VALUES (?, ?, ?, ?)`)

	prepared.GetSession = s.Session.Query(`
        SELECT user_bucket, user_id, id, session_token, token_key_id, user_agent,
            status, is_current, last_activity, expires_at, created_at,
            terminated_at, terminated_reason
        FROM sessions WHERE user_bucket = ? AND user_id = ? AND id = ?`)

	prepared.GetSessionRefByID = s.Session.Query(`
        SELECT user_bucket, user_id FROM sessions_by_id WHERE id = ?`)

	prepared.GetSessionRefByToken = s.Session.Query(`
        SELECT user_bucket, user_id, id FROM sessions_by_token WHERE token_hash = ?`)

	prepared.ListUserSessions = s.Session.Query(`
        SELECT user_bucket, user_id, id, session_token, token_key_id, user_agent,
            status, is_current, last_activity, expires_at, created_at,
            terminated_at, terminated_reason
        FROM sessions WHERE user_bucket = ? AND user_id = ?`)

	prepared.UpdateLastActivity = s.Session.Query(`
        UPDATE sessions SET last_activity = ?
        WHERE user_bucket = ? AND user_id = ? AND id = ?`)

	prepared.CreateLoginAttempt = s.Session.Query(`
        INSERT INTO login_attempts (
            email, attempted_at, id, user_id, status, ip_address, user_agent,
            failure_reason, location_country, location_city, is_suspicious
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.CountRecentByStatus = s.Session.Query(`
        SELECT COUNT(*) FROM login_attempts
        WHERE email = ? AND attempted_at >= ? AND status = ? ALLOW FILTERING`)

	prepared.ListRecentAttempts = s.Session.Query(`
        SELECT email, attempted_at, id, user_id, status, ip_address, user_agent,
            failure_reason, location_country, location_city, is_suspicious
        FROM login_attempts WHERE email = ? LIMIT ?`)

	prepared.GetMFASettings = s.Session.Query(`
        SELECT user_bucket, user_id, id, is_enabled, backup_codes, used_codes,
            recovery_codes_used, last_used_at
        FROM user_mfa_settings WHERE user_bucket = ? AND user_id = ?`)

	prepared.UpsertMFASettings = s.Session.Query(`
        INSERT INTO user_mfa_settings (
            user_bucket, user_id, id, is_enabled, backup_codes, used_codes,
            recovery_codes_used, last_used_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if err == gocql.ErrNotFound {
				return err
			}
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
