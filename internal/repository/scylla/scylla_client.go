package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// identityColumns is the full column list of the identities table,
// shared by the insert and select statements so the two cannot drift.
const identityColumns = `bucket, identity_id, email, email_verified,
	phone_encrypted, phone_hash, temp_phone_encrypted, password_hash,
	report_opt_in, otp_code, otp_expires_at, otp_attempts, otp_purpose,
	created_at, updated_at, delete_requested_at, delete_scheduled_at`

// PreparedStatements holds the hot-path statements prepared once at
// startup. Conditional (LWT) and batch statements are built per call.
type PreparedStatements struct {
	CreateIdentity      *gocql.Query
	GetIdentity         *gocql.Query
	GetIdentityByPhone  *gocql.Query
	SetChallenge        *gocql.Query
	ListLinkedProviders *gocql.Query
	SelectDueForDate    *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
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
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/root/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/root/certs/server.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/root/certs/server.key"),
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

	prepared.CreateIdentity = s.Session.Query(fmt.Sprintf(`
		INSERT INTO identities (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, identityColumns))

	prepared.GetIdentity = s.Session.Query(fmt.Sprintf(`
		SELECT %s FROM identities WHERE bucket = ? AND identity_id = ?`, identityColumns))

	prepared.GetIdentityByPhone = s.Session.Query(`
		SELECT bucket, identity_id FROM phone_to_identity WHERE phone_hash = ?`)

	prepared.SetChallenge = s.Session.Query(`
		UPDATE identities
		SET otp_code = ?, otp_expires_at = ?, otp_attempts = 0,
			otp_purpose = ?, temp_phone_encrypted = ?, updated_at = ?
		WHERE bucket = ? AND identity_id = ?`)

	prepared.ListLinkedProviders = s.Session.Query(`
		SELECT identity_id, provider, subject, linked_at
		FROM linked_providers WHERE identity_id = ?`)

	prepared.SelectDueForDate = s.Session.Query(`
		SELECT identity_id, scheduled_at FROM deletion_schedule
		WHERE schedule_date = ?`)

	s.Prepared = prepared
	s.isPrepared = true

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

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).
		WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	return nil
}
