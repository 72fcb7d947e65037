// Package cassandra implements vaultkv.DataStore and vaultkv.ShardStore on
// top of a Cassandra cluster, giving vaultkv its durable, versioned record
// store and shard blob store.
package cassandra

import (
	"fmt"
	"sync"
	"time"

	log "log/slog"

	"github.com/gocql/gocql"
)

// Config contains configuration for connecting to a Cassandra cluster and
// the keyspace vaultkv's tables live in.
type Config struct {
	// ClusterHosts lists contact points for the Cassandra cluster.
	ClusterHosts []string
	// Keyspace is the keyspace used for vaultkv's tables.
	Keyspace string
	// Consistency is the default consistency level for queries.
	Consistency gocql.Consistency
	// ConnectionTimeout is the session connection timeout.
	ConnectionTimeout time.Duration
	// Authenticator is used when the cluster requires authentication.
	Authenticator gocql.Authenticator
	// ReplicationClause defines the keyspace replication (e.g., SimpleStrategy).
	ReplicationClause string

	// ConsistencyBook allows overriding per-API consistency levels.
	ConsistencyBook ConsistencyBook
}

// ConsistencyBook enumerates per-API consistency levels used by this package.
type ConsistencyBook struct {
	RecordGet    gocql.Consistency
	RecordSet    gocql.Consistency
	RecordUpdate gocql.Consistency
	RecordRemove gocql.Consistency
	ShardGet     gocql.Consistency
	ShardPut     gocql.Consistency
	ShardRemove  gocql.Consistency
}

// Connection wraps a Cassandra session and its configuration.
type Connection struct {
	Session *gocql.Session
	Config
}

var session *gocql.Session
var config Config
var refCount int
var mux sync.Mutex

// IsConnectionInstantiated reports whether a global Connection has been created.
func IsConnectionInstantiated() bool {
	return session != nil
}

// OpenConnection returns the existing global Connection or opens a new one using the provided config.
func OpenConnection(cfg Config) (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()

	if session == nil {
		log.Info("Opening Cassandra connection", "hosts", cfg.ClusterHosts, "keyspace", cfg.Keyspace)
		if cfg.Keyspace == "" {
			cfg.Keyspace = "vaultkv"
		}
		if cfg.Consistency == gocql.Any {
			// Defaults to LocalQuorum consistency. You should set it to an appropriate level.
			cfg.Consistency = gocql.LocalQuorum
		}
		cluster := gocql.NewCluster(cfg.ClusterHosts...)
		cluster.Consistency = cfg.Consistency
		if cfg.ReplicationClause == "" {
			cfg.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
		}
		if cfg.ConnectionTimeout > 0 {
			cluster.ConnectTimeout = cfg.ConnectionTimeout
		}
		if cfg.Authenticator != nil {
			cluster.Authenticator = cfg.Authenticator
			cfg.Authenticator = nil
		}
		s, err := cluster.CreateSession()
		if err != nil {
			return nil, fmt.Errorf("failed to create cassandra session: %w", err)
		}
		session = s
		config = cfg
	}

	if err := initKeyspace(session, cfg); err != nil {
		return nil, err
	}

	refCount++
	return &Connection{
		Session: session,
		Config:  cfg,
	}, nil
}

// GetGlobalConnection returns the global connection using the global configuration.
func GetGlobalConnection() (*Connection, error) {
	mux.Lock()
	defer mux.Unlock()

	if session == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	return &Connection{
		Session: session,
		Config:  config,
	}, nil
}

func initKeyspace(s *gocql.Session, config Config) error {
	if err := s.Query(fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", config.Keyspace, config.ReplicationClause)).Exec(); err != nil {
		return fmt.Errorf("failed to create keyspace %s: %w", config.Keyspace, err)
	}
	// records holds the current value of every key: one row per key, CAS'd
	// via lightweight transactions on the version column (SPEC_FULL.md 6).
	if err := s.Query(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.records (
		key text PRIMARY KEY,
		data blob,
		file_ref blob,
		applied_migrations list<text>,
		pending_tx uuid,
		orphans list<text>,
		user_ids list<bigint>,
		version text
	);`, config.Keyspace)).Exec(); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	// record_versions is the append-only history ListVersions/GetVersion
	// read from, one row per committed version, newest first by clustering
	// order on the timeuuid version column.
	if err := s.Query(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.record_versions (
		key text,
		version timeuuid,
		data blob,
		file_ref blob,
		applied_migrations list<text>,
		orphans list<text>,
		user_ids list<bigint>,
		PRIMARY KEY (key, version)
	) WITH CLUSTERING ORDER BY (version DESC);`, config.Keyspace)).Exec(); err != nil {
		return fmt.Errorf("failed to create record_versions table: %w", err)
	}
	// shards holds individual shard blobs addressed by "<fileId>-<index>".
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.shards (key text PRIMARY KEY, data blob);", config.Keyspace)).Exec(); err != nil {
		return fmt.Errorf("failed to create shards table: %w", err)
	}
	return nil
}

// CloseConnection closes and clears the global connection, if it exists.
func CloseConnection() {
	mux.Lock()
	defer mux.Unlock()
	if session != nil {
		log.Info("Closing Cassandra connection")
		session.Close()
		session = nil
		refCount = 0
	}
}

// Close closes the connection.
func (c *Connection) Close() {
	mux.Lock()
	defer mux.Unlock()
	refCount--
	if refCount <= 0 && session != nil {
		log.Info("Closing Cassandra connection")
		session.Close()
		session = nil
		refCount = 0
	}
}
