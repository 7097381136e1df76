package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Store persists supervisor and task state in Postgres. Writes go through DB;
// reads that tolerate replication lag go through ReadDB.
type Store struct {
	DB     *sql.DB
	ReadDB *sql.DB
}

var (
	metricsOnce  sync.Once
	writeCounter otelmetric.Int64Counter
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	writeCounter, err = meter.Int64Counter("store_writes_total",
		otelmetric.WithDescription("Rows written per table"))
	if err != nil {
		writeCounter = nil
	}
}

func recordWrite(ctx context.Context, table string) {
	metricsOnce.Do(initStoreMetrics)
	if writeCounter == nil {
		return
	}
	writeCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("table", table)))
}

// New builds a Store from DATABASE_URL or the POSTGRES_* variables.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn, "")
}

// NewWithDSN constructs the Store using explicit Postgres DSNs. An empty
// readDSN shares the write pool.
func NewWithDSN(ctx context.Context, writeDSN, readDSN string) (*Store, error) {
	writeDB, err := open(ctx, writeDSN)
	if err != nil {
		return nil, fmt.Errorf("open write pool: %w", err)
	}
	s := &Store{DB: writeDB, ReadDB: writeDB}
	if readDSN != "" && readDSN != writeDSN {
		readDB, err := open(ctx, readDSN)
		if err != nil {
			_ = writeDB.Close()
			return nil, fmt.Errorf("open read pool: %w", err)
		}
		s.ReadDB = readDB
	}
	return s, nil
}

func open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Close releases both pools.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	err := s.DB.Close()
	if s.ReadDB != nil && s.ReadDB != s.DB {
		if e := s.ReadDB.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (s *Store) reader() *sql.DB {
	if s.ReadDB != nil {
		return s.ReadDB
	}
	return s.DB
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
