package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Service wraps the pool for the health endpoint and shutdown.
type Service interface {
	Health(ctx context.Context) map[string]string
	DB() *sql.DB
	Close() error
}

type service struct {
	db *sql.DB
}

// NewPostgres opens a pgx-backed pool and verifies it with a ping.
func NewPostgres(ctx context.Context, connStr string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func New(db *sql.DB) Service {
	return &service{db: db}
}

func (s *service) DB() *sql.DB {
	return s.db
}

// Health pings the pool and reports its counters. "status" is "up" or "down".
func (s *service) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return map[string]string{"status": "down", "error": err.Error()}
	}

	st := s.db.Stats()
	return map[string]string{
		"status":           "up",
		"open_connections": strconv.Itoa(st.OpenConnections),
		"in_use":           strconv.Itoa(st.InUse),
		"idle":             strconv.Itoa(st.Idle),
		"wait_count":       strconv.FormatInt(st.WaitCount, 10),
		"wait_duration":    st.WaitDuration.String(),
	}
}

func (s *service) Close() error {
	return s.db.Close()
}
