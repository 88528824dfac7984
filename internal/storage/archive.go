package storage

import (
	"context"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/solwatch/watchtower/internal/alerts"
	"github.com/solwatch/watchtower/internal/metrics"
)

// Archive journals alert lifecycle records to SQLite off the hot
// path. Record never blocks: a full queue drops the record and
// increments a counter. Durability is best effort; ingress never
// waits on it.
type Archive struct {
	db        *sqlx.DB
	queue     chan record
	collector *metrics.Collector
	logger    *logrus.Logger
	done      chan struct{}
}

type record struct {
	alert      *alerts.Alert
	transition string
}

// Open initializes the database, runs migrations, and starts the
// writer.
func Open(path, migrationsPath string, queueSize int, collector *metrics.Collector, logger *logrus.Logger) (*Archive, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db, migrationsPath); err != nil {
		db.Close()
		return nil, err
	}

	if queueSize <= 0 {
		queueSize = 1024
	}

	a := &Archive{
		db:        db,
		queue:     make(chan record, queueSize),
		collector: collector,
		logger:    logger,
		done:      make(chan struct{}),
	}
	go a.writer()

	logger.WithField("path", path).Info("Alert archive opened")
	return a, nil
}

func runMigrations(db *sqlx.DB, migrationsPath string) error {
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Record enqueues a journal entry. Never blocks; overflow drops the
// record.
func (a *Archive) Record(alert *alerts.Alert, transition string) {
	select {
	case a.queue <- record{alert: alert, transition: transition}:
	default:
		a.collector.RecordArchiveDrop()
	}
}

func (a *Archive) writer() {
	defer close(a.done)

	const insert = `
		INSERT INTO alert_journal
			(alert_id, rule_name, program_id, program_name, severity, status, transition, message, occurrence_count, alert_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for r := range a.queue {
		_, err := a.db.Exec(insert,
			r.alert.ID,
			r.alert.RuleName,
			r.alert.ProgramID,
			r.alert.ProgramName,
			r.alert.Severity.String(),
			string(r.alert.Status),
			r.transition,
			r.alert.Message,
			r.alert.OccurrenceCount,
			r.alert.Timestamp,
		)
		if err != nil {
			a.logger.WithError(err).Warn("Failed to journal alert")
		}
	}
}

// Close flushes pending records and closes the database.
func (a *Archive) Close(ctx context.Context) error {
	close(a.queue)
	select {
	case <-a.done:
	case <-ctx.Done():
	}
	return a.db.Close()
}

// RecentCount reports journal rows for the status surface.
func (a *Archive) RecentCount(ctx context.Context) (int64, error) {
	var n int64
	err := a.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM alert_journal`)
	return n, err
}
