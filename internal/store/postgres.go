package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// categoryTables maps each category to the table its producer writes to
var categoryTables = map[model.Category]string{
	model.CategoryAlert:   "security_alerts",
	model.CategoryThreat:  "security_threats",
	model.CategoryAnomaly: "security_anomalies",
}

// Postgres wraps the database handle shared by the event source and finding sink
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgres connects to the database at dsn and verifies the connection
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewPostgres(db, logger), nil
}

// NewPostgres wraps an existing handle
func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping reports database reachability
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// FetchRecentEvents implements EventSource
func (p *Postgres) FetchRecentEvents(ctx context.Context, tenantID string, category model.Category, since time.Time) ([]model.SecurityEvent, error) {
	table, ok := categoryTables[category]
	if !ok {
		return nil, fmt.Errorf("unknown category %q", category)
	}

	query := fmt.Sprintf(`
		SELECT id, event_type, severity, source_system, occurred_at, metadata
		FROM %s
		WHERE tenant_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC, id ASC
	`, pq.QuoteIdentifier(table))

	rows, err := p.db.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var events []model.SecurityEvent
	for rows.Next() {
		ev := model.SecurityEvent{TenantID: tenantID, Category: category}
		var severity string
		var metadata []byte

		if err := rows.Scan(&ev.ID, &ev.EventType, &severity, &ev.SourceSystem, &ev.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Severity = model.Severity(severity)

		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				p.logger.Warn("Discarding unreadable event metadata", "event_id", ev.ID, "error", err)
			}
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return events, nil
}

// PersistFinding inserts a correlated finding. Re-inserting the same id is a
// no-op so retries are safe.
func (p *Postgres) PersistFinding(ctx context.Context, f *model.Finding) (string, error) {
	query := `
		INSERT INTO correlated_findings
			(id, tenant_id, rule_id, title, description, severity, score, status,
			 trigger_event_id, event_ids, systems_involved, first_seen, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := p.db.ExecContext(ctx, query,
		f.ID, f.TenantID, f.RuleID, f.Title, f.Description, string(f.Severity), f.Score, f.Status,
		f.TriggerEventID, pq.Array(f.EventIDs), pq.Array(f.SystemsInvolved),
		f.FirstSeen, f.LastSeen, f.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert finding %s: %w", f.ID, err)
	}
	return f.ID, nil
}
