// Package snowflake mirrors finalized resolution run records into the
// analytics warehouse so match-rate dashboards can trend them alongside
// the rest of the data lake. Mirroring is best-effort: a failure here is
// logged by the caller and never fails a run.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/snowflakedb/gosnowflake" // Snowflake driver

	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/config"
	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/resolution"
)

// Client provides access to the Snowflake analytics database.
type Client struct {
	cfg config.SnowflakeConfig
	db  *sql.DB
}

var _ resolution.RunSink = (*Client)(nil)

// NewClient creates a new Snowflake client.
func NewClient(cfg config.SnowflakeConfig) (*Client, error) {
	// DSN format: user:password@account/database/schema?warehouse=xxx
	dsn := fmt.Sprintf("%s:%s@%s/%s/%s",
		cfg.User,
		cfg.Password,
		cfg.Account,
		cfg.Database,
		cfg.Schema,
	)
	if cfg.Warehouse != "" {
		dsn += "?warehouse=" + cfg.Warehouse
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snowflake connection: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Client{cfg: cfg, db: db}, nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping tests the database connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// RecordRun MERGEs one finalized run record into RESOLUTION_RUNS, keyed
// by run id so re-mirroring the same run is idempotent. Implements
// resolution.RunSink.
func (c *Client) RecordRun(ctx context.Context, rec resolution.RunRecord) error {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := c.db.ExecContext(queryCtx, `
		MERGE INTO RESOLUTION_RUNS t
		USING (SELECT ? AS RUN_ID) s
		ON t.RUN_ID = s.RUN_ID
		WHEN MATCHED THEN UPDATE SET
			STATUS = ?, PROCESSED = ?, MATCHED_MANUAL = ?, MATCHED_EXACT = ?,
			MATCHED_FUZZY = ?, UNMATCHED = ?, FAILED = ?, FINISHED_AT = ?
		WHEN NOT MATCHED THEN INSERT
			(RUN_ID, ENTITY_TYPE, MODE, STATUS, PROCESSED, MATCHED_MANUAL,
			 MATCHED_EXACT, MATCHED_FUZZY, UNMATCHED, FAILED, STARTED_AT, FINISHED_AT)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID.String(),
		string(rec.Status), rec.Processed, rec.MatchedManual, rec.MatchedExact,
		rec.MatchedFuzzy, rec.Unmatched, rec.Failed, rec.FinishedAt,
		rec.ID.String(), rec.EntityType, string(rec.Mode), string(rec.Status),
		rec.Processed, rec.MatchedManual, rec.MatchedExact, rec.MatchedFuzzy,
		rec.Unmatched, rec.Failed, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("mirror run record: %w", err)
	}
	return nil
}
