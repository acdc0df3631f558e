package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"buildhooks/internal"
)

// jobTablePublisher inserts events as rows in a SQL job table, for sites
// whose workers poll a jobs table instead of a broker.
type jobTablePublisher struct {
	db  *sql.DB
	cfg internal.JobTableConfig
}

func newJobTablePublisher(cfg internal.JobTableConfig) (*jobTablePublisher, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	if cfg.DSN == "" {
		return nil, errors.New("job table dsn is required")
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &jobTablePublisher{db: db, cfg: cfg}, nil
}

func (p *jobTablePublisher) Publish(ctx context.Context, topic string, event internal.Event) error {
	args := event.RawPayload
	if len(args) == 0 {
		encoded, err := json.Marshal(event)
		if err != nil {
			return err
		}
		args = encoded
	}

	metadata, err := json.Marshal(map[string]interface{}{
		"event_type":    event.Type,
		"repository_id": event.RepositoryID,
		"topic":         topic,
	})
	if err != nil {
		return err
	}

	table := strings.TrimSpace(p.cfg.Table)
	if table == "" {
		table = "notification_job"
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (args, kind, max_attempts, metadata, priority, queue, scheduled_at, tags)
VALUES ($1, $2, $3, $4, $5, $6, now(), $7)`,
		table,
	)
	_, err = p.db.ExecContext(
		ctx,
		query,
		string(args),
		p.cfg.Kind,
		p.cfg.MaxAttempts,
		string(metadata),
		p.cfg.Priority,
		p.cfg.Queue,
		pq.Array(p.cfg.Tags),
	)
	return err
}

func (p *jobTablePublisher) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
