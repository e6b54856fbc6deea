package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/wirebot/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

// --- Operators ---

const operatorColumns = `id, handle, role, state, max_clients, rate_limit, rate_window_seconds,
	perm_manage_clients, perm_view_stats, perm_backup, created_at, updated_at`

func scanOperator(row pgx.Row) (*models.Operator, error) {
	var op models.Operator
	var windowSecs int64
	err := row.Scan(&op.ID, &op.Handle, &op.Role, &op.State,
		&op.Limits.MaxClients, &op.Limits.RateLimit, &windowSecs,
		&op.Permissions.ManageClients, &op.Permissions.ViewStats, &op.Permissions.Backup,
		&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	op.Limits.RateWindow = time.Duration(windowSecs) * time.Second
	return &op, nil
}

func (p *PostgresBackend) GetOperator(ctx context.Context, id int64) (*models.Operator, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id = $1`, id)
	op, err := scanOperator(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("operator %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return op, nil
}

func (p *PostgresBackend) PutOperator(ctx context.Context, op *models.Operator) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO operators (`+operatorColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   handle = EXCLUDED.handle, role = EXCLUDED.role, state = EXCLUDED.state,
		   max_clients = EXCLUDED.max_clients, rate_limit = EXCLUDED.rate_limit,
		   rate_window_seconds = EXCLUDED.rate_window_seconds,
		   perm_manage_clients = EXCLUDED.perm_manage_clients,
		   perm_view_stats = EXCLUDED.perm_view_stats, perm_backup = EXCLUDED.perm_backup,
		   updated_at = EXCLUDED.updated_at`,
		op.ID, op.Handle, op.Role, op.State,
		op.Limits.MaxClients, op.Limits.RateLimit, int64(op.Limits.RateWindow/time.Second),
		op.Permissions.ManageClients, op.Permissions.ViewStats, op.Permissions.Backup,
		op.CreatedAt, op.UpdatedAt,
	)
	return err
}

func (p *PostgresBackend) ListOperators(ctx context.Context) ([]*models.Operator, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+operatorColumns+` FROM operators ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// --- Operation log ---

func (p *PostgresBackend) AppendRecord(ctx context.Context, rec *models.OperationRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO operation_log (id, operator_id, intent, target, timestamp, outcome, detail)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.OperatorID, rec.Intent, rec.Target, rec.Timestamp, rec.Outcome, rec.Detail,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("record %s: %w", rec.ID, ErrAlreadyExists)
	}
	return err
}

func (p *PostgresBackend) QueryRecords(ctx context.Context, filter RecordFilter) ([]*models.OperationRecord, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id::text, operator_id, intent, target, timestamp, outcome, detail FROM operation_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.OperatorID != 0 {
		fmt.Fprintf(&query, ` AND operator_id = $%d`, n)
		args = append(args, filter.OperatorID)
		n++
	}
	if filter.Intent != "" {
		fmt.Fprintf(&query, ` AND intent = $%d`, n)
		args = append(args, string(filter.Intent))
		n++
	}
	if filter.Target != "" {
		fmt.Fprintf(&query, ` AND target = $%d`, n)
		args = append(args, filter.Target)
		n++
	}
	if !filter.Since.IsZero() {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	if filter.MutatingOnly {
		intents := models.MutatingIntents()
		names := make([]string, len(intents))
		for i, in := range intents {
			names[i] = string(in)
		}
		fmt.Fprintf(&query, ` AND intent = ANY($%d)`, n)
		args = append(args, names)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.OperationRecord
	for rows.Next() {
		var rec models.OperationRecord
		if err := rows.Scan(&rec.ID, &rec.OperatorID, &rec.Intent, &rec.Target,
			&rec.Timestamp, &rec.Outcome, &rec.Detail); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) PruneRecords(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM operation_log WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
