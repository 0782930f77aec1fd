package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse execution_events table for
// the admin history view.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// ExecutionRow represents a single row from the execution_events table.
type ExecutionRow struct {
	RequestID   string    `json:"request_id"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username"`
	Relpath     string    `json:"relpath"`
	OK          uint8     `json:"ok"`
	Denied      uint8     `json:"denied"`
	TimedOut    uint8     `json:"timed_out"`
	DurationMs  float32   `json:"duration_ms"`
	StdoutBytes uint32    `json:"stdout_bytes"`
	StderrBytes uint32    `json:"stderr_bytes"`
	Timestamp   time.Time `json:"timestamp"`
}

// ListExecutionsParams holds filters and pagination for the history listing.
type ListExecutionsParams struct {
	Username  *string
	Relpath   *string
	Denied    *bool
	TimedOut  *bool
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// ListExecutions returns paginated, filtered execution events, newest first,
// and the total count matching the filters.
func (r *Reader) ListExecutions(ctx context.Context, params ListExecutionsParams) ([]ExecutionRow, int, error) {
	conditions := []string{"1 = 1"}
	var args []any

	if params.Username != nil {
		conditions = append(conditions, "username = @username")
		args = append(args, clickhouse.Named("username", *params.Username))
	}
	if params.Relpath != nil {
		conditions = append(conditions, "relpath = @relpath")
		args = append(args, clickhouse.Named("relpath", *params.Relpath))
	}
	if params.Denied != nil {
		conditions = append(conditions, "denied = @denied")
		args = append(args, clickhouse.Named("denied", boolToUint8(*params.Denied)))
	}
	if params.TimedOut != nil {
		conditions = append(conditions, "timed_out = @timed_out")
		args = append(args, clickhouse.Named("timed_out", boolToUint8(*params.TimedOut)))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	where := strings.Join(conditions, " AND ")
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM execution_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListExecutions count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT request_id, user_id, username, relpath, "+
			"ok, denied, timed_out, "+
			"duration_ms, stdout_bytes, stderr_bytes, timestamp "+
			"FROM execution_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListExecutions query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []ExecutionRow
	for rows.Next() {
		var e ExecutionRow
		if err := rows.Scan(
			&e.RequestID, &e.UserID, &e.Username, &e.Relpath,
			&e.OK, &e.Denied, &e.TimedOut,
			&e.DurationMs, &e.StdoutBytes, &e.StderrBytes, &e.Timestamp,
		); err != nil {
			return nil, 0, fmt.Errorf("ListExecutions scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
