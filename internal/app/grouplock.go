package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// ErrGroupLocked is returned when another process already runs the
// workers of a consumer group.
var ErrGroupLocked = errors.New("consumer group is held by another worker process")

// GroupLock is a Postgres session advisory lock on a consumer group name.
// Partition ownership is coordinated inside one process, so only the
// process holding the lock may start workers for the group.
type GroupLock struct {
	conn *sql.Conn
	key  string
}

func groupLockKey(group string) string {
	return "paperscope.consumer_group." + group
}

// AcquireGroupLock takes the lock for group without waiting. The lock lives
// on a dedicated connection until Release.
func AcquireGroupLock(ctx context.Context, db *sql.DB, group string) (*GroupLock, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("group lock connection: %w", err)
	}

	key := groupLockKey(group)
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("acquire group lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrGroupLocked, group)
	}

	slog.InfoContext(ctx, "consumer group lock acquired", "group", group)
	return &GroupLock{conn: conn, key: key}, nil
}

func (l *GroupLock) Release(ctx context.Context) error {
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.key)
	return errors.Join(err, l.conn.Close())
}
