package segments

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresIndex persists the segment index in PostgreSQL. Rows older than the
// ttl are ignored by List and pruned on write.
type PostgresIndex struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPostgresIndex(ctx context.Context, databaseURL string, ttl time.Duration) (*PostgresIndex, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PostgresIndex{pool: pool, ttl: ttl}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS booth_segments (
			room_id TEXT NOT NULL,
			capture_id TEXT NOT NULL DEFAULT '',
			shot INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			content_type TEXT NOT NULL,
			path TEXT NOT NULL,
			size BIGINT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			frames INTEGER NOT NULL DEFAULT 0,
			uploaded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (room_id, capture_id, shot)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_booth_segments_uploaded ON booth_segments (uploaded_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (p *PostgresIndex) Put(ctx context.Context, seg Segment) error {
	if err := validSegment(seg); err != nil {
		return err
	}
	if seg.UploadedAt.IsZero() {
		seg.UploadedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO booth_segments (room_id, capture_id, shot, user_id, content_type, path, size, duration_ms, frames, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (room_id, capture_id, shot) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			content_type = EXCLUDED.content_type,
			path = EXCLUDED.path,
			size = EXCLUDED.size,
			duration_ms = EXCLUDED.duration_ms,
			frames = EXCLUDED.frames,
			uploaded_at = EXCLUDED.uploaded_at`,
		seg.RoomID,
		seg.CaptureID,
		seg.Shot,
		seg.UserID,
		seg.ContentType,
		seg.Path,
		seg.Size,
		seg.Duration.Milliseconds(),
		seg.Frames,
		seg.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("index segment: %w", err)
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM booth_segments WHERE uploaded_at < $1`, time.Now().UTC().Add(-p.ttl)); err != nil {
		return fmt.Errorf("prune segments: %w", err)
	}
	return nil
}

func (p *PostgresIndex) List(ctx context.Context, roomID, captureID string) ([]Segment, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT room_id, capture_id, shot, user_id, content_type, path, size, duration_ms, frames, uploaded_at
		 FROM booth_segments WHERE room_id=$1 AND capture_id=$2 AND uploaded_at >= $3 ORDER BY shot`,
		roomID,
		captureID,
		time.Now().UTC().Add(-p.ttl),
	)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var (
			s          Segment
			durationMS int64
		)
		if err := rows.Scan(&s.RoomID, &s.CaptureID, &s.Shot, &s.UserID, &s.ContentType, &s.Path, &s.Size, &durationMS, &s.Frames, &s.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan segment row: %w", err)
		}
		s.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment rows: %w", err)
	}
	return out, nil
}

func (p *PostgresIndex) Close() error {
	p.pool.Close()
	return nil
}
