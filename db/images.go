package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// ImageRecord is the persisted processing state for one received image, keyed
// by the Telegram file id. Fields fill in monotonically as the pipeline
// advances; only LocalPath is ever cleared again (post-completion cleanup).
type ImageRecord struct {
	FileID     string
	ReceivedAt time.Time
	Username   string // resolved display name, empty until authorized
	ChatID     int64
	MessageID  int64
	Caption    string
	Ext        string
	RemotePath string
	LocalPath  string
	HostedURL  string
	Finished   bool
}

// Equal reports whether two records carry the same persisted state.
// ReceivedAt is compared at second precision since Telegram dates are unix
// seconds and the TIMESTAMPTZ round-trip may differ in sub-second digits.
func (r ImageRecord) Equal(o ImageRecord) bool {
	return r.FileID == o.FileID &&
		r.ReceivedAt.Unix() == o.ReceivedAt.Unix() &&
		r.Username == o.Username &&
		r.ChatID == o.ChatID &&
		r.MessageID == o.MessageID &&
		r.Caption == o.Caption &&
		r.Ext == o.Ext &&
		r.RemotePath == o.RemotePath &&
		r.LocalPath == o.LocalPath &&
		r.HostedURL == o.HostedURL &&
		r.Finished == o.Finished
}

// ImageStore wraps a connection handle for image record access. Each pipeline
// unit opens its own store and closes it when the run ends, so handles are
// never shared across concurrent units.
type ImageStore struct {
	db *sql.DB
}

// OpenImageStore connects to Postgres and returns a store ready for one unit
// of work.
func OpenImageStore(dsn string) (*ImageStore, error) {
	dbx, err := Connect(dsn)
	if err != nil {
		return nil, err
	}
	return &ImageStore{db: dbx}, nil
}

// NewImageStore wraps an existing handle (used by startup backlog scan and tests).
func NewImageStore(dbx *sql.DB) *ImageStore { return &ImageStore{db: dbx} }

func (s *ImageStore) Close() error { return s.db.Close() }

const imageColumns = `file_id, received_at, COALESCE(username,''), chat_id, message_id,
	COALESCE(caption,''), COALESCE(ext,''), COALESCE(remote_path,''), COALESCE(local_path,''),
	COALESCE(hosted_url,''), COALESCE(finished,false)`

func scanImage(row interface{ Scan(...any) error }) (ImageRecord, error) {
	var rec ImageRecord
	err := row.Scan(&rec.FileID, &rec.ReceivedAt, &rec.Username, &rec.ChatID, &rec.MessageID,
		&rec.Caption, &rec.Ext, &rec.RemotePath, &rec.LocalPath, &rec.HostedURL, &rec.Finished)
	return rec, err
}

// Find returns the persisted record for a file id, or (nil, nil) when absent.
func (s *ImageStore) Find(ctx context.Context, fileID string) (*ImageRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE file_id = $1`, fileID)
	rec, err := scanImage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find image: %w", err)
	}
	slog.Debug("found image in database", slog.String("file_id", rec.FileID), slog.Bool("finished", rec.Finished))
	return &rec, nil
}

// Unfinished returns the backlog: records with finished=false, oldest first,
// so startup replay keeps announcements close to historical order.
func (s *ImageStore) Unfinished(ctx context.Context) ([]ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+imageColumns+` FROM images WHERE COALESCE(finished,false)=false ORDER BY received_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unfinished images: %w", err)
	}
	defer rows.Close()
	var out []ImageRecord
	for rows.Next() {
		rec, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unfinished image: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slog.Debug("unfinished images in database", slog.Int("count", len(out)))
	return out, nil
}

// Insert stores a new record.
func (s *ImageStore) Insert(ctx context.Context, rec ImageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO images (file_id, received_at, username, chat_id, message_id, caption, ext, remote_path, local_path, hosted_url, finished, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())`,
		rec.FileID, rec.ReceivedAt, rec.Username, rec.ChatID, rec.MessageID, rec.Caption,
		rec.Ext, rec.RemotePath, rec.LocalPath, rec.HostedURL, rec.Finished)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	slog.Debug("inserted image into database", slog.String("file_id", rec.FileID))
	return nil
}

// Update rewrites the mutable columns of an existing record.
func (s *ImageStore) Update(ctx context.Context, rec ImageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE images SET username=$2, remote_path=$3, local_path=$4, hosted_url=$5, finished=$6, updated_at=NOW()
		 WHERE file_id=$1`,
		rec.FileID, rec.Username, rec.RemotePath, rec.LocalPath, rec.HostedURL, rec.Finished)
	if err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	slog.Debug("updated image in database", slog.String("file_id", rec.FileID), slog.Bool("finished", rec.Finished))
	return nil
}
