// Package store provides durable local-first persistence for captured audio.
//
// Recordings are saved on-device before any network call so a failed or
// delayed upload never loses audio. Every record carries a fixed expiry set
// at creation; expired records are lazily deleted on access and swept before
// writes. Payloads are stored encrypted or plain depending on policy, with
// the format tagged per row so both kinds stay readable on the same device.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"

	"github.com/clinivoice/capture-agent/internal/config"
	"github.com/clinivoice/capture-agent/internal/vault"
)

// Payload format tags. A device migrated between policies holds both.
const (
	formatPlain  = "plain"
	formatAESGCM = "aes-gcm"
)

var (
	// ErrInsufficientSpace means the device is below the free-space floor.
	// Nothing is written; the save is aborted entirely.
	ErrInsufficientSpace = errors.New("device storage is low: free up space before recording")

	// ErrNotFound is returned by mutators for unknown ids.
	ErrNotFound = errors.New("recording not found")
)

// Recording is a full local record including the decrypted audio payload.
type Recording struct {
	Metadata
	Data []byte
}

// Metadata describes a local recording without its payload bytes.
type Metadata struct {
	ID                string
	FileName          string
	DurationSeconds   float64
	MimeType          string
	SessionID         string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	Uploaded          bool
	RemoteRecordingID string
	RemoteSessionID   string
	UploadError       string
	Size              int64
}

// Usage reports the footprint of non-expired records.
type Usage struct {
	Count     int
	TotalSize int64
}

// Store is the sqlite-backed local recording store.
type Store struct {
	db    *sql.DB
	dir   string
	cfg   config.StorageConfig
	vault *vault.Vault

	// injectable for tests
	now      func() time.Time
	freeDisk func(path string) (uint64, error)
}

// Open creates the storage directory if needed and opens the database.
func Open(cfg config.StorageConfig, v *vault.Vault) (*Store, error) {
	if err := os.MkdirAll(cfg.Directory, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", filepath.Join(cfg.Directory, "recordings.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:       db,
		dir:      cfg.Directory,
		cfg:      cfg,
		vault:    v,
		now:      time.Now,
		freeDisk: diskFree,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			duration_seconds REAL NOT NULL,
			mime_type TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			uploaded INTEGER NOT NULL DEFAULT 0,
			remote_recording_id TEXT NOT NULL DEFAULT '',
			remote_session_id TEXT NOT NULL DEFAULT '',
			upload_error TEXT NOT NULL DEFAULT '',
			format TEXT NOT NULL,
			size INTEGER NOT NULL,
			data BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_recordings_uploaded ON recordings(uploaded);
		CREATE INDEX IF NOT EXISTS idx_recordings_expires ON recordings(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate recordings table: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save persists a captured blob and returns its locally generated id. The
// expiry is fixed at save time and never extended. Fails fast without
// writing anything when the device is below the free-space floor.
func (s *Store) Save(ctx context.Context, data []byte, fileName string, durationSeconds float64, mimeType, sessionID string) (string, error) {
	free, err := s.freeDisk(s.dir)
	if err != nil {
		slog.Warn("Could not determine free disk space, proceeding with save", "error", err)
	} else if free < uint64(s.cfg.MinFreeBytes)+uint64(len(data)) {
		return "", fmt.Errorf("%w (free: %d bytes, required floor: %d bytes)", ErrInsufficientSpace, free, s.cfg.MinFreeBytes)
	}

	if err := s.sweepExpired(ctx); err != nil {
		slog.Warn("Expiry sweep before save failed", "error", err)
	}

	format := formatPlain
	payload := data
	if s.cfg.Encrypt {
		payload, err = s.vault.Encrypt(data)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt recording: %w", err)
		}
		format = formatAESGCM
	}

	now := s.now()
	id := fmt.Sprintf("local-%d-%s", now.UnixMilli(), uuid.NewString()[:8])

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recordings
			(id, file_name, duration_seconds, mime_type, session_id, created_at, expires_at, format, size, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, fileName, durationSeconds, mimeType, sessionID,
		now.UnixMilli(), now.Add(s.cfg.RecordingTTL).UnixMilli(),
		format, int64(len(data)), payload,
	)
	if err != nil {
		return "", fmt.Errorf("insert recording: %w", err)
	}

	slog.Debug("Recording saved locally", "id", id, "size", len(data), "format", format)
	return id, nil
}

// Get returns the full record with decrypted payload, or nil for unknown and
// expired ids. An expired record is deleted as a side effect of the read.
func (s *Store) Get(ctx context.Context, id string) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, file_name, duration_seconds, mime_type, session_id, created_at, expires_at,
		       uploaded, remote_recording_id, remote_session_id, upload_error, format, size, data
		FROM recordings WHERE id = ?`, id)

	var rec Recording
	var format string
	var createdAt, expiresAt int64
	err := row.Scan(&rec.ID, &rec.FileName, &rec.DurationSeconds, &rec.MimeType, &rec.SessionID,
		&createdAt, &expiresAt, &rec.Uploaded, &rec.RemoteRecordingID, &rec.RemoteSessionID,
		&rec.UploadError, &format, &rec.Size, &rec.Data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan recording: %w", err)
	}

	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.ExpiresAt = time.UnixMilli(expiresAt)

	if !s.now().Before(rec.ExpiresAt) {
		if err := s.Delete(ctx, id); err != nil {
			slog.Warn("Failed to delete expired recording", "id", id, "error", err)
		}
		return nil, nil
	}

	if format == formatAESGCM {
		plain, err := s.vault.Decrypt(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("recording %s: %w", id, err)
		}
		rec.Data = plain
	}

	return &rec, nil
}

// MarkUploaded records the remote ids and clears any prior upload error.
func (s *Store) MarkUploaded(ctx context.Context, id, remoteRecordingID, remoteSessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recordings
		SET uploaded = 1, remote_recording_id = ?, remote_session_id = ?, upload_error = ''
		WHERE id = ?`, remoteRecordingID, remoteSessionID, id)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return requireRow(res, id)
}

// MarkUploadFailed records the error without touching the payload, so the
// recording stays available for retry or manual recovery.
func (s *Store) MarkUploadFailed(ctx context.Context, id, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recordings SET upload_error = ? WHERE id = ?`, errorMessage, id)
	if err != nil {
		return fmt.Errorf("mark upload failed: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ListUnuploaded sweeps expired records, then returns metadata for all
// non-expired records that have not been uploaded.
func (s *Store) ListUnuploaded(ctx context.Context) ([]Metadata, error) {
	if err := s.sweepExpired(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_name, duration_seconds, mime_type, session_id, created_at, expires_at,
		       uploaded, remote_recording_id, remote_session_id, upload_error, size
		FROM recordings
		WHERE uploaded = 0
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query unuploaded: %w", err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		var m Metadata
		var createdAt, expiresAt int64
		if err := rows.Scan(&m.ID, &m.FileName, &m.DurationSeconds, &m.MimeType, &m.SessionID,
			&createdAt, &expiresAt, &m.Uploaded, &m.RemoteRecordingID, &m.RemoteSessionID,
			&m.UploadError, &m.Size); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		m.ExpiresAt = time.UnixMilli(expiresAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes a single recording.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	return nil
}

// ClearAll wipes every local recording. Invoked on logout.
func (s *Store) ClearAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recordings`)
	if err != nil {
		return fmt.Errorf("clear recordings: %w", err)
	}
	slog.Info("All local recordings cleared")
	return nil
}

// Download materializes the decrypted payload at destPath. The temporary
// file is always removed, including when the final rename fails.
func (s *Store) Download(ctx context.Context, id, destPath string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".clinivoice-dl-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(rec.Data); err != nil {
		tmp.Close()
		return fmt.Errorf("write recording: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, destPath); err != nil {
		return fmt.Errorf("move recording to %s: %w", destPath, err)
	}
	return nil
}

// Usage reports count and total payload size of non-expired records.
func (s *Store) Usage(ctx context.Context) (Usage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0) FROM recordings WHERE expires_at > ?`,
		s.now().UnixMilli())

	var u Usage
	if err := row.Scan(&u.Count, &u.TotalSize); err != nil {
		return Usage{}, fmt.Errorf("scan usage: %w", err)
	}
	return u, nil
}

// sweepExpired deletes every record past its expiry.
func (s *Store) sweepExpired(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sweep expired: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Debug("Swept expired local recordings", "count", n)
	}
	return nil
}

func diskFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
