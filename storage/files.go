package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"filehub/models"
)

const fileColumns = `file_id, client_id, filename, size, received, checksum, status, updated_at`

// CreateFile inserts a new UPLOADING file row with nothing received yet.
func (s *Store) CreateFile(clientID, filename string, size int64) (*models.File, error) {
	if clientID == "" {
		return nil, errors.New("client_id is required")
	}
	if strings.TrimSpace(filename) == "" {
		return nil, errors.New("filename is required")
	}
	if size < 0 {
		return nil, fmt.Errorf("size must be >= 0, got %d", size)
	}

	now := nowUnixMilli()
	res, err := s.db.Exec(
		`INSERT INTO files (client_id, filename, size, received, status, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		clientID,
		filename,
		size,
		string(models.FileUploading),
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert file %q for client %q: %w", filename, clientID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read inserted file id: %w", err)
	}

	return &models.File{
		FileID:    id,
		ClientID:  clientID,
		Filename:  filename,
		Size:      size,
		Status:    models.FileUploading,
		UpdatedAt: fromUnixMilli(now),
	}, nil
}

// GetFile returns one file row by id.
func (s *Store) GetFile(fileID int64) (*models.File, error) {
	row := s.db.QueryRow(`SELECT `+fileColumns+` FROM files WHERE file_id = ?`, fileID)
	file, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file %d: %w", fileID, err)
	}
	return file, nil
}

// ListFiles returns files ordered by id. An empty clientID lists every client's files.
func (s *Store) ListFiles(clientID string) ([]models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files`
	args := []any{}
	if clientID != "" {
		query += ` WHERE client_id = ?`
		args = append(args, clientID)
	}
	query += ` ORDER BY file_id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files := make([]models.File, 0)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}
	return files, nil
}

// UpdateFileReceived persists the durable byte offset of an in-progress upload.
func (s *Store) UpdateFileReceived(fileID, received int64) error {
	if received < 0 {
		return fmt.Errorf("received must be >= 0, got %d", received)
	}

	res, err := s.db.Exec(
		`UPDATE files
		SET received = ?, updated_at = ?
		WHERE file_id = ? AND status = ? AND size >= ?`,
		received,
		nowUnixMilli(),
		fileID,
		string(models.FileUploading),
		received,
	)
	if err != nil {
		return fmt.Errorf("update file received %d: %w", fileID, err)
	}
	if _, err := rowsAffected(res); err != nil {
		return fmt.Errorf("update file received %d: %w", fileID, err)
	}
	return nil
}

// FinalizeFileUploaded marks a fully received file UPLOADED with its verified digest.
func (s *Store) FinalizeFileUploaded(fileID int64, checksum string) error {
	if checksum == "" {
		return errors.New("checksum is required")
	}

	res, err := s.db.Exec(
		`UPDATE files
		SET status = ?, received = size, checksum = ?, updated_at = ?
		WHERE file_id = ? AND status = ?`,
		string(models.FileUploaded),
		checksum,
		nowUnixMilli(),
		fileID,
		string(models.FileUploading),
	)
	if err != nil {
		return fmt.Errorf("finalize file %d: %w", fileID, err)
	}
	if _, err := rowsAffected(res); err != nil {
		return fmt.Errorf("finalize file %d: %w", fileID, err)
	}
	return nil
}

// DeleteFile removes a file row. Actions that referenced it keep their own row
// with the file reference cleared.
func (s *Store) DeleteFile(fileID int64) error {
	if _, err := s.db.Exec(`UPDATE actions SET file_id = NULL WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("detach actions from file %d: %w", fileID, err)
	}

	res, err := s.db.Exec(`DELETE FROM files WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete file %d: %w", fileID, err)
	}
	if _, err := rowsAffected(res); err != nil {
		return fmt.Errorf("delete file %d: %w", fileID, err)
	}
	return nil
}

// UsedStorage sums the declared size of a client's live (non-canceled) files.
func (s *Store) UsedStorage(clientID string) (int64, error) {
	var used sql.NullInt64
	if err := s.db.QueryRow(
		`SELECT SUM(size) FROM files WHERE client_id = ? AND status <> ?`,
		clientID,
		string(models.FileCanceled),
	).Scan(&used); err != nil {
		return 0, fmt.Errorf("sum storage for client %q: %w", clientID, err)
	}
	return used.Int64, nil
}

// GetAbandonedUploads returns a client's UPLOADING files referenced by a
// CANCELED upload action and by no action that could still write to them.
func (s *Store) GetAbandonedUploads(clientID string) ([]models.File, error) {
	rows, err := s.db.Query(
		`SELECT `+fileColumns+` FROM files
		WHERE client_id = ? AND status = ?
		AND EXISTS (
			SELECT 1 FROM actions
			WHERE actions.file_id = files.file_id AND action_type = ? AND actions.status = ?
		)
		AND NOT EXISTS (
			SELECT 1 FROM actions
			WHERE actions.file_id = files.file_id AND actions.status IN (?, ?, ?)
		)
		ORDER BY file_id ASC`,
		clientID,
		string(models.FileUploading),
		string(models.ActionUpload),
		string(models.ActionCanceled),
		string(models.ActionPending),
		string(models.ActionRunning),
		string(models.ActionInterrupted),
	)
	if err != nil {
		return nil, fmt.Errorf("query abandoned uploads for client %q: %w", clientID, err)
	}
	defer rows.Close()

	files := make([]models.File, 0)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file row: %w", err)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}
	return files, nil
}

func scanFile(row scanner) (*models.File, error) {
	var (
		file      models.File
		checksum  sql.NullString
		status    string
		updatedAt int64
	)
	if err := row.Scan(
		&file.FileID,
		&file.ClientID,
		&file.Filename,
		&file.Size,
		&file.Received,
		&checksum,
		&status,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	file.Checksum = checksum.String
	file.Status = models.FileStatus(status)
	file.UpdatedAt = fromUnixMilli(updatedAt)
	return &file, nil
}
