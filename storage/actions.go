package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"filehub/models"
)

const actionColumns = `action_id, client_id, file_id, action_type, status, created_at, updated_at`

// CreateAction queues a PENDING action for a client. fileID is required for
// downloads and must be nil for uploads.
func (s *Store) CreateAction(clientID string, kind models.ActionKind, fileID *int64) (*models.Action, error) {
	if clientID == "" {
		return nil, errors.New("client_id is required")
	}
	switch kind {
	case models.ActionUpload:
		if fileID != nil {
			return nil, errors.New("upload actions must not reference a file")
		}
	case models.ActionDownload:
		if fileID == nil {
			return nil, errors.New("download actions require a file_id")
		}
	default:
		return nil, fmt.Errorf("invalid action kind %q", kind)
	}

	now := nowUnixMilli()
	res, err := s.db.Exec(
		`INSERT INTO actions (client_id, file_id, action_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		clientID,
		nullInt64(fileID),
		string(kind),
		string(models.ActionPending),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert %s action for client %q: %w", kind, clientID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read inserted action id: %w", err)
	}

	return &models.Action{
		ActionID:  id,
		ClientID:  clientID,
		FileID:    fileID,
		Kind:      kind,
		Status:    models.ActionPending,
		CreatedAt: fromUnixMilli(now),
		UpdatedAt: fromUnixMilli(now),
	}, nil
}

// GetAction returns one action by id.
func (s *Store) GetAction(actionID int64) (*models.Action, error) {
	row := s.db.QueryRow(`SELECT `+actionColumns+` FROM actions WHERE action_id = ?`, actionID)
	action, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get action %d: %w", actionID, err)
	}
	return action, nil
}

// GetPendingActions returns a client's PENDING actions, oldest first.
func (s *Store) GetPendingActions(clientID string) ([]models.Action, error) {
	return s.queryActions(
		`SELECT `+actionColumns+` FROM actions
		WHERE client_id = ? AND status = ?
		ORDER BY action_id ASC`,
		clientID,
		string(models.ActionPending),
	)
}

// GetInterruptedAction returns the oldest INTERRUPTED action for a client.
func (s *Store) GetInterruptedAction(clientID string) (*models.Action, error) {
	row := s.db.QueryRow(
		`SELECT `+actionColumns+` FROM actions
		WHERE client_id = ? AND status = ?
		ORDER BY action_id ASC
		LIMIT 1`,
		clientID,
		string(models.ActionInterrupted),
	)
	action, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get interrupted action for client %q: %w", clientID, err)
	}
	return action, nil
}

// ListActions returns actions ordered by id. An empty clientID lists all clients.
func (s *Store) ListActions(clientID string) ([]models.Action, error) {
	if clientID == "" {
		return s.queryActions(`SELECT ` + actionColumns + ` FROM actions ORDER BY action_id ASC`)
	}
	return s.queryActions(
		`SELECT `+actionColumns+` FROM actions WHERE client_id = ? ORDER BY action_id ASC`,
		clientID,
	)
}

// SetActionStatus updates an action's lifecycle status.
func (s *Store) SetActionStatus(actionID int64, status models.ActionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid action status %q", status)
	}

	res, err := s.db.Exec(
		`UPDATE actions SET status = ?, updated_at = ? WHERE action_id = ?`,
		string(status),
		nowUnixMilli(),
		actionID,
	)
	if err != nil {
		return fmt.Errorf("update action status %d: %w", actionID, err)
	}
	if _, err := rowsAffected(res); err != nil {
		return fmt.Errorf("update action status %d: %w", actionID, err)
	}
	return nil
}

// TransitionAction moves an action from one status to another only if it is
// still in the expected status. ErrNotFound means it was not.
func (s *Store) TransitionAction(actionID int64, from, to models.ActionStatus) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("invalid action transition %q -> %q", from, to)
	}

	res, err := s.db.Exec(
		`UPDATE actions SET status = ?, updated_at = ? WHERE action_id = ? AND status = ?`,
		string(to),
		nowUnixMilli(),
		actionID,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("transition action %d: %w", actionID, err)
	}
	if _, err := rowsAffected(res); err != nil {
		return fmt.Errorf("transition action %d: %w", actionID, err)
	}
	return nil
}

// CancelAction marks an action CANCELED unless it already finished and
// returns the status it replaced. It is the control-plane side of
// cancellation; a running transfer observes it per chunk.
func (s *Store) CancelAction(actionID int64) (models.ActionStatus, error) {
	for attempt := 0; attempt < 3; attempt++ {
		action, err := s.GetAction(actionID)
		if err != nil {
			return "", err
		}
		switch action.Status {
		case models.ActionPending, models.ActionRunning, models.ActionInterrupted:
		default:
			return "", ErrNotFound
		}

		err = s.TransitionAction(actionID, action.Status, models.ActionCanceled)
		if err == nil {
			return action.Status, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("cancel action %d: %w", actionID, err)
		}
		// Moved on between the read and the update; look again.
	}
	return "", fmt.Errorf("cancel action %d: status kept changing", actionID)
}

// AttachFileToAction links a freshly created file row to its upload action.
func (s *Store) AttachFileToAction(actionID, fileID int64) error {
	res, err := s.db.Exec(
		`UPDATE actions SET file_id = ?, updated_at = ? WHERE action_id = ?`,
		fileID,
		nowUnixMilli(),
		actionID,
	)
	if err != nil {
		return fmt.Errorf("attach file %d to action %d: %w", fileID, actionID, err)
	}
	if _, err := rowsAffected(res); err != nil {
		return fmt.Errorf("attach file %d to action %d: %w", fileID, actionID, err)
	}
	return nil
}

// InterruptRunningActions moves every RUNNING action to INTERRUPTED. Called on
// startup: a RUNNING row at that point belongs to a connection that no longer exists.
func (s *Store) InterruptRunningActions() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE actions SET status = ?, updated_at = ? WHERE status = ?`,
		string(models.ActionInterrupted),
		nowUnixMilli(),
		string(models.ActionRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("interrupt running actions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("interrupt running actions: %w", err)
	}
	return n, nil
}

func (s *Store) queryActions(query string, args ...any) ([]models.Action, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	actions := make([]models.Action, 0)
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		actions = append(actions, *action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action rows: %w", err)
	}
	return actions, nil
}

func scanAction(row scanner) (*models.Action, error) {
	var (
		action    models.Action
		fileID    sql.NullInt64
		kind      string
		status    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&action.ActionID,
		&action.ClientID,
		&fileID,
		&kind,
		&status,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	action.FileID = int64Ptr(fileID)
	action.Kind = models.ActionKind(kind)
	action.Status = models.ActionStatus(status)
	action.CreatedAt = fromUnixMilli(createdAt)
	action.UpdatedAt = fromUnixMilli(updatedAt)
	return &action, nil
}
