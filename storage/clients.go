package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"filehub/models"
)

const clientColumns = `client_id, password_hash, capacity_max, owner_id, status, created_at`

// AddClient inserts a new client row. New clients always start OFFLINE.
func (s *Store) AddClient(client models.Client) error {
	client.ClientID = strings.TrimSpace(client.ClientID)
	if client.ClientID == "" {
		return errors.New("client_id is required")
	}
	if strings.ContainsAny(client.ClientID, " \t\r\n/\\") || client.ClientID == "." || client.ClientID == ".." {
		return fmt.Errorf("client_id %q must not contain whitespace or path separators", client.ClientID)
	}
	if client.PasswordHash == "" {
		return errors.New("password_hash is required")
	}
	if client.CapacityMax < 0 {
		return fmt.Errorf("capacity_max must be >= 0, got %d", client.CapacityMax)
	}

	createdAt := nowUnixMilli()
	if !client.CreatedAt.IsZero() {
		createdAt = client.CreatedAt.UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO clients (`+clientColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		client.ClientID,
		client.PasswordHash,
		client.CapacityMax,
		client.OwnerID,
		string(models.ClientOffline),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert client %q: %w", client.ClientID, err)
	}
	return nil
}

// GetClient returns one client by id.
func (s *Store) GetClient(clientID string) (*models.Client, error) {
	if clientID == "" {
		return nil, errors.New("client_id is required")
	}

	row := s.db.QueryRow(`SELECT `+clientColumns+` FROM clients WHERE client_id = ?`, clientID)
	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get client %q: %w", clientID, err)
	}
	return client, nil
}

// ListClients returns every client ordered by id.
func (s *Store) ListClients() ([]models.Client, error) {
	rows, err := s.db.Query(`SELECT ` + clientColumns + ` FROM clients ORDER BY client_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	clients := make([]models.Client, 0)
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client row: %w", err)
		}
		clients = append(clients, *client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client rows: %w", err)
	}
	return clients, nil
}

// SetClientStatus updates a client's connectivity status.
func (s *Store) SetClientStatus(clientID string, status models.ClientStatus) error {
	if clientID == "" {
		return errors.New("client_id is required")
	}
	if !status.Valid() {
		return fmt.Errorf("invalid client status %q", status)
	}

	res, err := s.db.Exec(`UPDATE clients SET status = ? WHERE client_id = ?`, string(status), clientID)
	if err != nil {
		return fmt.Errorf("update client status %q: %w", clientID, err)
	}
	if _, err := rowsAffected(res); err != nil {
		return fmt.Errorf("update client status %q: %w", clientID, err)
	}
	return nil
}

// ResetClientStatuses marks every client OFFLINE and returns how many rows changed.
// Used on startup, when no connection can be live yet.
func (s *Store) ResetClientStatuses() (int64, error) {
	res, err := s.db.Exec(`UPDATE clients SET status = ? WHERE status <> ?`,
		string(models.ClientOffline), string(models.ClientOffline))
	if err != nil {
		return 0, fmt.Errorf("reset client statuses: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset client statuses: %w", err)
	}
	return n, nil
}

// DeleteClient removes an OFFLINE client together with its files and actions.
func (s *Store) DeleteClient(clientID string) error {
	if clientID == "" {
		return errors.New("client_id is required")
	}

	client, err := s.GetClient(clientID)
	if err != nil {
		return err
	}
	if client.Status == models.ClientOnline {
		return ErrClientOnline
	}

	res, err := s.db.Exec(`DELETE FROM clients WHERE client_id = ? AND status = ?`,
		clientID, string(models.ClientOffline))
	if err != nil {
		return fmt.Errorf("delete client %q: %w", clientID, err)
	}
	if _, err := rowsAffected(res); err != nil {
		// Went ONLINE between the read and the delete.
		return ErrClientOnline
	}
	return nil
}

func scanClient(row scanner) (*models.Client, error) {
	var (
		client    models.Client
		status    string
		createdAt int64
	)
	if err := row.Scan(
		&client.ClientID,
		&client.PasswordHash,
		&client.CapacityMax,
		&client.OwnerID,
		&status,
		&createdAt,
	); err != nil {
		return nil, err
	}
	client.Status = models.ClientStatus(status)
	client.CreatedAt = fromUnixMilli(createdAt)
	return &client, nil
}
