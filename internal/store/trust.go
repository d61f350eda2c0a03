package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Pin records a developer's public key, replacing any previous pin.
func (s *Store) Pin(ctx context.Context, developerID, publicKeyBase64 string) error {
	if developerID == "" {
		return errors.New("store: developer id is required")
	}
	if publicKeyBase64 == "" {
		return errors.New("store: public key is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_pins (developer_id, public_key_base64)
		VALUES (?, ?)
		ON CONFLICT(developer_id) DO UPDATE SET
			public_key_base64 = excluded.public_key_base64,
			updated_at = CURRENT_TIMESTAMP`,
		developerID, publicKeyBase64)
	if err != nil {
		return fmt.Errorf("store: pin developer %s: %w", developerID, err)
	}
	return nil
}

// Unpin removes a developer's pin. Unpinning an unknown developer returns
// NotFoundError.
func (s *Store) Unpin(ctx context.Context, developerID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM trust_pins WHERE developer_id = ?`, developerID)
	if err != nil {
		return fmt.Errorf("store: unpin developer %s: %w", developerID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: unpin developer %s: %w", developerID, err)
	}
	if affected == 0 {
		return NotFoundError{Entity: "trust pin", Key: developerID}
	}
	return nil
}

// PublicKeyBase64 implements trust.Store. Query failures are logged and
// reported as "not pinned" so verification stays default-deny.
func (s *Store) PublicKeyBase64(developerID string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultBusyTimeout)
	defer cancel()

	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT public_key_base64 FROM trust_pins WHERE developer_id = ?`,
		developerID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		s.logger.Printf("[Store] Trust pin lookup for %s failed: %v", developerID, err)
		return "", false
	}
	return key, true
}

// TrustPin is a pinned developer key with its bookkeeping timestamps.
type TrustPin struct {
	DeveloperID     string
	PublicKeyBase64 string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ListPins returns all pinned developers ordered by developer id.
func (s *Store) ListPins(ctx context.Context) ([]TrustPin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT developer_id, public_key_base64, created_at, updated_at
		FROM trust_pins`)
	if err != nil {
		return nil, fmt.Errorf("store: list trust pins: %w", err)
	}
	defer rows.Close()

	var pins []TrustPin
	for rows.Next() {
		var pin TrustPin
		var created, updated string
		if err := rows.Scan(&pin.DeveloperID, &pin.PublicKeyBase64, &created, &updated); err != nil {
			return nil, fmt.Errorf("store: scan trust pin: %w", err)
		}
		pin.CreatedAt = parseTimestamp(created)
		pin.UpdatedAt = parseTimestamp(updated)
		pins = append(pins, pin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list trust pins: %w", err)
	}

	sort.Slice(pins, func(i, j int) bool { return pins[i].DeveloperID < pins[j].DeveloperID })
	return pins, nil
}

func parseTimestamp(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
