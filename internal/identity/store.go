// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package identity

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"crewhub/internal/logger"
)

// Store persists device identities in SQLite, keyed by connection id. The
// private key is stored in recoverable PEM form so the same device identity
// survives process restarts.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (or creates) the identity database at dbPath
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger.Component("identity-store"),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize identity schema: %w", err)
	}

	return store, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	query := `CREATE TABLE IF NOT EXISTS device_identities (
		device_id TEXT PRIMARY KEY,
		connection_id TEXT,
		display_name TEXT NOT NULL,
		platform TEXT NOT NULL,
		private_key_pem TEXT NOT NULL,
		public_key_pem TEXT NOT NULL,
		device_token TEXT,
		paired_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create device_identities table: %w", err)
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_device_identities_connection_id
		ON device_identities(connection_id)`); err != nil {
		return fmt.Errorf("failed to create connection index: %w", err)
	}

	return nil
}

// Get returns the most recently created identity for a connection, or nil if
// none is stored
func (s *Store) Get(connectionID string) (*Identity, error) {
	query := `SELECT device_id, display_name, platform, private_key_pem, device_token
		FROM device_identities
		WHERE connection_id = ?
		ORDER BY created_at DESC
		LIMIT 1`

	var deviceID, displayName, platform, privateKeyPEM string
	var deviceToken sql.NullString

	err := s.db.QueryRow(query, connectionID).Scan(
		&deviceID, &displayName, &platform, &privateKeyPEM, &deviceToken,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device identity: %w", err)
	}

	id, err := FromPEM(deviceID, privateKeyPEM, deviceToken.String, displayName, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to load device identity: %w", err)
	}

	return id, nil
}

// Save inserts or updates an identity for a connection. An existing row for
// the same device id is mutated in place rather than duplicated.
func (s *Store) Save(id *Identity, connectionID string) error {
	privPEM, err := id.PrivateKeyPEM()
	if err != nil {
		return err
	}
	pubPEM, err := id.PublicKeyPEM()
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	var pairedAt any
	if id.DeviceToken != "" {
		pairedAt = now
	}

	var token any
	if id.DeviceToken != "" {
		token = id.DeviceToken
	}

	var exists int
	err = s.db.QueryRow(`SELECT COUNT(1) FROM device_identities WHERE device_id = ?`, id.DeviceID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check existing identity: %w", err)
	}

	if exists > 0 {
		_, err = s.db.Exec(`UPDATE device_identities
			SET connection_id = ?, display_name = ?, platform = ?,
				private_key_pem = ?, public_key_pem = ?, device_token = ?,
				paired_at = ?, updated_at = ?
			WHERE device_id = ?`,
			connectionID, id.DisplayName, id.Platform,
			privPEM, pubPEM, token, pairedAt, now, id.DeviceID,
		)
	} else {
		_, err = s.db.Exec(`INSERT INTO device_identities (
				device_id, connection_id, display_name, platform,
				private_key_pem, public_key_pem, device_token,
				paired_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id.DeviceID, connectionID, id.DisplayName, id.Platform,
			privPEM, pubPEM, token, pairedAt, now, now,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to save device identity: %w", err)
	}

	return nil
}

// GetOrCreate returns the stored identity for a connection, generating and
// persisting a new one if none exists yet
func (s *Store) GetOrCreate(connectionID, displayName string) (*Identity, error) {
	id, err := s.Get(connectionID)
	if err != nil {
		return nil, err
	}
	if id != nil {
		s.logger.Debug().
			Str("device_id", id.DeviceID[:16]).
			Bool("has_token", id.DeviceToken != "").
			Msg("Using existing device identity")
		return id, nil
	}

	if displayName == "" {
		short := connectionID
		if len(short) > 8 {
			short = short[:8]
		}
		displayName = "CrewHub-" + short
	}

	id, err = Generate(displayName, "crewhub")
	if err != nil {
		return nil, err
	}

	if err := s.Save(id, connectionID); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("device_id", id.DeviceID[:16]).
		Str("connection_id", connectionID).
		Msg("Generated device identity")

	return id, nil
}

// UpdateToken stores a device token issued by the gateway and marks the
// identity as paired
func (s *Store) UpdateToken(deviceID, token string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`UPDATE device_identities
		SET device_token = ?, paired_at = ?, updated_at = ?
		WHERE device_id = ?`,
		token, now, now, deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to update device token: %w", err)
	}

	s.logger.Info().Str("device_id", deviceID[:16]).Msg("Stored device token")
	return nil
}

// ClearToken nulls the stored token and paired timestamp while keeping the
// keypair, so the next handshake falls back to the shared token and
// re-registers
func (s *Store) ClearToken(deviceID string) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`UPDATE device_identities
		SET device_token = NULL, paired_at = NULL, updated_at = ?
		WHERE device_id = ?`,
		now, deviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear device token: %w", err)
	}

	s.logger.Warn().Str("device_id", deviceID[:16]).Msg("Cleared device token, will re-register on next connect")
	return nil
}
