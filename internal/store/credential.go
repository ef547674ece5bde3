package store

import (
	"context"

	"github.com/opsforge/remediation/internal/model"
)

// GetServerCredential returns the stored connection profile for a target.
func (s *Store) GetServerCredential(ctx context.Context, id string) (model.ServerCredential, error) {
	var c model.ServerCredential
	err := s.db.QueryRowContext(ctx, `SELECT
		id, hostname, port, protocol, os_type, username, password_encrypted,
		ssh_key_encrypted, api_token_encrypted, sudo_password_encrypted, credential_profile_id
	FROM server_credentials WHERE id = ?`, id).Scan(
		&c.ID, &c.Hostname, &c.Port, &c.Protocol, &c.OSType, &c.Username,
		&c.PasswordEncrypted, &c.SSHKeyEncrypted, &c.APITokenEncrypted,
		&c.SudoPasswordEncrypted, &c.CredentialProfileID,
	)
	return c, err
}

// GetServerCredentialByHostname resolves a target by its hostname, for
// alert labels that name a host rather than a server id.
func (s *Store) GetServerCredentialByHostname(ctx context.Context, hostname string) (model.ServerCredential, error) {
	var c model.ServerCredential
	err := s.db.QueryRowContext(ctx, `SELECT
		id, hostname, port, protocol, os_type, username, password_encrypted,
		ssh_key_encrypted, api_token_encrypted, sudo_password_encrypted, credential_profile_id
	FROM server_credentials WHERE hostname = ? LIMIT 1`, hostname).Scan(
		&c.ID, &c.Hostname, &c.Port, &c.Protocol, &c.OSType, &c.Username,
		&c.PasswordEncrypted, &c.SSHKeyEncrypted, &c.APITokenEncrypted,
		&c.SudoPasswordEncrypted, &c.CredentialProfileID,
	)
	return c, err
}

// InsertServerCredential stores a new target connection profile.
func (s *Store) InsertServerCredential(ctx context.Context, c model.ServerCredential) (model.ServerCredential, error) {
	if c.ID == "" {
		c.ID = randomID("server")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO server_credentials (
		id, hostname, port, protocol, os_type, username, password_encrypted,
		ssh_key_encrypted, api_token_encrypted, sudo_password_encrypted, credential_profile_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Hostname, c.Port, c.Protocol, c.OSType, c.Username, c.PasswordEncrypted,
		c.SSHKeyEncrypted, c.APITokenEncrypted, c.SudoPasswordEncrypted, c.CredentialProfileID,
	)
	if err != nil {
		return model.ServerCredential{}, err
	}
	return c, nil
}

// GetCredentialProfile returns a named shared credential profile.
func (s *Store) GetCredentialProfile(ctx context.Context, id string) (model.CredentialProfile, error) {
	var p model.CredentialProfile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, secret_encrypted FROM credential_profiles WHERE id = ?`, id,
	).Scan(&p.ID, &p.Username, &p.SecretEncrypted)
	return p, err
}

// InsertCredentialProfile stores a new shared credential profile.
func (s *Store) InsertCredentialProfile(ctx context.Context, p model.CredentialProfile) (model.CredentialProfile, error) {
	if p.ID == "" {
		p.ID = randomID("profile")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credential_profiles (id, username, secret_encrypted) VALUES (?, ?, ?)`,
		p.ID, p.Username, p.SecretEncrypted,
	)
	if err != nil {
		return model.CredentialProfile{}, err
	}
	return p, nil
}
