// Package credentials verifies primary credentials against bcrypt hashes.
//
// The verifier fronts a static user set supplied at construction; password
// policy and user management live with whoever produces the entries.
package credentials

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/louisbranch/signet/internal/platform/errors"
)

// Entry couples a username with its user id and password hash.
type Entry struct {
	Username     string
	UserID       string
	PasswordHash string
}

// Verifier checks credentials against a fixed set of entries.
type Verifier struct {
	entries map[string]Entry
}

// NewVerifier builds a Verifier from entries. Usernames must be unique.
func NewVerifier(entries []Entry) (*Verifier, error) {
	byName := make(map[string]Entry, len(entries))
	for _, entry := range entries {
		username := strings.TrimSpace(entry.Username)
		if username == "" {
			return nil, fmt.Errorf("username is required")
		}
		if strings.TrimSpace(entry.UserID) == "" {
			return nil, fmt.Errorf("user id is required for %q", username)
		}
		if strings.TrimSpace(entry.PasswordHash) == "" {
			return nil, fmt.Errorf("password hash is required for %q", username)
		}
		if _, exists := byName[username]; exists {
			return nil, fmt.Errorf("duplicate username %q", username)
		}
		entry.Username = username
		byName[username] = entry
	}
	return &Verifier{entries: byName}, nil
}

// ParseEntries parses "username:userid:bcrypt-hash" records separated by
// commas. Bcrypt hashes contain no colons, so the first two colons split
// the record.
func ParseEntries(raw string) ([]Entry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var entries []Entry
	for _, record := range strings.Split(raw, ",") {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		parts := strings.SplitN(record, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed user record %q", record)
		}
		entries = append(entries, Entry{
			Username:     parts[0],
			UserID:       parts[1],
			PasswordHash: parts[2],
		})
	}
	return entries, nil
}

// Verify checks username and password and returns the matching user id.
func (v *Verifier) Verify(ctx context.Context, username, password string) (string, error) {
	if v == nil {
		return "", fmt.Errorf("credential verifier is not configured")
	}

	entry, ok := v.entries[strings.TrimSpace(username)]
	if !ok {
		// Unknown usernames cost a comparison too.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(password))
		return "", apperrors.New(apperrors.CodeInvalidCredentials, "invalid username or password")
	}
	if bcrypt.CompareHashAndPassword([]byte(entry.PasswordHash), []byte(password)) != nil {
		return "", apperrors.New(apperrors.CodeInvalidCredentials, "invalid username or password")
	}
	return entry.UserID, nil
}
