// Package credentials loads the coordinator's credential file: one
// "username secret" pair per line, read once at startup and immutable for
// the process lifetime. A secret is either a plaintext password or a bcrypt
// hash (recognized by its $2a$/$2b$/$2y$ prefix).
package credentials

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Store holds the loaded credential records.
type Store struct {
	secrets map[string]string
}

// Load reads the credentials file. A missing or unparsable file is fatal to
// coordinator startup, so errors here are returned rather than logged.
func Load(path string) (*Store, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open credentials file: %w", err)
	}
	defer file.Close()

	secrets := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 || parts[0] == "" || strings.TrimSpace(parts[1]) == "" {
			return nil, fmt.Errorf("credentials file %s: malformed line %d", path, lineNo)
		}
		secrets[parts[0]] = strings.TrimRight(parts[1], " \t")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	return &Store{secrets: secrets}, nil
}

// Has reports whether a username is known.
func (s *Store) Has(username string) bool {
	_, ok := s.secrets[username]
	return ok
}

// Verify reports whether password matches the stored secret for username.
// Unknown usernames never verify.
func (s *Store) Verify(username, password string) bool {
	secret, ok := s.secrets[username]
	if !ok {
		return false
	}
	if isBcryptHash(secret) {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)) == nil
	}
	return secret == password
}

// Usernames returns the known usernames in sorted order.
func (s *Store) Usernames() []string {
	names := make([]string, 0, len(s.secrets))
	for name := range s.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Len() int {
	return len(s.secrets)
}

func isBcryptHash(secret string) bool {
	return strings.HasPrefix(secret, "$2a$") ||
		strings.HasPrefix(secret, "$2b$") ||
		strings.HasPrefix(secret, "$2y$")
}
