// Package userid provides the client's stable identity: a UUID generated on
// first run and persisted to a file so later runs rejoin as the same user.
package userid

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Load returns the id stored at path, generating and persisting a new UUIDv4
// when the file does not exist. A leading "~/" in path expands to the
// user's home directory. An empty path yields a fresh, unpersisted id.
func Load(path string) (string, error) {
	if path == "" {
		return uuid.NewString(), nil
	}
	path, err := expandHome(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if err := uuid.Validate(id); err != nil {
			return "", fmt.Errorf("userid: %s holds an invalid id: %w", path, err)
		}
		return id, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("userid: read %s: %w", path, err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("userid: create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("userid: write %s: %w", path, err)
	}
	slog.Info("generated new user id", "user_id", id, "path", path)
	return id, nil
}

func expandHome(path string) (string, error) {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("userid: resolve home directory: %w", err)
	}
	return filepath.Join(home, rest), nil
}
