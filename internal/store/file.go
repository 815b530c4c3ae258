package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/cubent/usagemeter/internal/models"
)

// FileLedgers stores one JSON document per user in a directory.
type FileLedgers struct {
	dir string
}

// NewFileLedgers creates the directory if needed.
func NewFileLedgers(dir string) (*FileLedgers, error) {
	if dir == "" {
		return nil, fmt.Errorf("ledger directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	return &FileLedgers{dir: dir}, nil
}

func (f *FileLedgers) path(userID string) string {
	return filepath.Join(f.dir, url.PathEscape(userID)+".json")
}

// Load reads the user's ledger. Missing numeric fields decode as zero and
// unreadable reset markers as the zero time.
func (f *FileLedgers) Load(_ context.Context, userID string) (*models.Ledger, error) {
	data, err := os.ReadFile(f.path(userID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("ledger %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("read ledger %s: %w", userID, err)
	}

	var l models.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", userID, err)
	}
	if l.UserID == "" {
		l.UserID = userID
	}
	if l.Models == nil {
		l.Models = make(map[string]models.ModelUsage)
	}
	return &l, nil
}

// Save writes the ledger atomically via a temp file and rename.
func (f *FileLedgers) Save(_ context.Context, ledger *models.Ledger) error {
	if ledger == nil || ledger.UserID == "" {
		return fmt.Errorf("ledger user id is required")
	}
	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", ledger.UserID, err)
	}

	tmp, err := os.CreateTemp(f.dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger %s: %w", ledger.UserID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync ledger %s: %w", ledger.UserID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close ledger %s: %w", ledger.UserID, err)
	}
	if err := os.Rename(tmpName, f.path(ledger.UserID)); err != nil {
		return fmt.Errorf("rename ledger %s: %w", ledger.UserID, err)
	}
	return nil
}
