package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// credentialFile is the on-disk JSON layout of a single credential.
// "access_token" is accepted as an alias for "token" for compatibility with
// credential files exported by OAuth tooling.
type credentialFile struct {
	Token        string `json:"token,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	Disabled     bool   `json:"disabled,omitempty"`
	BanReason    string `json:"ban_reason,omitempty"`
}

// FileStore keeps one JSON file per credential in a directory. The file
// name (without extension) is the credential ID.
type FileStore struct {
	dir       string
	refresher *TokenRefresher
}

// NewFileStore creates a FileStore over dir. refresher may be nil when the
// credentials are static API keys; RefreshSecret then always fails with
// ErrNotRefreshable.
func NewFileStore(dir string, refresher *TokenRefresher) (*FileStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("credential: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("credential: %s is not a directory", dir)
	}
	return &FileStore{dir: dir, refresher: refresher}, nil
}

// Load reads every *.json file in the directory. Unreadable or malformed
// files are skipped with an error only when nothing at all could be loaded.
func (s *FileStore) Load(_ context.Context) ([]Credential, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("credential: read dir %s: %w", s.dir, err)
	}

	var creds []Credential
	var lastErr error

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}

		var cf credentialFile
		if err := json.Unmarshal(data, &cf); err != nil {
			lastErr = fmt.Errorf("parse %s: %w", e.Name(), err)
			continue
		}

		token := cf.Token
		if token == "" {
			token = cf.AccessToken
		}

		status := StatusActive
		if cf.Disabled {
			status = StatusBanned
		}

		creds = append(creds, Credential{
			ID:           strings.TrimSuffix(e.Name(), ".json"),
			Token:        token,
			RefreshToken: cf.RefreshToken,
			ProjectID:    cf.ProjectID,
			Status:       status,
			BanReason:    cf.BanReason,
		})
	}

	if len(creds) == 0 && lastErr != nil {
		return nil, fmt.Errorf("credential: no loadable credentials in %s: %w", s.dir, lastErr)
	}

	return creds, nil
}

// Persist writes the credential back via a temp file + rename so a crashed
// write never leaves a truncated credential file behind.
func (s *FileStore) Persist(_ context.Context, cred Credential) error {
	cf := credentialFile{
		Token:        cred.Token,
		RefreshToken: cred.RefreshToken,
		ProjectID:    cred.ProjectID,
		Disabled:     cred.Status == StatusBanned,
		BanReason:    cred.BanReason,
	}

	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("credential: marshal %s: %w", cred.ID, err)
	}

	path := filepath.Join(s.dir, cred.ID+".json")
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("credential: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("credential: rename %s: %w", path, err)
	}

	return nil
}

// RefreshSecret delegates to the configured TokenRefresher.
func (s *FileStore) RefreshSecret(ctx context.Context, cred Credential) (string, error) {
	if s.refresher == nil {
		return "", ErrNotRefreshable
	}
	return s.refresher.Refresh(ctx, cred)
}
