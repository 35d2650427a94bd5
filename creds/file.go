package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// FileStore persists the credential as a small JSON document, the same record
// the authorize flow writes. A missing file means no credential yet.
type FileStore struct {
	Path string
}

func (s *FileStore) Load(_ context.Context) (Credential, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Credential{}, nil
	}
	if err != nil {
		return Credential{}, fmt.Errorf("read tokens file: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(b, &cred); err != nil {
		return Credential{}, fmt.Errorf("parse tokens file %s: %w", s.Path, err)
	}
	return cred, nil
}

func (s *FileStore) Save(_ context.Context, cred Credential) error {
	b, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tokens file: %w", err)
	}
	if err := os.WriteFile(s.Path, append(b, '\n'), 0o600); err != nil {
		return fmt.Errorf("write tokens file: %w", err)
	}
	return nil
}
