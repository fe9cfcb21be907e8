package tomlfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/melih/inga-supervisor/internal/core/domain"
)

// Store keeps one TOML file per workspace under Dir. Every write is a
// read-modify-write of the whole file, serialized by mu.
type Store struct {
	Dir string
	mu  sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating settings dir: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(workspace string) string {
	return filepath.Join(s.Dir, domain.WorkspaceID(workspace)+".toml")
}

func (s *Store) Load(_ context.Context, workspace string) (domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(workspace)
}

func (s *Store) read(workspace string) (domain.Settings, error) {
	var st domain.Settings
	data, err := os.ReadFile(s.path(workspace))
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if _, err := toml.Decode(string(data), &st); err != nil {
		return domain.Settings{}, fmt.Errorf("parsing %s: %w", s.path(workspace), err)
	}
	return st, nil
}

func (s *Store) update(workspace string, fn func(*domain.Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read(workspace)
	if err != nil {
		return err
	}
	fn(&st)

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(st); err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	tmp, err := os.CreateTemp(s.Dir, ".settings-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(workspace))
}

func (s *Store) SaveUserParameters(_ context.Context, workspace string, params domain.EngineParameters) error {
	return s.update(workspace, func(st *domain.Settings) { st.UserParameters = params.Clone() })
}

func (s *Store) SaveUIUserParameters(_ context.Context, workspace string, params domain.UIParameters) error {
	return s.update(workspace, func(st *domain.Settings) { st.UIUserParameters = params })
}

func (s *Store) SaveApplied(_ context.Context, workspace string, params *domain.EngineParameters) error {
	return s.update(workspace, func(st *domain.Settings) {
		st.AppliedParameters = nil
		if params != nil {
			c := params.Clone()
			st.AppliedParameters = &c
		}
	})
}

func (s *Store) SaveUIApplied(_ context.Context, workspace string, params *domain.UIParameters) error {
	return s.update(workspace, func(st *domain.Settings) {
		st.UIAppliedParameters = nil
		if params != nil {
			c := *params
			st.UIAppliedParameters = &c
		}
	})
}

func (s *Store) Close() error { return nil }
