package portstest

import (
	"context"
	"sync"

	"github.com/melih/inga-supervisor/internal/core/domain"
)

// SettingsStore keeps settings in memory.
type SettingsStore struct {
	mu       sync.Mutex
	settings map[string]domain.Settings
}

func NewSettingsStore() *SettingsStore {
	return &SettingsStore{settings: make(map[string]domain.Settings)}
}

func (s *SettingsStore) Load(_ context.Context, workspace string) (domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[workspace], nil
}

func (s *SettingsStore) update(workspace string, fn func(*domain.Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.settings[workspace]
	fn(&cur)
	s.settings[workspace] = cur
	return nil
}

func (s *SettingsStore) SaveUserParameters(_ context.Context, workspace string, params domain.EngineParameters) error {
	return s.update(workspace, func(st *domain.Settings) { st.UserParameters = params.Clone() })
}

func (s *SettingsStore) SaveUIUserParameters(_ context.Context, workspace string, params domain.UIParameters) error {
	return s.update(workspace, func(st *domain.Settings) { st.UIUserParameters = params })
}

func (s *SettingsStore) SaveApplied(_ context.Context, workspace string, params *domain.EngineParameters) error {
	return s.update(workspace, func(st *domain.Settings) {
		if params == nil {
			st.AppliedParameters = nil
			return
		}
		c := params.Clone()
		st.AppliedParameters = &c
	})
}

func (s *SettingsStore) SaveUIApplied(_ context.Context, workspace string, params *domain.UIParameters) error {
	return s.update(workspace, func(st *domain.Settings) {
		if params == nil {
			st.UIAppliedParameters = nil
			return
		}
		c := *params
		st.UIAppliedParameters = &c
	})
}

func (s *SettingsStore) Close() error { return nil }
