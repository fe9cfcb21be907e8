package ports

import (
	"context"

	"github.com/melih/inga-supervisor/internal/core/domain"
)

// SettingsStore persists the workspace-scoped parameters and snapshots.
// Writes to the engine and UI fields are disjoint and may happen concurrently.
type SettingsStore interface {
	Load(ctx context.Context, workspace string) (domain.Settings, error)
	SaveUserParameters(ctx context.Context, workspace string, params domain.EngineParameters) error
	SaveUIUserParameters(ctx context.Context, workspace string, params domain.UIParameters) error
	// SaveApplied records the engine snapshot; nil clears it.
	SaveApplied(ctx context.Context, workspace string, params *domain.EngineParameters) error
	// SaveUIApplied records the UI snapshot; nil clears it.
	SaveUIApplied(ctx context.Context, workspace string, params *domain.UIParameters) error
	Close() error
}
