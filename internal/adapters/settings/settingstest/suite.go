// Package settingstest holds the behaviour every ports.SettingsStore must share.
package settingstest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/inga-supervisor/internal/core/domain"
	"github.com/melih/inga-supervisor/internal/core/ports"
)

// Run exercises a store created by open. open is called once per subtest.
func Run(t *testing.T, open func(t *testing.T) ports.SettingsStore) {
	ctx := context.Background()

	t.Run("unknown workspace loads zero settings", func(t *testing.T) {
		s := open(t)
		st, err := s.Load(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, st.AppliedParameters)
		assert.Nil(t, st.UIAppliedParameters)
		assert.Zero(t, st.UIUserParameters.Port)
		assert.False(t, st.EngineCurrent())
	})

	t.Run("user parameters round trip", func(t *testing.T) {
		s := open(t)
		params := domain.EngineParameters{
			BaseBranch:         "main",
			IncludePathPattern: "src/**",
			AdditionalMounts:   map[string]string{"/home/me/lib": "/lib"},
		}
		require.NoError(t, s.SaveUserParameters(ctx, "proj1", params))
		require.NoError(t, s.SaveUIUserParameters(ctx, "proj1", domain.UIParameters{Port: 41234}))

		st, err := s.Load(ctx, "proj1")
		require.NoError(t, err)
		assert.True(t, params.Equal(st.UserParameters))
		assert.Equal(t, 41234, st.UIUserParameters.Port)
	})

	t.Run("applied snapshots are set and cleared", func(t *testing.T) {
		s := open(t)
		params := domain.EngineParameters{BaseBranch: "main"}
		require.NoError(t, s.SaveUserParameters(ctx, "proj1", params))
		require.NoError(t, s.SaveApplied(ctx, "proj1", &params))

		st, err := s.Load(ctx, "proj1")
		require.NoError(t, err)
		require.NotNil(t, st.AppliedParameters)
		assert.True(t, st.EngineCurrent())

		require.NoError(t, s.SaveApplied(ctx, "proj1", nil))
		st, err = s.Load(ctx, "proj1")
		require.NoError(t, err)
		assert.Nil(t, st.AppliedParameters)
		assert.Equal(t, "main", st.UserParameters.BaseBranch)
	})

	t.Run("engine and ui writes are disjoint", func(t *testing.T) {
		s := open(t)
		engine := domain.EngineParameters{BaseBranch: "develop"}
		ui := domain.UIParameters{Port: 5000}

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.SaveApplied(ctx, "proj1", &engine))
			}()
			go func() {
				defer wg.Done()
				assert.NoError(t, s.SaveUIApplied(ctx, "proj1", &ui))
			}()
		}
		wg.Wait()

		st, err := s.Load(ctx, "proj1")
		require.NoError(t, err)
		require.NotNil(t, st.AppliedParameters)
		require.NotNil(t, st.UIAppliedParameters)
		assert.Equal(t, "develop", st.AppliedParameters.BaseBranch)
		assert.Equal(t, 5000, st.UIAppliedParameters.Port)
	})

	t.Run("workspaces are isolated", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.SaveUserParameters(ctx, "a", domain.EngineParameters{BaseBranch: "a"}))
		require.NoError(t, s.SaveUserParameters(ctx, "b", domain.EngineParameters{BaseBranch: "b"}))

		st, err := s.Load(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "a", st.UserParameters.BaseBranch)
		st, err = s.Load(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, "b", st.UserParameters.BaseBranch)
	})
}
