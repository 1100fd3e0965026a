package entity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "entity-mirror.io/entity/internal/pkg/errors"
)

func TestRegistryRegisterValidation(t *testing.T) {
	r := NewRegistry()
	src := newMemorySource()

	tests := []struct {
		name     string
		typeName string
		cfg      Config
		src      Source
	}{
		{"empty type name", "", accountConfig{}, src},
		{"nil config", "account", nil, src},
		{"nil source", "account", accountConfig{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.typeName, tt.cfg, tt.src)
			require.Error(t, err)
			appErr, ok := apperrors.IsAppError(err)
			require.True(t, ok)
			assert.Equal(t, "INVALID_CONFIG", appErr.Code)
		})
	}
}

func TestRegistryRegisterIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("account", accountConfig{}, newMemorySource()))
	require.NoError(t, r.Register("account", accountConfig{}, newMemorySource()))
	assert.Equal(t, []string{"account"}, r.TypeNames())
}

func TestRegistryTypeNamesSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("team", teamConfig{}, newMemorySource()))
	require.NoError(t, r.Register("account", accountConfig{}, newMemorySource()))
	assert.Equal(t, []string{"account", "team"}, r.TypeNames())
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.lookup("ghost")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "ENTITY_NOT_REGISTERED", appErr.Code)
}

func TestRegistryWatchers(t *testing.T) {
	r := NewRegistry()

	require.Error(t, r.RegisterWatcher("", func(context.Context, int64) ([]Ref, error) { return nil, nil }))
	require.Error(t, r.RegisterWatcher("profile", nil))

	require.NoError(t, r.RegisterWatcher("profile", func(context.Context, int64) ([]Ref, error) {
		return []Ref{{Type: "account", ID: 1}}, nil
	}))
	require.NoError(t, r.RegisterWatcher("profile", func(context.Context, int64) ([]Ref, error) {
		return []Ref{{Type: "account", ID: 2}}, nil
	}))

	assert.Len(t, r.WatchersOf("profile"), 2)
	assert.Empty(t, r.WatchersOf("account"))
}

func TestBaseConfigDefaults(t *testing.T) {
	var cfg BaseConfig

	meta, err := cfg.Meta(&account{id: 1})
	require.NoError(t, err)
	assert.Nil(t, meta)

	assert.True(t, cfg.IsActive(&account{id: 1}))

	supers, err := cfg.SuperEntities(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Nil(t, supers)
}
