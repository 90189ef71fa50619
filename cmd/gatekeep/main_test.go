package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/gatekeep/internal/config"
	"github.com/dgellow/gatekeep/internal/role"
)

func TestGenerateDefaultConfig_Loads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, generateDefaultConfig(path))

	t.Setenv("TWITCH_CLIENT_ID", "client")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	t.Setenv("SESSION_SIGNING_SECRET", strings.Repeat("s", 32))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "client", cfg.Provider.ClientID)
	assert.Equal(t, config.StorageSQLite, cfg.Storage.Kind)
	assert.Equal(t, "/callback", cfg.CallbackPath())

	assert.NoError(t, validateConfig(path))
}

func TestParseSetRole(t *testing.T) {
	tests := []struct {
		arg     string
		id      string
		role    role.Role
		wantErr bool
	}{
		{arg: "12345=admin", id: "12345", role: role.Admin},
		{arg: "12345=user", id: "12345", role: role.User},
		{arg: "12345", wantErr: true},
		{arg: "=admin", wantErr: true},
		{arg: "12345=", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			id, r, err := parseSetRole(tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.role, r)
		})
	}
}
