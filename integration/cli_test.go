package integration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIConfigInitGeneratesValidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "generated-config.json")

	output, err := runCLI(t, nil, "-config-init", configPath)
	t.Logf("config-init output: %s", output)
	require.NoError(t, err)
	assert.Contains(t, output, "Generated default config at:")

	fi, err := os.Stat(configPath)
	require.NoError(t, err)
	require.Greater(t, fi.Size(), int64(0))

	output, err = runCLI(t, nil, "-config", configPath, "-validate")
	t.Logf("validate output: %s", output)
	require.NoError(t, err)
	assert.Contains(t, output, "Result: PASS")
}

func TestCLIValidateRejectsInlineSecrets(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{
		"version": "v1",
		"provider": {"clientId": "id", "clientSecret": "plaintext", "redirectUri": "http://localhost/callback"},
		"session": {"signingSecret": {"$env": "SIGNING_SECRET"}}
	}`), 0644))

	output, err := runCLI(t, nil, "-config", configPath, "-validate")
	assert.Error(t, err)
	assert.Contains(t, output, "provider.clientSecret")
	assert.Contains(t, output, "Result: FAIL")
}

func TestCLIStartupFailsFastWithoutCredentials(t *testing.T) {
	output, err := runCLI(t, []string{"GATEKEEP_TWITCH_CLIENT_ID=", "GATEKEEP_SESSION_SIGNING_SECRET="})
	assert.Error(t, err)
	assert.Contains(t, output, "Failed to load config")
}

func TestCLISetRoleRequiresKnownProfile(t *testing.T) {
	inst := startGatekeep(t)

	output, err := runCLI(t, inst.env, "-set-role", "99999=admin")
	assert.Error(t, err, output)

	output, err = runCLI(t, inst.env, "-set-role", "99999")
	assert.Error(t, err)
	assert.Contains(t, output, "expected <provider-id>=<role>")
}

func TestCLIVersion(t *testing.T) {
	output, err := runCLI(t, nil, "-version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", output)
}
