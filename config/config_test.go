package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCreatesAndReloadsSettings(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	first, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if first.Environment != EnvProd {
		t.Fatalf("expected default environment %q, got %q", EnvProd, first.Environment)
	}
	if first.MaxAttachmentSize != DefaultMaxAttachmentSize {
		t.Fatalf("expected default attachment cap, got %d", first.MaxAttachmentSize)
	}

	expectedPath := filepath.Join(tempDir, "settings.json")
	if firstPath != expectedPath {
		t.Fatalf("expected settings path %q, got %q", expectedPath, firstPath)
	}

	first.LastUsername = "alice@dev"
	if err := Save(firstPath, first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	second, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected stable settings path, got %q then %q", firstPath, secondPath)
	}
	if second.LastUsername != "alice@dev" {
		t.Fatalf("expected last username to persist, got %q", second.LastUsername)
	}

	for _, dir := range []string{"attachments", "downloads", "thumbnails"} {
		if _, err := os.Stat(filepath.Join(tempDir, dir)); err != nil {
			t.Fatalf("expected %s directory: %v", dir, err)
		}
	}
}

func TestLoadOrCreateNormalizesInvalidValues(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)
	require.NoError(t, EnsureDataDirectories(tempDir))

	require.NoError(t, Save(SettingsPath(tempDir), &Settings{
		Environment:       "moon",
		MaxAttachmentSize: -1,
		UploadChunkRate:   -5,
	}))

	settings, _, err := LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, EnvProd, settings.Environment)
	assert.Equal(t, DefaultMaxAttachmentSize, settings.MaxAttachmentSize)
	assert.Equal(t, 0, settings.UploadChunkRate)
	assert.Equal(t, DefaultSecurityEventRetentionDays, settings.SecurityEventRetentionDays)
	assert.Equal(t, filepath.Join(tempDir, "downloads"), settings.DownloadDir)
}

func TestSplitUsername(t *testing.T) {
	cases := []struct {
		in   string
		name string
		env  Environment
	}{
		{"alice@dev", "alice", EnvDev},
		{"bob@stg", "bob", EnvStaging},
		{"carol", "carol", EnvProd},
		{"dave@prod", "dave", EnvProd},
	}
	for _, tc := range cases {
		name, env := SplitUsername(tc.in)
		assert.Equal(t, tc.name, name, tc.in)
		assert.Equal(t, tc.env, env, tc.in)
	}
}

func TestEndpointsForAppliesOverrides(t *testing.T) {
	t.Setenv("SEALTALK_DEV_XMPP_HOST", "relay.lan")
	t.Setenv("SEALTALK_DEV_XMPP_PORT", "15222")
	t.Setenv("SEALTALK_DEV_CA_BUNDLE", "/etc/ca.pem")

	endpoints, err := EndpointsFor(EnvDev)
	require.NoError(t, err)
	assert.Equal(t, "relay.lan", endpoints.XMPPHost)
	assert.Equal(t, 15222, endpoints.XMPPPort)
	assert.Equal(t, "/etc/ca.pem", endpoints.CABundle)
	assert.Equal(t, "relay.lan:15222", endpoints.XMPPAddress())

	prod, err := EndpointsFor(EnvProd)
	require.NoError(t, err)
	assert.Equal(t, "xmpp.sealtalk.io", prod.XMPPHost)
}

func TestEndpointsForRejectsBadPort(t *testing.T) {
	t.Setenv("SEALTALK_STG_XMPP_PORT", "not-a-port")
	_, err := EndpointsFor(EnvStaging)
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SEALTALK_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("SEALTALK_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("SEALTALK_TEST_DOTENV"))
}
