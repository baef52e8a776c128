package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "sealtalk"
	// DataDirEnv overrides the resolved application data directory.
	DataDirEnv = "SEALTALK_DATA_DIR"
	// DefaultMaxAttachmentSize caps attachments accepted by SendMessage (30 MB).
	DefaultMaxAttachmentSize int64 = 30 * 1024 * 1024
	// DefaultUploadChunkRate is the upload chunk rate per second; 0 means unlimited.
	DefaultUploadChunkRate = 0
	// DefaultSecurityEventRetentionDays bounds the local security log.
	DefaultSecurityEventRetentionDays = 90
	// settingsFileName is the persisted settings file.
	settingsFileName = "settings.json"
	// credentialsFileName holds per-user credential records.
	credentialsFileName = "credentials.json"
)

// Settings contains persistent client-wide settings.
type Settings struct {
	LastUsername      string      `json:"last_username"`
	Environment       Environment `json:"environment"`
	MaxAttachmentSize int64       `json:"max_attachment_size"`
	DownloadDir       string      `json:"download_dir"`
	AttachmentsDir    string      `json:"attachments_dir"`
	ThumbnailsDir     string      `json:"thumbnails_dir"`
	UploadChunkRate   int         `json:"upload_chunk_rate"`
	// SecurityEventRetentionDays prunes older security events.
	SecurityEventRetentionDays int `json:"security_event_retention_days"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SEALTALK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// SettingsPath returns the full path to settings.json for a data directory.
func SettingsPath(dataDir string) string {
	return filepath.Join(dataDir, settingsFileName)
}

// CredentialsPath returns the credential store file for a data directory.
func CredentialsPath(dataDir string) string {
	return filepath.Join(dataDir, credentialsFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "data"),
		filepath.Join(dataDir, "attachments"),
		filepath.Join(dataDir, "downloads"),
		filepath.Join(dataDir, "thumbnails"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals settings.json from disk.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	return &settings, nil
}

// Save marshals and writes settings.json to disk.
func Save(path string, settings *Settings) error {
	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and settings exist, then returns both.
func LoadOrCreate() (*Settings, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	path := SettingsPath(dataDir)
	settings, err := Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		settings = defaultSettings(dataDir)
		if err := Save(path, settings); err != nil {
			return nil, "", err
		}
		return settings, path, nil
	}

	if normalizeDefaults(settings, dataDir) {
		if err := Save(path, settings); err != nil {
			return nil, "", err
		}
	}

	return settings, path, nil
}

func defaultSettings(dataDir string) *Settings {
	return &Settings{
		Environment:       EnvProd,
		MaxAttachmentSize: DefaultMaxAttachmentSize,
		DownloadDir:       filepath.Join(dataDir, "downloads"),
		AttachmentsDir:    filepath.Join(dataDir, "attachments"),
		ThumbnailsDir:     filepath.Join(dataDir, "thumbnails"),
		UploadChunkRate:   DefaultUploadChunkRate,

		SecurityEventRetentionDays: DefaultSecurityEventRetentionDays,
	}
}

func normalizeDefaults(settings *Settings, dataDir string) bool {
	updated := false
	defaults := defaultSettings(dataDir)

	env, err := ParseEnvironment(string(settings.Environment))
	if err != nil {
		env = defaults.Environment
	}
	if settings.Environment != env {
		settings.Environment = env
		updated = true
	}
	if settings.MaxAttachmentSize <= 0 {
		settings.MaxAttachmentSize = defaults.MaxAttachmentSize
		updated = true
	}
	if strings.TrimSpace(settings.DownloadDir) == "" {
		settings.DownloadDir = defaults.DownloadDir
		updated = true
	}
	if strings.TrimSpace(settings.AttachmentsDir) == "" {
		settings.AttachmentsDir = defaults.AttachmentsDir
		updated = true
	}
	if strings.TrimSpace(settings.ThumbnailsDir) == "" {
		settings.ThumbnailsDir = defaults.ThumbnailsDir
		updated = true
	}
	if settings.UploadChunkRate < 0 {
		settings.UploadChunkRate = 0
		updated = true
	}
	if settings.SecurityEventRetentionDays <= 0 {
		settings.SecurityEventRetentionDays = defaults.SecurityEventRetentionDays
		updated = true
	}

	return updated
}
