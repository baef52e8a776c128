package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"sealtalk/config"
	"sealtalk/credentials"
	"sealtalk/crypto"
	"sealtalk/discovery"
	"sealtalk/engine"
	"sealtalk/network"
	"sealtalk/storage"
	"sealtalk/transfer"
)

// client is one fully wired messaging stack.
type client struct {
	engine       *engine.Engine
	settings     *config.Settings
	settingsPath string

	store     *storage.Store
	transport *network.Session
	transfers *transfer.Manager
}

// initClient opens the data directory and wires every component into an
// engine. Failures here are fatal for the CLI.
func initClient() *client {
	logger := logrus.StandardLogger()

	settings, settingsPath, err := config.LoadOrCreate()
	if err != nil {
		logrus.Fatalf("Failed to load settings: %+v", err)
	}
	dataDir := filepath.Dir(settingsPath)

	store, dbPath, err := storage.Open(filepath.Join(dataDir, "data"))
	if err != nil {
		logrus.Fatalf("Failed to open message database: %+v", err)
	}
	store.SetSecurityEventRetention(time.Duration(settings.SecurityEventRetentionDays) * 24 * time.Hour)
	logrus.WithFields(logrus.Fields{
		"function": "initClient",
		"database": dbPath,
	}).Debug("message database opened")

	creds, err := credentials.Open(config.CredentialsPath(dataDir))
	if err != nil {
		logrus.Fatalf("Failed to open credential store: %+v", err)
	}

	provider := crypto.NewProvider(crypto.ProviderOptions{Logger: logger})
	transport := network.NewSession(network.SessionOptions{Logger: logger})
	transfers := transfer.NewManager(transfer.Options{
		Slots:     transport,
		ChunkRate: settings.UploadChunkRate,
		Logger:    logger,
	})

	eng, err := engine.New(engine.Options{
		Crypto:            provider,
		Transport:         transport,
		Transfers:         transfers,
		Store:             store,
		Credentials:       creds,
		AttachmentsDir:    settings.AttachmentsDir,
		DownloadsDir:      settings.DownloadDir,
		ThumbnailsDir:     settings.ThumbnailsDir,
		MaxAttachmentSize: settings.MaxAttachmentSize,
		Endpoints:         resolveEndpoints(viper.GetBool(discoverFlag)),
		Logger:            logger,
	})
	if err != nil {
		logrus.Fatalf("Failed to start engine: %+v", err)
	}

	return &client{
		engine:       eng,
		settings:     settings,
		settingsPath: settingsPath,
		store:        store,
		transport:    transport,
		transfers:    transfers,
	}
}

// Close signs out and releases every component in reverse wiring order.
func (c *client) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c.engine.Session() != nil {
		if err := c.engine.SignOut(ctx); err != nil {
			logrus.WithError(err).Warn("sign out failed")
		}
	}
	_ = c.engine.Close()
	_ = c.transfers.Close()
	_ = c.transport.Close()
	_ = c.store.Close()
}

// username returns the --user flag or the last signed-in user.
func (c *client) username() string {
	if user := viper.GetString(userFlag); user != "" {
		return user
	}
	return c.settings.LastUsername
}

// rememberUser stores username as the default for later invocations.
func (c *client) rememberUser(username string) {
	if c.settings.LastUsername == username {
		return
	}
	c.settings.LastUsername = username
	if err := config.Save(c.settingsPath, c.settings); err != nil {
		logrus.WithError(err).Warn("failed to save settings")
	}
}

// signIn signs the default user in with stored credentials.
func (c *client) signIn(ctx context.Context) {
	username := c.username()
	if username == "" {
		logrus.Fatalf("No user given: pass --%s or sign up first", userFlag)
	}
	if err := c.engine.SignIn(ctx, username); err != nil {
		if errors.Is(err, engine.ErrNoCredentials) {
			logrus.Fatalf("No stored credentials for %q: run signup or signin --%s", username, passwordFlag)
		}
		logrus.Fatalf("Sign in failed: %+v", err)
	}
	c.rememberUser(username)
	logrus.WithFields(logrus.Fields{
		"function": "signIn",
		"username": username,
	}).Info("signed in")
}

// resolveEndpoints returns the engine's endpoint lookup. With discover set,
// the dev environment is pointed at a relay found over mDNS.
func resolveEndpoints(discover bool) engine.EndpointsFunc {
	return func(env config.Environment) (config.Endpoints, error) {
		endpoints, err := config.EndpointsFor(env)
		if err != nil || !discover || env != config.EnvDev {
			return endpoints, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), discovery.DefaultScanTimeout+time.Second)
		defer cancel()
		relays, err := discovery.Lookup(ctx, discovery.Config{Logger: logrus.StandardLogger()})
		if err != nil {
			return config.Endpoints{}, fmt.Errorf("discover relay: %w", err)
		}
		for _, relay := range relays {
			if relay.Environment != "" && relay.Environment != string(env) {
				continue
			}
			checkRelayCA(relay, endpoints.CABundle)
			logrus.WithFields(logrus.Fields{
				"function": "resolveEndpoints",
				"relay":    relay.Instance,
				"port":     relay.Port,
			}).Info("using discovered relay")
			return relay.Apply(endpoints), nil
		}
		logrus.Warn("no relay discovered, using configured endpoints")
		return endpoints, nil
	}
}

// checkRelayCA warns when the announced CA does not match the configured bundle.
func checkRelayCA(relay discovery.DiscoveredRelay, caBundle string) {
	if relay.CAFingerprint == "" || caBundle == "" {
		return
	}
	fingerprint, err := caFingerprint(caBundle)
	if err != nil {
		logrus.WithError(err).Warn("cannot fingerprint CA bundle")
		return
	}
	if fingerprint != relay.CAFingerprint {
		logrus.WithFields(logrus.Fields{
			"function":  "checkRelayCA",
			"relay":     relay.Instance,
			"announced": relay.CAFingerprint,
			"bundle":    fingerprint,
		}).Warn("relay announces a different CA than the configured bundle")
	}
}

// commandContext bounds one CLI operation.
func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), viper.GetDuration(timeoutFlag))
}
