package cmd

import (
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealtalk/config"
	"sealtalk/engine"
	"sealtalk/models"
	"sealtalk/storage"
)

func TestInitLog(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)
	defer logrus.SetFormatter(&logrus.TextFormatter{})

	require.NoError(t, initLog("debug", true))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	assert.Error(t, initLog("loud", false))
}

func TestFormatMessage(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	out := formatMessage(models.Message{
		ID:        "m1",
		Timestamp: ts,
		Body:      "hi",
		Contact:   "bob",
		Author:    models.AuthorContact,
		Status:    models.StatusReceived,
	})
	assert.Contains(t, out, "<- bob m1 [✓ received] hi")

	out = formatMessage(models.Message{
		ID:      "m2",
		Contact: "bob",
		Author:  models.AuthorUser,
		Status:  models.StatusSent,
		Attachment: &models.Attachment{
			Type:        models.AttachmentFile,
			DisplayName: "report.pdf",
			BytesTotal:  2048,
			Status:      models.AttachmentLoaded,
		},
	})
	assert.Contains(t, out, "-> bob m2 [✓ sent]")
	assert.Contains(t, out, `(file "report.pdf", 2.0 KB, loaded)`)
}

func TestFormatChat(t *testing.T) {
	assert.Equal(t, "bob: - [never]", formatChat(models.ChatSummary{Contact: "bob"}))
	assert.Contains(t, formatChat(models.ChatSummary{Contact: "bob", LastMessage: "yo", UnreadCount: 2, LastTimestamp: time.Now()}),
		"bob (2 unread): yo")
}

func TestFormatEvent(t *testing.T) {
	assert.Equal(t, "signed in as alice@dev", formatEvent(engine.Event{Type: engine.EventSignedIn, Username: "alice@dev"}))
	assert.Equal(t, "message m1 is delivered",
		formatEvent(engine.Event{Type: engine.EventMessageStatusChanged, MessageID: "m1", Status: models.StatusDelivered}))
	assert.Equal(t, "connection error: boom",
		formatEvent(engine.Event{Type: engine.EventConnectionStateChanged, State: "error", Err: errors.New("boom")}))
	assert.Empty(t, formatEvent(engine.Event{Type: engine.EventAttachmentProgress, Bytes: 10, Total: 100}))
	assert.Equal(t, "attachment m1 transferred (100 B)",
		formatEvent(engine.Event{Type: engine.EventAttachmentProgress, MessageID: "m1", Bytes: 100, Total: 100}))
	assert.Empty(t, formatEvent(engine.Event{Type: engine.EventChatUpdated}))
	assert.Empty(t, formatEvent(engine.Event{Type: engine.EventMessageReceived}))
}

func TestFormatSecurityEvent(t *testing.T) {
	out := formatSecurityEvent(storage.SecurityEvent{
		Type:     storage.SecurityEventDecryptFailed,
		Contact:  "bob",
		Details:  map[string]string{"message_id": "m1", "error": "bad mac"},
		Severity: storage.SecuritySeverityWarning,
		At:       time.Now(),
	})
	assert.Contains(t, out, "warning  decrypt_failed bob error=bad mac message_id=m1")

	out = formatSecurityEvent(storage.SecurityEvent{
		Type:     storage.SecurityEventCertificateRejected,
		Severity: storage.SecuritySeverityCritical,
		At:       time.Now(),
	})
	assert.True(t, strings.HasSuffix(out, "critical certificate_rejected"), out)
}

func TestFormatSecurityCounts(t *testing.T) {
	assert.Equal(t, "no security events", formatSecurityCounts(nil))
	assert.Equal(t, "3 security events: 1 critical, 2 info", formatSecurityCounts(map[storage.SecuritySeverity]int{
		storage.SecuritySeverityInfo:     2,
		storage.SecuritySeverityCritical: 1,
	}))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "30.0 MB", formatBytes(config.DefaultMaxAttachmentSize))
	assert.Equal(t, "0 B", formatBytes(-1))
}

func TestDeliveryStatusMark(t *testing.T) {
	assert.Equal(t, "✓✓", deliveryStatusMark(models.StatusDelivered))
	assert.Equal(t, "✗", deliveryStatusMark(models.StatusFailed))
	assert.Equal(t, "…", deliveryStatusMark(models.StatusCreated))
	assert.Equal(t, "✓", deliveryStatusMark(models.StatusSent))
}

func TestDevCertificateIsTrustedAsCABundle(t *testing.T) {
	cert, caPEM, err := devCertificate([]string{"relay.test", "127.0.0.1", ""})
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"relay.test"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)

	bundle := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bundle, caPEM, 0o600))

	tlsConfig, err := config.ClientTLSConfig("relay.test", bundle)
	require.NoError(t, err)
	_, err = leaf.Verify(x509.VerifyOptions{DNSName: "relay.test", Roots: tlsConfig.RootCAs})
	assert.NoError(t, err)

	fingerprint, err := caFingerprint(bundle)
	require.NoError(t, err)
	assert.Len(t, fingerprint, 64)

	again, err := pemFingerprint(caPEM)
	require.NoError(t, err)
	assert.Equal(t, fingerprint, again)

	_, err = pemFingerprint([]byte("not pem"))
	assert.Error(t, err)
}

func TestDefaultPublicURL(t *testing.T) {
	assert.Equal(t, "http://relay.test:8089", defaultPublicURL("relay.test", ":8089"))
	assert.Equal(t, "http://relay.test:9000", defaultPublicURL("relay.test", "0.0.0.0:9000"))
	assert.Empty(t, defaultPublicURL("relay.test", "127.0.0.1:0"))
	assert.Empty(t, defaultPublicURL("relay.test", "garbage"))
}

func TestResolveEndpointsWithoutDiscovery(t *testing.T) {
	t.Setenv("SEALTALK_DEV_XMPP_HOST", "relay.test")

	endpoints, err := resolveEndpoints(false)(config.EnvDev)
	require.NoError(t, err)
	assert.Equal(t, "relay.test", endpoints.XMPPHost)
	assert.Equal(t, config.DefaultXMPPPort, endpoints.XMPPPort)
}
