package network

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testDomain = "sealtalk.test"

// newTestTLS returns a server config with a self-signed certificate for
// 127.0.0.1 and a client config trusting it.
func newTestTLS(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "sealtalk test relay"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	server := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}},
		MinVersion:   tls.VersionTLS12,
	}
	client := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	return server, client
}

type testRelay struct {
	*Relay
	clientTLS *tls.Config
}

func startTestRelay(t *testing.T, options RelayOptions) *testRelay {
	t.Helper()

	serverTLS, clientTLS := newTestTLS(t)
	options.TLSConfig = serverTLS
	if options.Domain == "" {
		options.Domain = testDomain
	}
	if options.Logger == nil {
		options.Logger = quietLogger()
	}

	relay, err := ListenRelay(options)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = relay.Close()
	})
	return &testRelay{Relay: relay, clientTLS: clientTLS}
}

func (r *testRelay) config(identity LocalIdentity) ConnectConfig {
	return ConnectConfig{
		Address:   r.Addr().String(),
		TLSConfig: r.clientTLS,
		Identity:  identity,
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestSession(t *testing.T, options SessionOptions) *Session {
	t.Helper()
	if options.NewBackOff == nil {
		options.NewBackOff = func() backoff.BackOff {
			return backoff.NewConstantBackOff(50 * time.Millisecond)
		}
	}
	if options.Logger == nil {
		options.Logger = quietLogger()
	}
	session := NewSession(options)
	t.Cleanup(func() {
		_ = session.Close()
	})
	return session
}

// connectedSession signs identity into relay and waits until the relay has
// registered it.
func connectedSession(t *testing.T, relay *testRelay, identity LocalIdentity) (*Session, <-chan Event) {
	t.Helper()
	session := newTestSession(t, SessionOptions{})
	events, unsubscribe := session.Subscribe()
	t.Cleanup(unsubscribe)

	require.NoError(t, session.Connect(context.Background(), relay.config(identity), true))
	require.Eventually(t, func() bool { return relay.Online(identity.JID) }, 2*time.Second, 10*time.Millisecond)
	return session, events
}

func waitForEvent(t *testing.T, events <-chan Event, eventType EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event := <-events:
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %d", eventType)
			return Event{}
		}
	}
}

// blockingDial blocks until ctx ends or release is closed, counting calls.
type blockingDial struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newBlockingDial() *blockingDial {
	return &blockingDial{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (d *blockingDial) dial(ctx context.Context, _ string, _ DialOptions) (*Conn, AuthResult, error) {
	d.calls.Add(1)
	d.entered <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, AuthResult{}, ctx.Err()
	case <-d.release:
		return nil, AuthResult{}, newError(KindNotConnected, "dial", net.ErrClosed)
	}
}

// pipeDial hands out in-memory connections. The far end of the first one
// waits readDelay before draining, which stalls a graceful teardown.
type pipeDial struct {
	calls     atomic.Int32
	readDelay time.Duration
}

func (d *pipeDial) dial(_ context.Context, _ string, options DialOptions) (*Conn, AuthResult, error) {
	delay := time.Duration(0)
	if d.calls.Add(1) == 1 {
		delay = d.readDelay
	}
	client, server := net.Pipe()
	go func() {
		time.Sleep(delay)
		_, _ = io.Copy(io.Discard, server)
		_ = server.Close()
	}()
	conn := newConn(client, ConnOptions{JID: options.Identity.JID})
	return conn, AuthResult{OK: true}, nil
}
