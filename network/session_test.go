package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoutesEnvelopeAndReceipt(t *testing.T) {
	relay := startTestRelay(t, RelayOptions{})
	alice := testIdentity(t, "alice@"+testDomain)
	bob := testIdentity(t, "bob@"+testDomain)

	aliceSession, aliceEvents := connectedSession(t, relay, alice)
	_, bobEvents := connectedSession(t, relay, bob)
	assert.Equal(t, StateConnected, aliceSession.State())
	assert.True(t, aliceSession.HasFeature(FeatureUpload))

	require.NoError(t, aliceSession.Send(Envelope{
		ID:               "m1",
		To:               bob.JID,
		Body:             "c2VhbGVk",
		ReceiptRequested: true,
	}))

	received := waitForEvent(t, bobEvents, EventMessage, 2*time.Second)
	assert.Equal(t, "m1", received.Envelope.ID)
	assert.Equal(t, alice.JID, received.Envelope.From)
	assert.Equal(t, "c2VhbGVk", received.Envelope.Body)
	assert.False(t, received.Envelope.Carbon)

	receipt := waitForEvent(t, aliceEvents, EventReceipt, 2*time.Second)
	assert.Equal(t, "m1", receipt.Receipt.ID)
	assert.Equal(t, bob.JID, receipt.Receipt.From)
}

func TestSendWhileDisconnectedFails(t *testing.T) {
	session := newTestSession(t, SessionOptions{})
	err := session.Send(Envelope{ID: "m1", To: "bob@" + testDomain})
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, session.SetPresence(true), ErrNotConnected)

	_, err = session.RequestUploadSlot(context.Background(), "a.bin", 10)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestNonForcedConnectRejectedWhileInFlight(t *testing.T) {
	dial := newBlockingDial()
	session := newTestSession(t, SessionOptions{Dial: dial.dial})
	cfg := ConnectConfig{Address: "127.0.0.1:1", Identity: testIdentity(t, "alice@"+testDomain)}

	first := make(chan error, 1)
	go func() {
		first <- session.Connect(context.Background(), cfg, true)
	}()
	<-dial.entered
	assert.Equal(t, StateConnecting, session.State())

	require.ErrorIs(t, session.Connect(context.Background(), cfg, false), ErrConnectInProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, session.Connect(ctx, cfg, true), ErrTimeout)

	close(dial.release)
	require.ErrorIs(t, <-first, ErrNotConnected)
	assert.Equal(t, int32(1), dial.calls.Load())
	assert.Equal(t, StateError, session.State())
}

func TestDisconnectCancelsConnect(t *testing.T) {
	dial := newBlockingDial()
	session := newTestSession(t, SessionOptions{Dial: dial.dial})
	events, unsubscribe := session.Subscribe()
	defer unsubscribe()

	result := make(chan error, 1)
	go func() {
		result <- session.Connect(context.Background(), ConnectConfig{
			Address:  "127.0.0.1:1",
			Identity: testIdentity(t, "alice@"+testDomain),
		}, true)
	}()
	<-dial.entered

	session.Disconnect()
	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("connect was not cancelled by disconnect")
	}
	assert.Equal(t, StateDisconnected, session.State())
	assert.False(t, session.NeedReconnection())
	waitForEvent(t, events, EventDisconnected, time.Second)

	// Idempotent.
	session.Disconnect()
	assert.Equal(t, StateDisconnected, session.State())
}

func TestDisconnectDuringStaleTeardownCancelsConnect(t *testing.T) {
	dial := &pipeDial{readDelay: 500 * time.Millisecond}
	session := newTestSession(t, SessionOptions{Dial: dial.dial})
	cfg := ConnectConfig{Address: "127.0.0.1:1", Identity: testIdentity(t, "alice@"+testDomain)}

	require.NoError(t, session.Connect(context.Background(), cfg, true))
	require.Equal(t, StateConnected, session.State())

	result := make(chan error, 1)
	go func() {
		result <- session.Connect(context.Background(), cfg, true)
	}()
	time.Sleep(100 * time.Millisecond)
	session.Disconnect()

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(3 * time.Second):
		t.Fatal("connect did not return")
	}
	assert.Equal(t, StateDisconnected, session.State())
	assert.False(t, session.NeedReconnection())
	assert.Equal(t, int32(1), dial.calls.Load())
}

func TestConnectTimesOut(t *testing.T) {
	dial := newBlockingDial()
	session := newTestSession(t, SessionOptions{Dial: dial.dial, ConnectWait: 100 * time.Millisecond})
	events, unsubscribe := session.Subscribe()
	defer unsubscribe()

	start := time.Now()
	err := session.Connect(context.Background(), ConnectConfig{
		Address:  "127.0.0.1:1",
		Identity: testIdentity(t, "alice@"+testDomain),
	}, true)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateError, session.State())

	event := waitForEvent(t, events, EventError, time.Second)
	require.ErrorIs(t, event.Err, ErrTimeout)
}

func TestUntrustedCertificateIsSSLError(t *testing.T) {
	relay := startTestRelay(t, RelayOptions{})
	session := newTestSession(t, SessionOptions{})

	cfg := relay.config(testIdentity(t, "alice@"+testDomain))
	cfg.TLSConfig = nil
	err := session.Connect(context.Background(), cfg, true)
	require.ErrorIs(t, err, ErrSSL)
	assert.Equal(t, StateError, session.State())
}

func TestReconnectsAfterConnectionLoss(t *testing.T) {
	relay := startTestRelay(t, RelayOptions{})
	identity := testIdentity(t, "alice@"+testDomain)

	var (
		mu    sync.Mutex
		conns []*Conn
	)
	session := newTestSession(t, SessionOptions{
		Dial: func(ctx context.Context, address string, options DialOptions) (*Conn, AuthResult, error) {
			conn, result, err := Dial(ctx, address, options)
			if err == nil {
				mu.Lock()
				conns = append(conns, conn)
				mu.Unlock()
			}
			return conn, result, err
		},
	})
	events, unsubscribe := session.Subscribe()
	defer unsubscribe()

	require.NoError(t, session.Connect(context.Background(), relay.config(identity), true))
	waitForEvent(t, events, EventConnected, time.Second)

	mu.Lock()
	first := conns[0]
	mu.Unlock()
	_ = first.Close()

	lost := waitForEvent(t, events, EventError, 2*time.Second)
	require.ErrorIs(t, lost.Err, ErrNotConnected)
	waitForEvent(t, events, EventConnected, 5*time.Second)
	assert.Equal(t, StateConnected, session.State())

	mu.Lock()
	assert.Len(t, conns, 2)
	mu.Unlock()
}

func TestSSLErrorStopsReconnection(t *testing.T) {
	relay := startTestRelay(t, RelayOptions{})
	identity := testIdentity(t, "alice@"+testDomain)

	var (
		calls atomic.Int32
		first atomic.Pointer[Conn]
	)
	session := newTestSession(t, SessionOptions{
		Dial: func(ctx context.Context, address string, options DialOptions) (*Conn, AuthResult, error) {
			if calls.Add(1) > 1 {
				return nil, AuthResult{}, newError(KindSSL, "dial", errors.New("certificate expired"))
			}
			conn, result, err := Dial(ctx, address, options)
			if err == nil {
				first.Store(conn)
			}
			return conn, result, err
		},
	})
	events, unsubscribe := session.Subscribe()
	defer unsubscribe()

	require.NoError(t, session.Connect(context.Background(), relay.config(identity), true))
	_ = first.Load().Close()

	waitForEvent(t, events, EventError, 2*time.Second)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, StateError, session.State())
}

func TestUploadSlotNegotiation(t *testing.T) {
	relay := startTestRelay(t, RelayOptions{MaxUploadSize: 1024})
	session, _ := connectedSession(t, relay, testIdentity(t, "alice@"+testDomain))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, session.WaitForFeature(ctx, FeatureUpload))

	content := []byte("sealed attachment bytes")
	slot, err := session.RequestUploadSlot(ctx, "../photo.jpg", int64(len(content)))
	require.NoError(t, err)
	require.NotEmpty(t, slot.SlotID)
	assert.Contains(t, slot.PutURL, "/photo.jpg")

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.PutURL, bytes.NewReader(content))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(slot.GetURL)
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = session.RequestUploadSlot(ctx, "huge.bin", 4096)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestCarbonsReachOtherDevices(t *testing.T) {
	relay := startTestRelay(t, RelayOptions{})
	phone := testIdentity(t, "alice@"+testDomain)
	desktop := phone
	desktop.DeviceID = "desktop"
	bob := testIdentity(t, "bob@"+testDomain)

	phoneSession, _ := connectedSession(t, relay, phone)
	desktopSession, desktopEvents := connectedSession(t, relay, desktop)
	_, bobEvents := connectedSession(t, relay, bob)

	require.NoError(t, desktopSession.SetCarbons(true))
	// Stanzas on one stream are handled in order, so once bob sees this the
	// carbons toggle has been applied.
	require.NoError(t, desktopSession.Send(Envelope{ID: "sync", To: bob.JID, Body: "eA=="}))
	waitForEvent(t, bobEvents, EventMessage, 2*time.Second)

	require.NoError(t, phoneSession.Send(Envelope{ID: "m2", To: bob.JID, Body: "eQ==", ReceiptRequested: true}))
	carbon := waitForEvent(t, desktopEvents, EventMessage, 2*time.Second)
	assert.Equal(t, "m2", carbon.Envelope.ID)
	assert.True(t, carbon.Envelope.Carbon)
	assert.Equal(t, phone.JID, carbon.Envelope.From)
	assert.Equal(t, bob.JID, carbon.Envelope.To)
}

func TestOfflineEnvelopesDeliveredOnLogin(t *testing.T) {
	relay := startTestRelay(t, RelayOptions{})
	alice := testIdentity(t, "alice@"+testDomain)
	bob := testIdentity(t, "bob@"+testDomain)

	aliceSession, _ := connectedSession(t, relay, alice)
	require.NoError(t, aliceSession.Send(Envelope{ID: "later", To: bob.JID, Body: "eg=="}))

	// The relay queues once it has processed the envelope; a short wait keeps
	// the login after that.
	time.Sleep(100 * time.Millisecond)
	_, bobEvents := connectedSession(t, relay, bob)
	received := waitForEvent(t, bobEvents, EventMessage, 2*time.Second)
	assert.Equal(t, "later", received.Envelope.ID)
}

func TestPresenceBroadcast(t *testing.T) {
	relay := startTestRelay(t, RelayOptions{})
	alice := testIdentity(t, "alice@"+testDomain)
	bob := testIdentity(t, "bob@"+testDomain)

	_, aliceEvents := connectedSession(t, relay, alice)
	bobSession, _ := connectedSession(t, relay, bob)

	require.NoError(t, bobSession.SetPresence(true))
	presence := waitForEvent(t, aliceEvents, EventPresence, 2*time.Second)
	assert.Equal(t, bob.JID, presence.Presence.From)
	assert.True(t, presence.Presence.Available)

	bobSession.Disconnect()
	presence = waitForEvent(t, aliceEvents, EventPresence, 2*time.Second)
	assert.False(t, presence.Presence.Available)
}

type mapResolver map[string]ed25519.PublicKey

func (m mapResolver) FindCard(_ context.Context, identity string) (ed25519.PublicKey, error) {
	key, ok := m[identity]
	if !ok {
		return nil, errors.New("not found")
	}
	return key, nil
}

func TestRelayRejectsUnpublishedKey(t *testing.T) {
	alice := testIdentity(t, "alice@"+testDomain)
	impostor := testIdentity(t, "alice@"+testDomain)
	relay := startTestRelay(t, RelayOptions{Keys: mapResolver{"alice": alice.PublicKey}})

	session := newTestSession(t, SessionOptions{})
	err := session.Connect(context.Background(), relay.config(impostor), true)
	require.ErrorIs(t, err, ErrProtocol)

	require.NoError(t, session.Connect(context.Background(), relay.config(alice), true))
	assert.Equal(t, StateConnected, session.State())

	other := newTestSession(t, SessionOptions{})
	err = other.Connect(context.Background(), relay.config(testIdentity(t, "carol@elsewhere.test")), true)
	require.ErrorIs(t, err, ErrProtocol)
}
