package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"sealtalk/config"
	"sealtalk/credentials"
	"sealtalk/crypto"
	"sealtalk/models"
	"sealtalk/network"
	"sealtalk/storage"
	"sealtalk/transfer"
)

const testHost = "chat.test"

var sealedPrefix = []byte("sealed:")

// fakeCrypto "seals" by prefixing a marker so tests can read what was sent.
type fakeCrypto struct {
	mu          sync.Mutex
	known       map[string]bool
	signedIn    string
	signOuts    int
	encryptErr  error
	signInErr   error
	initialized []string
}

func newFakeCrypto(known ...string) *fakeCrypto {
	f := &fakeCrypto{known: make(map[string]bool)}
	for _, id := range known {
		f.known[id] = true
	}
	return f
}

func (f *fakeCrypto) Initialize(serviceURL, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = append(f.initialized, serviceURL)
	return nil
}

func (f *fakeCrypto) SignUp(_ context.Context, userID string) (crypto.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return crypto.Credentials{}, err
	}
	f.known[userID] = true
	f.signedIn = userID
	return crypto.Credentials{Identity: userID, Keys: keys}, nil
}

func (f *fakeCrypto) SignIn(_ context.Context, creds crypto.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signInErr != nil {
		return f.signInErr
	}
	f.signedIn = creds.Identity
	return nil
}

func (f *fakeCrypto) SignInWithPassword(_ context.Context, userID, password string) (crypto.Credentials, error) {
	if password != "secret" {
		return crypto.Credentials{}, crypto.ErrWrongPassword
	}
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return crypto.Credentials{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signedIn = userID
	return crypto.Credentials{Identity: userID, Keys: keys}, nil
}

func (f *fakeCrypto) BackupKey(context.Context, string) error { return nil }

func (f *fakeCrypto) SignOut() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signedIn = ""
	f.signOuts++
}

func (f *fakeCrypto) Search(_ context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[userID], nil
}

func (f *fakeCrypto) Encrypt(_ context.Context, _ string, plaintext []byte) ([]byte, error) {
	f.mu.Lock()
	err := f.encryptErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, sealedPrefix...), plaintext...), nil
}

func (f *fakeCrypto) Decrypt(_ context.Context, _ string, ciphertext []byte) ([]byte, error) {
	if !bytes.HasPrefix(ciphertext, sealedPrefix) {
		return nil, crypto.ErrDecryptionFailed
	}
	return ciphertext[len(sealedPrefix):], nil
}

func (f *fakeCrypto) EncryptFile(ctx context.Context, recipientID, srcPath, dstPath string) error {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	sealed, err := f.Encrypt(ctx, recipientID, raw)
	if err != nil {
		return err
	}
	return os.WriteFile(dstPath, sealed, 0o600)
}

func (f *fakeCrypto) DecryptFile(ctx context.Context, senderID, srcPath, dstPath string) error {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	plain, err := f.Decrypt(ctx, senderID, raw)
	if err != nil {
		return err
	}
	return os.WriteFile(dstPath, plain, 0o600)
}

func fakeUnknownRecipient() error {
	return &crypto.Error{Kind: crypto.KindUnknownRecipient, Op: "encrypt"}
}

func (f *fakeCrypto) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signedIn
}

// fakeTransport records outgoing traffic and lets tests inject events.
type fakeTransport struct {
	mu          sync.Mutex
	state       network.State
	connectErr  error
	connects    int
	disconnects int
	sent        []network.Envelope
	presence    []bool
	push        []bool
	lastConfig  network.ConnectConfig
	subs        []chan network.Event
	// onSend runs after an envelope is accepted, outside the lock.
	onSend func(network.Envelope)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: network.StateDisconnected}
}

func (f *fakeTransport) Connect(_ context.Context, cfg network.ConnectConfig, _ bool) error {
	f.mu.Lock()
	f.connects++
	f.lastConfig = cfg
	if f.connectErr != nil {
		err := f.connectErr
		f.state = network.StateDisconnected
		f.mu.Unlock()
		return err
	}
	f.state = network.StateConnected
	f.mu.Unlock()

	f.emit(network.Event{Type: network.EventStateChanged, State: network.StateConnected})
	f.emit(network.Event{Type: network.EventConnected, State: network.StateConnected})
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	changed := f.state != network.StateDisconnected
	f.state = network.StateDisconnected
	f.mu.Unlock()
	if changed {
		f.emit(network.Event{Type: network.EventStateChanged, State: network.StateDisconnected})
	}
}

func (f *fakeTransport) State() network.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) NeedReconnection() bool { return false }

func (f *fakeTransport) Send(envelope network.Envelope) error {
	f.mu.Lock()
	if f.state != network.StateConnected {
		f.mu.Unlock()
		return network.ErrNotConnected
	}
	f.sent = append(f.sent, envelope)
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(envelope)
	}
	return nil
}

func (f *fakeTransport) SetPresence(online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, online)
	return nil
}

func (f *fakeTransport) SetCarbons(bool) error { return nil }

func (f *fakeTransport) SetPush(_ string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.push = append(f.push, enabled)
	return nil
}

func (f *fakeTransport) Subscribe() (<-chan network.Event, func()) {
	ch := make(chan network.Event, 64)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeTransport) emit(event network.Event) {
	f.mu.Lock()
	subs := append([]chan network.Event(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- event
	}
}

// setState changes the state without notifying subscribers.
func (f *fakeTransport) setState(state network.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *fakeTransport) sentEnvelopes() []network.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]network.Envelope(nil), f.sent...)
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// fileServer stores PUT bodies and serves them back on GET.
type fileServer struct {
	*httptest.Server

	mu    sync.Mutex
	files map[string][]byte
	puts  []string
}

func newFileServer(t *testing.T) *fileServer {
	t.Helper()
	fs := &fileServer{files: make(map[string][]byte)}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			fs.mu.Lock()
			fs.files[r.URL.Path] = body
			fs.puts = append(fs.puts, r.URL.Path)
			fs.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			fs.mu.Lock()
			body, ok := fs.files[r.URL.Path]
			fs.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(body)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fileServer) put(path string, body []byte) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[path] = body
	return fs.URL + path
}

func (fs *fileServer) uploads() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.puts...)
}

// fakeSlots hands out upload slots on a fileServer.
type fakeSlots struct {
	server *fileServer

	mu     sync.Mutex
	refuse bool
}

func (f *fakeSlots) WaitForFeature(context.Context, string) error { return nil }

func (f *fakeSlots) RequestUploadSlot(_ context.Context, filename string, _ int64) (network.UploadSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return network.UploadSlot{}, network.ErrProtocol
	}
	url := f.server.URL + "/upload/" + filename
	return network.UploadSlot{SlotID: filename, PutURL: url, GetURL: url}, nil
}

type harness struct {
	engine    *Engine
	crypto    *fakeCrypto
	transport *fakeTransport
	store     *storage.Store
	creds     *credentials.Store
	files     *fileServer
	slots     *fakeSlots
	dir       string
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	dir := t.TempDir()
	store, _, err := storage.Open(filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	creds, err := credentials.Open(filepath.Join(dir, "credentials.json"))
	require.NoError(t, err)

	files := newFileServer(t)
	slots := &fakeSlots{server: files}
	transfers := transfer.NewManager(transfer.Options{Slots: slots, Logger: quietLogger()})
	t.Cleanup(func() { _ = transfers.Close() })

	h := &harness{
		crypto:    newFakeCrypto("bob", "carol"),
		transport: newFakeTransport(),
		store:     store,
		creds:     creds,
		files:     files,
		slots:     slots,
		dir:       dir,
	}

	options := Options{
		Crypto:            h.crypto,
		Transport:         h.transport,
		Transfers:         transfers,
		Store:             store,
		Credentials:       creds,
		AttachmentsDir:    filepath.Join(dir, "attachments"),
		DownloadsDir:      filepath.Join(dir, "downloads"),
		ThumbnailsDir:     filepath.Join(dir, "thumbnails"),
		HeartbeatInterval: time.Hour,
		TLSConfig: func(serverName, _ string) (*tls.Config, error) {
			return &tls.Config{ServerName: serverName}, nil
		},
		Endpoints: func(env config.Environment) (config.Endpoints, error) {
			return config.Endpoints{
				Environment: env,
				IdentityURL: "http://identity.test",
				XMPPHost:    testHost,
				XMPPPort:    5222,
			}, nil
		},
		Logger: quietLogger(),
	}
	if mutate != nil {
		mutate(&options)
	}

	h.engine, err = New(options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.engine.Close() })
	return h
}

// signedUp returns a harness signed in as alice.
func signedUp(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, nil)
	require.NoError(t, h.engine.SignUp(context.Background(), "alice"))
	return h
}

func waitForEvent(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case event := <-events:
			if match(event) {
				return event
			}
		case <-timeout:
			t.Fatal("timed out waiting for engine event")
			return Event{}
		}
	}
}

func sealedBody(t *testing.T, message models.Message) string {
	t.Helper()
	payload, err := models.EncodePayload(message)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(append(append([]byte{}, sealedPrefix...), payload...))
}

func inbound(t *testing.T, id, from, body string) network.Envelope {
	t.Helper()
	return network.Envelope{
		Type:      network.TypeMessage,
		ID:        id,
		From:      from + "@" + testHost + "/phone",
		To:        "alice@" + testHost,
		Body:      sealedBody(t, models.Message{Body: body}),
		Timestamp: time.Now().UnixMilli(),
	}
}

func openedPayload(t *testing.T, envelope network.Envelope) (string, *models.Attachment) {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(envelope.Body)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(raw, sealedPrefix))
	body, attachment, err := models.DecodePayload(raw[len(sealedPrefix):])
	require.NoError(t, err)
	return body, attachment
}
