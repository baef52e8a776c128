package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealtalk/network"
)

// fileServer stores PUT bodies and serves them back on GET.
type fileServer struct {
	*httptest.Server

	mu      sync.Mutex
	files   map[string][]byte
	order   []string
	block   chan struct{}
	putCode int
}

func newFileServer(t *testing.T) *fileServer {
	t.Helper()
	fs := &fileServer{files: make(map[string][]byte)}
	fs.Server = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fileServer) serve(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fs.mu.Lock()
		block := fs.block
		code := fs.putCode
		fs.mu.Unlock()
		if block != nil {
			select {
			case <-block:
			case <-r.Context().Done():
				return
			}
		}
		if code != 0 {
			w.WriteHeader(code)
			return
		}
		fs.mu.Lock()
		fs.files[r.URL.Path] = body
		fs.order = append(fs.order, r.URL.Path)
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
}

func (fs *fileServer) uploaded(path string) ([]byte, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	body, ok := fs.files[path]
	return body, ok
}

// fakeSlots hands out slots on a fileServer.
type fakeSlots struct {
	server *fileServer

	mu        sync.Mutex
	noService bool
	emptySlot bool
	failNext  int
	requested []string
}

func (f *fakeSlots) WaitForFeature(ctx context.Context, name string) error {
	f.mu.Lock()
	noService := f.noService
	f.mu.Unlock()
	if name != network.FeatureUpload {
		return errors.New("unexpected feature")
	}
	if noService {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeSlots) RequestUploadSlot(_ context.Context, filename string, _ int64) (network.UploadSlot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, filename)
	if f.failNext > 0 {
		f.failNext--
		return network.UploadSlot{}, errors.New("slot refused")
	}
	if f.emptySlot {
		return network.UploadSlot{RequestID: "r"}, nil
	}
	url := f.server.URL + "/upload/" + filename
	return network.UploadSlot{SlotID: filename, PutURL: url, GetURL: url}, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestManager(t *testing.T, slots SlotRequester, options Options) *Manager {
	t.Helper()
	options.Slots = slots
	if options.Logger == nil {
		options.Logger = quietLogger()
	}
	manager := NewManager(options)
	t.Cleanup(func() {
		_ = manager.Close()
	})
	return manager
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func waitTransfer(t *testing.T, handle *Transfer) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event, err := handle.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "transfer %s did not finish", handle.ID)
	return event
}

func TestUploadReportsDownloadURL(t *testing.T) {
	server := newFileServer(t)
	manager := newTestManager(t, &fakeSlots{server: server}, Options{ChunkSize: 4})

	path := writeTempFile(t, "photo.bin", "0123456789")
	event := waitTransfer(t, manager.EnqueueUpload(ID{MessageID: "m1", Kind: KindFile}, path))

	require.Equal(t, EventFinished, event.Type)
	require.NoError(t, event.Err)
	assert.Equal(t, server.URL+"/upload/photo.bin", event.URL)

	body, ok := server.uploaded("/upload/photo.bin")
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(body))
}

func TestUploadsRunOneAtATime(t *testing.T) {
	server := newFileServer(t)
	manager := newTestManager(t, &fakeSlots{server: server}, Options{ChunkSize: 2})
	events, unsubscribe := manager.Subscribe()
	defer unsubscribe()

	ids := []ID{
		{MessageID: "a", Kind: KindFile},
		{MessageID: "b", Kind: KindFile},
		{MessageID: "c", Kind: KindFile},
	}
	handles := make([]*Transfer, 0, len(ids))
	for _, id := range ids {
		path := writeTempFile(t, id.MessageID+".bin", "payload-"+id.MessageID)
		handles = append(handles, manager.EnqueueUpload(id, path))
	}
	for _, handle := range handles {
		require.Equal(t, EventFinished, waitTransfer(t, handle).Type)
	}

	// Every event of an upload precedes every event of the next one.
	var seen []string
	collect := time.After(time.Second)
	for len(seen) < len(ids) {
		select {
		case event := <-events:
			if len(seen) == 0 || seen[len(seen)-1] != event.ID.MessageID {
				seen = append(seen, event.ID.MessageID)
			}
		case <-collect:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, seen)

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Equal(t, []string{"/upload/a.bin", "/upload/b.bin", "/upload/c.bin"}, server.order)
}

func TestSecondUploadWaitsForFirst(t *testing.T) {
	server := newFileServer(t)
	server.block = make(chan struct{})
	slots := &fakeSlots{server: server}
	manager := newTestManager(t, slots, Options{})

	first := manager.EnqueueUpload(ID{MessageID: "first", Kind: KindFile}, writeTempFile(t, "first.bin", "1"))
	second := manager.EnqueueUpload(ID{MessageID: "second", Kind: KindFile}, writeTempFile(t, "second.bin", "2"))

	require.Eventually(t, func() bool {
		slots.mu.Lock()
		defer slots.mu.Unlock()
		return len(slots.requested) == 1
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-second.Done():
		t.Fatal("second upload finished while first was running")
	case <-time.After(100 * time.Millisecond):
	}
	slots.mu.Lock()
	assert.Equal(t, []string{"first.bin"}, slots.requested)
	slots.mu.Unlock()

	server.mu.Lock()
	close(server.block)
	server.block = nil
	server.mu.Unlock()

	assert.Equal(t, EventFinished, waitTransfer(t, first).Type)
	assert.Equal(t, EventFinished, waitTransfer(t, second).Type)
}

func TestFailedUploadIsRequeued(t *testing.T) {
	server := newFileServer(t)
	slots := &fakeSlots{server: server, failNext: 1}
	manager := newTestManager(t, slots, Options{})

	id := ID{MessageID: "retry", Kind: KindFile}
	path := writeTempFile(t, "retry.bin", "data")

	event := waitTransfer(t, manager.EnqueueUpload(id, path))
	require.Equal(t, EventFailed, event.Type)
	assert.ErrorIs(t, event.Err, ErrSlotRequestFailed)
	assert.Equal(t, []ID{id}, manager.Pending())

	// Enqueueing the same id again returns the queued attempt and starts it.
	event = waitTransfer(t, manager.EnqueueUpload(id, path))
	require.Equal(t, EventFinished, event.Type)
	assert.Empty(t, manager.Pending())
}

func TestResumeRestartsStalledQueue(t *testing.T) {
	server := newFileServer(t)
	server.putCode = http.StatusInternalServerError
	manager := newTestManager(t, &fakeSlots{server: server}, Options{})
	events, unsubscribe := manager.Subscribe()
	defer unsubscribe()

	id := ID{MessageID: "stall", Kind: KindThumbnail}
	event := waitTransfer(t, manager.EnqueueUpload(id, writeTempFile(t, "stall.jpg", "thumb")))
	require.Equal(t, EventFailed, event.Type)
	assert.ErrorIs(t, event.Err, ErrNetwork)

	server.mu.Lock()
	server.putCode = 0
	server.mu.Unlock()

	manager.Resume()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			if event.ID == id && event.Type == EventFinished {
				return
			}
		case <-deadline:
			t.Fatal("resumed upload did not finish")
		}
	}
}

func TestMissingFileIsNotRequeued(t *testing.T) {
	server := newFileServer(t)
	manager := newTestManager(t, &fakeSlots{server: server}, Options{})

	id := ID{MessageID: "gone", Kind: KindFile}
	event := waitTransfer(t, manager.EnqueueUpload(id, filepath.Join(t.TempDir(), "missing.bin")))
	require.Equal(t, EventFailed, event.Type)
	assert.ErrorIs(t, event.Err, ErrFileNotFound)
	assert.Empty(t, manager.Pending())
}

func TestRequestUploadSlotErrors(t *testing.T) {
	server := newFileServer(t)
	path := writeTempFile(t, "doc.pdf", "pdf")

	t.Run("service unavailable", func(t *testing.T) {
		manager := newTestManager(t, &fakeSlots{server: server, noService: true}, Options{ServiceWait: 50 * time.Millisecond})
		_, err := manager.RequestUploadSlot(context.Background(), path)
		assert.ErrorIs(t, err, ErrServiceUnavailable)
	})

	t.Run("empty slot", func(t *testing.T) {
		manager := newTestManager(t, &fakeSlots{server: server, emptySlot: true}, Options{})
		_, err := manager.RequestUploadSlot(context.Background(), path)
		assert.ErrorIs(t, err, ErrSlotRequestFailed)
	})

	t.Run("missing file", func(t *testing.T) {
		manager := newTestManager(t, &fakeSlots{server: server}, Options{})
		_, err := manager.RequestUploadSlot(context.Background(), filepath.Join(t.TempDir(), "nope"))
		assert.ErrorIs(t, err, ErrFileNotFound)
	})

	t.Run("granted", func(t *testing.T) {
		slots := &fakeSlots{server: server}
		manager := newTestManager(t, slots, Options{})
		slot, err := manager.RequestUploadSlot(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, "doc.pdf", slot.SlotID)
		assert.Equal(t, []string{"doc.pdf"}, slots.requested)
	})
}

func TestDownloadWritesFile(t *testing.T) {
	server := newFileServer(t)
	server.files["/upload/remote.bin"] = []byte(strings.Repeat("x", 1000))
	manager := newTestManager(t, &fakeSlots{server: server}, Options{ChunkSize: 128})
	events, unsubscribe := manager.Subscribe()
	defer unsubscribe()

	target := filepath.Join(t.TempDir(), "nested", "remote.bin")
	id := ID{MessageID: "d1", Kind: KindFile}
	event := waitTransfer(t, manager.StartDownload(id, server.URL+"/upload/remote.bin", target))
	require.Equal(t, EventFinished, event.Type)
	assert.Equal(t, target, event.Path)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Len(t, data, 1000)
	_, err = os.Stat(target + ".part")
	assert.True(t, os.IsNotExist(err))

	var progress int
	var last int64
	for done := false; !done; {
		select {
		case event := <-events:
			if event.Type == EventProgress {
				progress++
				assert.GreaterOrEqual(t, event.Bytes, last)
				last = event.Bytes
			}
			done = event.Terminal()
		case <-time.After(time.Second):
			t.Fatal("missing terminal event")
		}
	}
	assert.Equal(t, 8, progress)
	assert.Equal(t, int64(1000), last)
}

func TestDownloadMissingRemote(t *testing.T) {
	server := newFileServer(t)
	manager := newTestManager(t, &fakeSlots{server: server}, Options{})

	target := filepath.Join(t.TempDir(), "absent.bin")
	event := waitTransfer(t, manager.StartDownload(ID{MessageID: "d2", Kind: KindThumbnail}, server.URL+"/upload/absent.bin", target))
	require.Equal(t, EventFailed, event.Type)
	assert.ErrorIs(t, event.Err, ErrFileNotFound)
	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestAbortQueuedAndActiveUploads(t *testing.T) {
	server := newFileServer(t)
	server.block = make(chan struct{})
	defer close(server.block)
	slots := &fakeSlots{server: server}
	manager := newTestManager(t, slots, Options{})

	activeID := ID{MessageID: "active", Kind: KindFile}
	queuedID := ID{MessageID: "queued", Kind: KindFile}
	active := manager.EnqueueUpload(activeID, writeTempFile(t, "active.bin", "a"))
	queued := manager.EnqueueUpload(queuedID, writeTempFile(t, "queued.bin", "q"))

	require.Eventually(t, func() bool {
		slots.mu.Lock()
		defer slots.mu.Unlock()
		return len(slots.requested) == 1
	}, 2*time.Second, 10*time.Millisecond)

	manager.Abort(queuedID)
	event := waitTransfer(t, queued)
	assert.Equal(t, EventFailed, event.Type)
	assert.ErrorIs(t, event.Err, ErrAborted)

	manager.Abort(activeID)
	event = waitTransfer(t, active)
	assert.Equal(t, EventFailed, event.Type)
	assert.ErrorIs(t, event.Err, ErrAborted)
	assert.Empty(t, manager.Pending())
}

func TestClosedManagerRejectsTransfers(t *testing.T) {
	server := newFileServer(t)
	manager := newTestManager(t, &fakeSlots{server: server}, Options{})
	require.NoError(t, manager.Close())

	event := waitTransfer(t, manager.EnqueueUpload(ID{MessageID: "late", Kind: KindFile}, writeTempFile(t, "late.bin", "l")))
	assert.ErrorIs(t, event.Err, ErrAborted)
}
