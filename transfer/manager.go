package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"

	"sealtalk/metrics"
	"sealtalk/network"
)

const (
	// DefaultServiceWait bounds the wait for the server to advertise uploads.
	DefaultServiceWait = 10 * time.Second
	// DefaultChunkSize is the unit of progress reporting and pacing.
	DefaultChunkSize = 64 * 1024
	// DefaultSlotTimeout bounds one slot negotiation.
	DefaultSlotTimeout = 15 * time.Second

	defaultEventBuffer = 256
)

// SlotRequester negotiates upload slots over the transport.
type SlotRequester interface {
	WaitForFeature(ctx context.Context, name string) error
	RequestUploadSlot(ctx context.Context, filename string, size int64) (network.UploadSlot, error)
}

// Options configures a Manager.
type Options struct {
	Slots       SlotRequester
	HTTPClient  *http.Client
	ServiceWait time.Duration
	SlotTimeout time.Duration
	ChunkSize   int
	// ChunkRate paces transfers to this many chunks per second; zero is unlimited.
	ChunkRate   int
	EventBuffer int
	Logger      logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	out := o
	if out.HTTPClient == nil {
		out.HTTPClient = http.DefaultClient
	}
	if out.ServiceWait <= 0 {
		out.ServiceWait = DefaultServiceWait
	}
	if out.SlotTimeout <= 0 {
		out.SlotTimeout = DefaultSlotTimeout
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.EventBuffer <= 0 {
		out.EventBuffer = defaultEventBuffer
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

type upload struct {
	handle  *Transfer
	path    string
	cancel  context.CancelFunc
	aborted bool
}

type download struct {
	handle  *Transfer
	cancel  context.CancelFunc
	aborted bool
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Manager runs attachment transfers. Uploads are admitted one at a time from
// a FIFO queue; downloads run concurrently.
type Manager struct {
	opts    Options
	log     logrus.FieldLogger
	limiter ratelimit.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	queue     []ID
	uploads   map[ID]*upload
	active    *ID
	downloads map[ID]*download
	closed    bool

	subMu       sync.RWMutex
	subscribers map[int]*subscriber
	nextSub     int
}

// NewManager returns an idle transfer manager.
func NewManager(options Options) *Manager {
	opts := options.withDefaults()
	limiter := ratelimit.NewUnlimited()
	if opts.ChunkRate > 0 {
		limiter = ratelimit.New(opts.ChunkRate, ratelimit.WithoutSlack)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:        opts,
		log:         opts.Logger.WithField("component", "transfer"),
		limiter:     limiter,
		ctx:         ctx,
		cancel:      cancel,
		uploads:     make(map[ID]*upload),
		downloads:   make(map[ID]*download),
		subscribers: make(map[int]*subscriber),
	}
}

// Subscribe registers a stream of every transfer event. The returned function
// unsubscribes; the channel itself is never closed.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, m.opts.EventBuffer),
		done: make(chan struct{}),
	}

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = sub
	m.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subscribers, id)
			m.subMu.Unlock()
			close(sub.done)
		})
	}
}

// RequestUploadSlot negotiates a slot for the file at localPath, waiting up to
// ServiceWait for the server to advertise the upload service.
func (m *Manager) RequestUploadSlot(ctx context.Context, localPath string) (network.UploadSlot, error) {
	info, err := os.Stat(localPath)
	if err != nil || info.IsDir() {
		if err == nil {
			err = errors.New("path is a directory")
		}
		return network.UploadSlot{}, newError(KindFileNotFound, "request upload slot", err)
	}
	if m.opts.Slots == nil {
		return network.UploadSlot{}, newError(KindServiceUnavailable, "request upload slot", errors.New("no transport"))
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.opts.ServiceWait)
	err = m.opts.Slots.WaitForFeature(waitCtx, network.FeatureUpload)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return network.UploadSlot{}, newError(KindAborted, "request upload slot", ctx.Err())
		}
		return network.UploadSlot{}, newError(KindServiceUnavailable, "request upload slot", err)
	}

	slotCtx, cancel := context.WithTimeout(ctx, m.opts.SlotTimeout)
	defer cancel()
	slot, err := m.opts.Slots.RequestUploadSlot(slotCtx, filepath.Base(localPath), info.Size())
	if err != nil {
		if ctx.Err() != nil {
			return network.UploadSlot{}, newError(KindAborted, "request upload slot", ctx.Err())
		}
		return network.UploadSlot{}, newError(KindSlotRequestFailed, "request upload slot", err)
	}
	if slot.SlotID == "" || slot.PutURL == "" {
		return network.UploadSlot{}, newError(KindSlotRequestFailed, "request upload slot", errors.New("empty slot"))
	}
	return slot, nil
}

// EnqueueUpload queues the file at localPath for upload under id. Enqueueing
// an id that is already queued or running returns its current handle.
func (m *Manager) EnqueueUpload(id ID, localPath string) *Transfer {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		handle := newTransfer(id, Upload)
		handle.finish(Event{ID: id, Direction: Upload, Type: EventFailed, Path: localPath, Err: newError(KindAborted, "enqueue upload", errors.New("manager closed"))})
		return handle
	}
	if existing, ok := m.uploads[id]; ok {
		handle := existing.handle
		m.mu.Unlock()
		m.kick()
		return handle
	}

	item := &upload{handle: newTransfer(id, Upload), path: localPath}
	m.uploads[id] = item
	m.queue = append(m.queue, id)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"function": "EnqueueUpload",
		"transfer": id.String(),
	}).Debug("upload queued")
	m.kick()
	return item.handle
}

// Resume starts the head of the upload queue if nothing is running. Failed
// uploads wait in the queue until Resume or the next enqueue.
func (m *Manager) Resume() {
	m.kick()
}

// Pending returns the queued and running upload ids in queue order.
func (m *Manager) Pending() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ID, 0, len(m.queue)+1)
	if m.active != nil {
		out = append(out, *m.active)
	}
	return append(out, m.queue...)
}

// StartDownload fetches remoteURL into localPath. A download already running
// for id returns its handle.
func (m *Manager) StartDownload(id ID, remoteURL, localPath string) *Transfer {
	m.mu.Lock()
	if existing, ok := m.downloads[id]; ok {
		m.mu.Unlock()
		return existing.handle
	}
	handle := newTransfer(id, Download)
	if m.closed {
		m.mu.Unlock()
		handle.finish(Event{ID: id, Direction: Download, Type: EventFailed, URL: remoteURL, Path: localPath, Err: newError(KindAborted, "start download", errors.New("manager closed"))})
		return handle
	}
	ctx, cancel := context.WithCancel(m.ctx)
	item := &download{handle: handle, cancel: cancel}
	m.downloads[id] = item
	m.wg.Add(1)
	m.mu.Unlock()

	go m.runDownload(ctx, id, item, remoteURL, localPath)
	return handle
}

// Abort cancels and removes the transfer id in either direction.
func (m *Manager) Abort(id ID) {
	m.mu.Lock()
	var finished []*Transfer
	if item, ok := m.uploads[id]; ok {
		item.aborted = true
		if item.cancel != nil {
			item.cancel()
		} else {
			m.removeQueuedLocked(id)
			delete(m.uploads, id)
			finished = append(finished, item.handle)
		}
	}
	if item, ok := m.downloads[id]; ok {
		item.aborted = true
		item.cancel()
	}
	m.mu.Unlock()

	for _, handle := range finished {
		m.complete(handle, Event{
			ID:        id,
			Direction: Upload,
			Type:      EventFailed,
			Err:       newError(KindAborted, "upload", context.Canceled),
		})
	}
}

// Close aborts every pending transfer and waits for running ones to stop.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]ID, 0, len(m.uploads)+len(m.downloads))
	for id := range m.uploads {
		ids = append(ids, id)
	}
	for id := range m.downloads {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Abort(id)
	}
	m.cancel()
	m.wg.Wait()
	return nil
}

// kick starts the head of the queue when no upload is running.
func (m *Manager) kick() {
	m.mu.Lock()
	if m.closed || m.active != nil || len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	id := m.queue[0]
	m.queue = m.queue[1:]
	item := m.uploads[id]
	ctx, cancel := context.WithCancel(m.ctx)
	item.cancel = cancel
	m.active = &id
	m.wg.Add(1)
	m.mu.Unlock()

	go m.runUpload(ctx, id, item)
}

func (m *Manager) runUpload(ctx context.Context, id ID, item *upload) {
	defer m.wg.Done()
	logger := m.log.WithFields(logrus.Fields{
		"function": "runUpload",
		"transfer": id.String(),
	})

	url, err := m.upload(ctx, id, item.path)
	item.cancel()

	m.mu.Lock()
	m.active = nil
	aborted := item.aborted || m.closed
	if err != nil && aborted {
		err = newError(KindAborted, "upload", err)
	}
	requeue := err != nil && !aborted && retryable(err)
	old := item.handle
	if requeue {
		// The next attempt gets a fresh handle at the tail of the queue.
		item.handle = newTransfer(id, Upload)
		item.cancel = nil
		m.queue = append(m.queue, id)
	} else {
		delete(m.uploads, id)
	}
	m.mu.Unlock()

	if err != nil {
		logger.WithError(err).WithField("requeued", requeue).Warn("upload failed")
		m.complete(old, Event{ID: id, Direction: Upload, Type: EventFailed, Path: item.path, Err: err})
		return
	}

	logger.Debug("upload finished")
	m.complete(old, Event{ID: id, Direction: Upload, Type: EventFinished, URL: url, Path: item.path})
	m.kick()
}

func (m *Manager) upload(ctx context.Context, id ID, localPath string) (string, error) {
	slot, err := m.RequestUploadSlot(ctx, localPath)
	if err != nil {
		return "", err
	}

	file, err := os.Open(localPath)
	if err != nil {
		return "", newError(KindFileNotFound, "upload", err)
	}
	defer func() {
		_ = file.Close()
	}()
	info, err := file.Stat()
	if err != nil {
		return "", newError(KindFileNotFound, "upload", err)
	}

	body := &progressReader{
		reader:  file,
		total:   info.Size(),
		chunk:   m.opts.ChunkSize,
		limiter: m.limiter,
		report: func(done, total int64) {
			m.emit(Event{ID: id, Direction: Upload, Type: EventProgress, Bytes: done, Total: total, Path: localPath})
		},
		count: metrics.TransferBytes.WithLabelValues(string(Upload)).Add,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.PutURL, body)
	if err != nil {
		return "", newError(KindNetwork, "upload", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return "", newError(KindNetwork, "upload", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", newError(KindNetwork, "upload", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return slot.GetURL, nil
}

func (m *Manager) runDownload(ctx context.Context, id ID, item *download, remoteURL, localPath string) {
	defer m.wg.Done()
	logger := m.log.WithFields(logrus.Fields{
		"function": "runDownload",
		"transfer": id.String(),
	})

	err := m.download(ctx, id, remoteURL, localPath)
	item.cancel()

	m.mu.Lock()
	delete(m.downloads, id)
	if err != nil && (item.aborted || m.closed) {
		err = newError(KindAborted, "download", err)
	}
	m.mu.Unlock()

	if err != nil {
		logger.WithError(err).Warn("download failed")
		m.complete(item.handle, Event{ID: id, Direction: Download, Type: EventFailed, URL: remoteURL, Path: localPath, Err: err})
		return
	}
	logger.Debug("download finished")
	m.complete(item.handle, Event{ID: id, Direction: Download, Type: EventFinished, URL: remoteURL, Path: localPath})
}

// download writes into a .part file and renames it only once complete, so an
// aborted download never leaves a file that claims to be whole.
func (m *Manager) download(ctx context.Context, id ID, remoteURL, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return newError(KindNetwork, "download", err)
	}
	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return newError(KindNetwork, "download", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound {
		return newError(KindFileNotFound, "download", fmt.Errorf("remote file %s not found", remoteURL))
	}
	if resp.StatusCode != http.StatusOK {
		return newError(KindNetwork, "download", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o700); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}
	partPath := localPath + ".part"
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}

	body := &progressReader{
		reader:  resp.Body,
		total:   resp.ContentLength,
		chunk:   m.opts.ChunkSize,
		limiter: m.limiter,
		report: func(done, total int64) {
			m.emit(Event{ID: id, Direction: Download, Type: EventProgress, Bytes: done, Total: total, URL: remoteURL, Path: localPath})
		},
		count: metrics.TransferBytes.WithLabelValues(string(Download)).Add,
	}
	if _, err := io.Copy(file, body); err != nil {
		_ = file.Close()
		return newError(KindNetwork, "download", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close download file: %w", err)
	}
	if err := os.Rename(partPath, localPath); err != nil {
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}

func (m *Manager) complete(handle *Transfer, event Event) {
	if !handle.finish(event) {
		return
	}
	direction := string(event.Direction)
	if event.Type == EventFinished {
		metrics.TransfersFinished.WithLabelValues(direction).Inc()
	} else {
		metrics.TransfersFailed.WithLabelValues(direction).Inc()
	}
	m.emit(event)
}

func (m *Manager) removeQueuedLocked(id ID) {
	for i, queued := range m.queue {
		if queued == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *Manager) emit(event Event) {
	m.subMu.RLock()
	subs := make([]*subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.subMu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		case <-sub.done:
		}
	}
}

// progressReader reports progress once per chunk and paces chunks through limiter.
type progressReader struct {
	reader  io.Reader
	total   int64
	chunk   int
	limiter ratelimit.Limiter
	report  func(done, total int64)
	count   func(float64)

	done    int64
	inChunk int
}

func (r *progressReader) Read(p []byte) (int, error) {
	if r.inChunk == 0 {
		r.limiter.Take()
	}
	if room := r.chunk - r.inChunk; len(p) > room {
		p = p[:room]
	}

	n, err := r.reader.Read(p)
	if n > 0 {
		r.done += int64(n)
		r.inChunk += n
		r.count(float64(n))
		if r.inChunk >= r.chunk {
			r.inChunk = 0
			r.report(r.done, r.total)
		}
	}
	if errors.Is(err, io.EOF) && r.inChunk > 0 {
		r.inChunk = 0
		r.report(r.done, r.total)
	}
	return n, err
}
