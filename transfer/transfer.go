// Package transfer moves attachment files to and from the out-of-band upload
// service negotiated over the transport.
package transfer

import (
	"context"
	"sync"
)

// Kind names which attachment field a transfer serves.
type Kind string

const (
	KindFile      Kind = "file"
	KindThumbnail Kind = "thumbnail"
)

// ID correlates a transfer with one attachment field of one message.
type ID struct {
	MessageID string
	Kind      Kind
}

func (id ID) String() string {
	return id.MessageID + "/" + string(id.Kind)
}

// Direction of a transfer.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// EventType tags transfer events.
type EventType int

const (
	EventProgress EventType = iota + 1
	EventFinished
	EventFailed
)

// Event reports progress or the terminal outcome of one transfer attempt.
type Event struct {
	ID        ID
	Direction Direction
	Type      EventType
	Bytes     int64
	Total     int64
	// URL is the download URL of a finished upload, or the source of a download.
	URL string
	// Path is the local file of the transfer.
	Path string
	Err  error
}

// Terminal reports whether e ends a transfer attempt.
func (e Event) Terminal() bool {
	return e.Type == EventFinished || e.Type == EventFailed
}

// Transfer is the handle of one transfer attempt.
type Transfer struct {
	ID        ID
	Direction Direction

	done   chan struct{}
	once   sync.Once
	result Event
}

func newTransfer(id ID, direction Direction) *Transfer {
	return &Transfer{ID: id, Direction: direction, done: make(chan struct{})}
}

// Done is closed once the attempt reaches a terminal event.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Result returns the terminal event. It is valid after Done is closed.
func (t *Transfer) Result() Event {
	<-t.done
	return t.result
}

// Wait blocks for the terminal event or ctx.
func (t *Transfer) Wait(ctx context.Context) (Event, error) {
	select {
	case <-t.done:
		return t.result, t.result.Err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (t *Transfer) finish(event Event) bool {
	finished := false
	t.once.Do(func() {
		t.result = event
		close(t.done)
		finished = true
	})
	return finished
}
