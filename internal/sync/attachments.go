package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/splitsync/splitsync/internal/store"
)

// DefaultRequestTimeout bounds how long an attachment request waits for
// any peer to answer before giving up.
const DefaultRequestTimeout = 8 * time.Second

// ErrRequestTimeout is returned when no peer produced the attachment
// within the deadline. The request can simply be retried.
var ErrRequestTimeout = errors.New("sync: attachment request timed out")

// Timer abstracts time.After so tests can fire deadlines deterministically.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

type realTimer struct{}

func (realTimer) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ControlSender is the slice of a session the fetcher needs: the ability
// to push a text control message to the peer.
type ControlSender interface {
	SendControl(msg []byte) error
}

// controlMessage is the attachment protocol envelope carried on text
// frames. Payload is base64 on the wire (encoding/json's []byte
// representation).
type controlMessage struct {
	Type    string `json:"type"`
	ImageID string `json:"imageId"`
	Payload []byte `json:"payload,omitempty"`
}

const (
	msgRequest = "request"
	msgImage   = "image"
)

// Fetcher moves attachment bytes between devices on demand.
//
// Requester side: check the local store; if absent, broadcast a request
// to every open session and wait for the first image response (which is
// stored before the waiter is released) or the deadline. Duplicate
// in-flight requests for the same id share one pending entry, so the
// broadcast happens once.
//
// Responder side: answer requests for images the local store holds;
// stay silent otherwise. There is no negative acknowledgement; the
// requester's deadline is the only failure signal.
type Fetcher struct {
	st       store.Store
	sessions func() []ControlSender
	timeout  time.Duration
	timer    Timer
	log      *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewFetcher creates a fetcher over the local store, using sessions to
// enumerate currently open peers.
func NewFetcher(st store.Store, sessions func() []ControlSender, log *zap.Logger) *Fetcher {
	return &Fetcher{
		st:       st,
		sessions: sessions,
		timeout:  DefaultRequestTimeout,
		timer:    realTimer{},
		log:      log,
		pending:  make(map[string]*pendingRequest),
	}
}

// pendingRequest is shared by every waiter for the same image id. err is
// written exactly once, before done is closed.
type pendingRequest struct {
	done chan struct{}
	err  error
}

// Request ensures the attachment is in the local store, fetching it from
// a peer if necessary.
//
// It returns nil without network activity when the image is already
// local, and nil immediately when it is absent but no session is open:
// a disconnected device cannot fetch, and callers must cope with a
// missing attachment. ErrRequestTimeout reports that peers were asked
// and none answered in time.
func (f *Fetcher) Request(ctx context.Context, imageID string) error {
	_, err := f.st.Attachment(ctx, imageID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	peers := f.sessions()
	if len(peers) == 0 {
		f.log.Debug("attachment absent and no peers; giving up immediately",
			zap.String("imageId", imageID))
		return nil
	}

	f.mu.Lock()
	p, inflight := f.pending[imageID]
	if !inflight {
		p = &pendingRequest{done: make(chan struct{})}
		f.pending[imageID] = p
	}
	f.mu.Unlock()

	if !inflight {
		msg, err := json.Marshal(controlMessage{Type: msgRequest, ImageID: imageID})
		if err != nil {
			f.resolve(imageID, err)
			return err
		}
		for _, s := range peers {
			// Best-effort broadcast; a dead session is someone else's
			// cleanup problem.
			if err := s.SendControl(msg); err != nil {
				f.log.Debug("attachment request send failed", zap.Error(err))
			}
		}
		go f.watchDeadline(imageID, p)
	}

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchDeadline fails the pending request when the deadline fires first.
// A response arriving after that is ignored, not an error.
func (f *Fetcher) watchDeadline(imageID string, p *pendingRequest) {
	select {
	case <-f.timer.After(f.timeout):
		f.resolve(imageID, ErrRequestTimeout)
	case <-p.done:
	}
}

// resolve completes and removes the pending entry for imageID, if one is
// still registered. Safe to call for ids with no pending entry.
func (f *Fetcher) resolve(imageID string, err error) {
	f.mu.Lock()
	p, ok := f.pending[imageID]
	if ok {
		delete(f.pending, imageID)
	}
	f.mu.Unlock()
	if ok {
		p.err = err
		close(p.done)
	}
}

// HandleMessage dispatches one inbound control message from a session.
// Malformed or unknown messages are logged and dropped.
func (f *Fetcher) HandleMessage(from ControlSender, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.log.Warn("dropping malformed control message", zap.Error(err))
		return
	}

	switch msg.Type {
	case msgRequest:
		f.handleRequest(from, msg.ImageID)
	case msgImage:
		f.handleImage(msg.ImageID, msg.Payload)
	default:
		f.log.Debug("dropping unknown control message", zap.String("type", msg.Type))
	}
}

func (f *Fetcher) handleRequest(from ControlSender, imageID string) {
	data, err := f.st.Attachment(context.Background(), imageID)
	if errors.Is(err, store.ErrNotFound) {
		// No negative acknowledgement; the requester's timeout is the
		// failure signal.
		return
	}
	if err != nil {
		f.log.Warn("attachment lookup failed", zap.String("imageId", imageID), zap.Error(err))
		return
	}
	reply, err := json.Marshal(controlMessage{Type: msgImage, ImageID: imageID, Payload: data})
	if err != nil {
		f.log.Warn("attachment reply encode failed", zap.Error(err))
		return
	}
	if err := from.SendControl(reply); err != nil {
		f.log.Debug("attachment reply send failed", zap.Error(err))
	}
}

func (f *Fetcher) handleImage(imageID string, payload []byte) {
	f.mu.Lock()
	_, wanted := f.pending[imageID]
	f.mu.Unlock()
	if !wanted {
		// Late or unsolicited; the timeout already released any waiters.
		return
	}
	// Store before resolving so a waiter that re-reads immediately after
	// Request returns finds the bytes locally.
	if err := f.st.PutAttachment(context.Background(), imageID, payload); err != nil {
		f.resolve(imageID, err)
		return
	}
	f.resolve(imageID, nil)
}
