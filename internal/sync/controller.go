package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/splitsync/splitsync/internal/document"
	"github.com/splitsync/splitsync/internal/durability"
	"github.com/splitsync/splitsync/internal/store"
	"github.com/splitsync/splitsync/internal/transport"
)

// State is the controller's topology state for the active account.
type State string

const (
	// StateDetached means no account is active.
	StateDetached State = "detached"
	// StateHosting means this device is the account's rendezvous point.
	StateHosting State = "hosting"
	// StateConnecting means this device is a joiner with no open session.
	StateConnecting State = "connecting"
	// StateJoined means this device is a joiner with a session to the host.
	StateJoined State = "joined"
)

// ErrDetached is returned by operations that need an attached account.
var ErrDetached = errors.New("sync: no account attached")

// AccountConfig selects the account and this device's place in its
// topology. A device hosts when HostID is empty or its own id (it
// created the account); otherwise it joins the named host.
type AccountConfig struct {
	AccountID string
	SelfID    string
	HostID    string
}

// RendezvousID derives the well-known identifier a host listens under
// for one account. Joiners compute the same id from the account's host
// reference.
func RendezvousID(accountID, hostDeviceID string) string {
	return accountID + "." + hostDeviceID
}

// Controller owns the replication state for the active account: the
// document, its durability adapter, the attachment fetcher, and the set
// of live sessions. One controller per device; tests build several to
// simulate a household.
//
// Lifecycle is detached -> hosting|joining -> detached. Switching
// accounts goes through Detach, which is the only place a document is
// discarded: sessions close, durability flushes and detaches, and only
// then can Attach build the next document. The two stores never share a
// document instance.
type Controller struct {
	tr  transport.Transport
	log *zap.Logger

	timer Timer // attachment deadline source

	mu         sync.Mutex
	state      State
	account    AccountConfig
	doc        *document.Document
	adapter    *durability.Adapter
	fetcher    *Fetcher
	sessions   map[*Session]bool
	stopListen func()
	detached   chan struct{}
	statusSubs []func(State, int)
	now        func() int64
}

// Option configures a Controller.
type Option func(*Controller)

// WithTimer replaces the attachment deadline source. Tests inject a
// manual timer to fire timeouts deterministically.
func WithTimer(t Timer) Option {
	return func(c *Controller) { c.timer = t }
}

// WithNowFunc replaces the wall clock used to stamp createdAt/updatedAt
// on mutations.
func WithNowFunc(now func() int64) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a detached controller over the given transport.
func NewController(tr transport.Transport, log *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		tr:    tr,
		log:   log,
		timer: realTimer{},
		state: StateDetached,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach activates an account: restores the document from st, then
// either starts hosting the account's rendezvous id or dials the host.
// Attach returns once the document is restored ("caught up"); network
// activity proceeds in the background.
func (c *Controller) Attach(ctx context.Context, cfg AccountConfig, st store.Store) error {
	c.mu.Lock()
	if c.state != StateDetached {
		c.mu.Unlock()
		return fmt.Errorf("sync: attach while %s; detach first", c.state)
	}
	if cfg.AccountID == "" || cfg.SelfID == "" {
		c.mu.Unlock()
		return fmt.Errorf("sync: account and device ids are required")
	}

	doc := document.New(cfg.SelfID)
	adapter := durability.NewAdapter(doc, st, c.log)
	c.account = cfg
	c.doc = doc
	c.adapter = adapter
	c.fetcher = NewFetcher(st, c.openSessions, c.log)
	c.fetcher.timer = c.timer
	c.sessions = make(map[*Session]bool)
	c.detached = make(chan struct{})
	c.mu.Unlock()

	if err := adapter.Attach(ctx); err != nil {
		c.mu.Lock()
		c.resetLocked()
		c.mu.Unlock()
		return fmt.Errorf("attach durability: %w", err)
	}

	if cfg.HostID == "" || cfg.HostID == cfg.SelfID {
		return c.startHosting()
	}
	return c.startJoining(ctx)
}

func (c *Controller) startHosting() error {
	cfg := c.account
	stop, err := c.tr.Listen(RendezvousID(cfg.AccountID, cfg.SelfID), c.acceptConn)
	if err != nil {
		c.mu.Lock()
		c.adapter.Detach()
		c.resetLocked()
		c.mu.Unlock()
		return fmt.Errorf("listen as host: %w", err)
	}
	c.mu.Lock()
	c.stopListen = stop
	c.setStateLocked(StateHosting)
	c.mu.Unlock()
	c.log.Info("hosting account",
		zap.String("account", cfg.AccountID),
		zap.String("device", cfg.SelfID))
	return nil
}

func (c *Controller) startJoining(ctx context.Context) error {
	c.mu.Lock()
	c.setStateLocked(StateConnecting)
	detached := c.detached
	c.mu.Unlock()

	c.dialHost(ctx)
	go c.redialLoop(detached)
	return nil
}

// redialLoop waits for connectivity-layer reconnect pulses and redials
// the host whenever this joiner has no open session. There is no
// backoff here: the pulse itself is the signal that dialing is worth
// another try.
func (c *Controller) redialLoop(detached <-chan struct{}) {
	for {
		select {
		case <-detached:
			return
		case <-c.tr.Reconnected():
			c.mu.Lock()
			idle := c.state == StateConnecting && len(c.sessions) == 0
			c.mu.Unlock()
			if idle {
				c.dialHost(context.Background())
			}
		}
	}
}

func (c *Controller) dialHost(ctx context.Context) {
	c.mu.Lock()
	cfg := c.account
	c.mu.Unlock()

	conn, err := c.tr.Dial(ctx, RendezvousID(cfg.AccountID, cfg.HostID))
	if err != nil {
		// Connection trouble is a status change, never fatal; the next
		// reconnect pulse triggers another dial.
		c.log.Info("host unreachable", zap.Error(err))
		return
	}
	if s := c.admitConn(conn); s != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.setStateLocked(StateJoined)
		}
		c.mu.Unlock()
	}
}

// acceptConn handles an inbound connection while hosting.
func (c *Controller) acceptConn(conn transport.Conn) {
	c.admitConn(conn)
}

// admitConn wraps a connection in a fresh session and tracks it until
// its close event. Returns nil if the controller detached meanwhile or
// the handshake failed.
func (c *Controller) admitConn(conn transport.Conn) *Session {
	c.mu.Lock()
	if c.state == StateDetached || c.doc == nil {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	doc, fetcher := c.doc, c.fetcher
	c.mu.Unlock()

	s := newSession(conn, doc, func(s *Session, msg []byte) {
		fetcher.HandleMessage(s, msg)
	}, c.log)
	if err := s.start(); err != nil {
		c.log.Warn("session handshake failed", zap.Error(err))
		return nil
	}

	c.mu.Lock()
	if c.state == StateDetached {
		c.mu.Unlock()
		s.Close()
		return nil
	}
	c.sessions[s] = true
	peers := len(c.sessions)
	c.notifyStatusLocked()
	c.mu.Unlock()

	c.log.Info("peer connected", zap.String("peer", conn.RemoteID()), zap.Int("peers", peers))
	go c.reapSession(s)
	return s
}

func (c *Controller) reapSession(s *Session) {
	<-s.Done()
	c.mu.Lock()
	delete(c.sessions, s)
	if c.state == StateJoined && len(c.sessions) == 0 {
		c.setStateLocked(StateConnecting)
	} else {
		c.notifyStatusLocked()
	}
	peers := len(c.sessions)
	c.mu.Unlock()
	c.log.Info("peer disconnected", zap.Int("peers", peers))
}

// Detach tears the active account down: every session closes, the
// durability adapter flushes and detaches, and the document is
// discarded. Safe to call when already detached.
func (c *Controller) Detach() {
	c.mu.Lock()
	if c.state == StateDetached {
		c.mu.Unlock()
		return
	}
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	stopListen := c.stopListen
	adapter := c.adapter
	detached := c.detached
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if stopListen != nil {
		stopListen()
	}
	if adapter != nil {
		adapter.Detach()
	}

	c.mu.Lock()
	close(detached)
	c.resetLocked()
	c.mu.Unlock()
	c.log.Info("account detached")
}

func (c *Controller) resetLocked() {
	c.doc = nil
	c.adapter = nil
	c.fetcher = nil
	c.sessions = nil
	c.stopListen = nil
	c.account = AccountConfig{}
	c.setStateLocked(StateDetached)
}

// State returns the current topology state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PeerCount returns the number of open sessions.
func (c *Controller) PeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// OnStatus registers fn for connection-status changes (state or peer
// count). Used by the status UI.
func (c *Controller) OnStatus(fn func(State, int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusSubs = append(c.statusSubs, fn)
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	c.notifyStatusLocked()
}

func (c *Controller) notifyStatusLocked() {
	state, peers := c.state, len(c.sessions)
	for _, fn := range c.statusSubs {
		go fn(state, peers)
	}
}

// Document returns the active document, or nil when detached.
func (c *Controller) Document() *document.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

func (c *Controller) openSessions() []ControlSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ControlSender, 0, len(c.sessions))
	for s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// RequestAttachment ensures an image's bytes are in the local store,
// fetching from a peer when necessary. See Fetcher.Request.
func (c *Controller) RequestAttachment(ctx context.Context, imageID string) error {
	c.mu.Lock()
	fetcher := c.fetcher
	c.mu.Unlock()
	if fetcher == nil {
		return ErrDetached
	}
	return fetcher.Request(ctx, imageID)
}
