package sync

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/splitsync/splitsync/internal/document"
	"github.com/splitsync/splitsync/internal/transport"
)

// Session is one live connection to one peer device. On start it pushes
// the full current document state (once per session; incremental after
// that), then relays: inbound binary frames merge into the document
// tagged with this session's origin, and document changes from any other
// origin are forwarded out. Sessions are never reused; reconnection
// builds a fresh one.
type Session struct {
	conn    transport.Conn
	doc     *document.Document
	control func(s *Session, msg []byte)
	log     *zap.Logger
	origin  document.Origin

	unsub     func()
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn transport.Conn, doc *document.Document, control func(*Session, []byte), log *zap.Logger) *Session {
	return &Session{
		conn:    conn,
		doc:     doc,
		control: control,
		log:     log.With(zap.String("peer", conn.RemoteID())),
		origin:  document.Origin("session-" + uuid.NewString()),
		done:    make(chan struct{}),
	}
}

// start subscribes to the document, sends the full-state handshake, and
// launches the read loop. Subscribing before the handshake means a local
// mutation racing the handshake is delivered twice at worst, which the
// merge discards as idempotent, rather than lost.
func (s *Session) start() error {
	s.unsub = s.doc.Subscribe(s.onChange)

	state, err := s.doc.EncodeFullState()
	if err != nil {
		s.Close()
		return err
	}
	if err := s.conn.Send(transport.Payload{Kind: transport.KindBinary, Data: state}); err != nil {
		s.Close()
		return err
	}

	go s.readLoop()
	return nil
}

func (s *Session) readLoop() {
	for {
		p, err := s.conn.Recv()
		if err != nil {
			s.Close()
			return
		}
		switch p.Kind {
		case transport.KindBinary:
			if err := s.doc.ApplyRemote(p.Data, s.origin); err != nil {
				// One bad message must not take the session down or
				// leave partial state behind; the merge already
				// rejected it atomically.
				s.log.Warn("dropping malformed update", zap.Error(err))
			}
		case transport.KindText:
			s.control(s, p.Data)
		}
	}
}

// onChange forwards a document change unless this session produced it.
// Send failures are swallowed: fan-out is best-effort and a dead peer is
// cleaned up by its own close event, not by blocking the others.
func (s *Session) onChange(ch document.Change) {
	if ch.Origin == s.origin {
		return
	}
	if err := s.conn.Send(transport.Payload{Kind: transport.KindBinary, Data: ch.Payload}); err != nil {
		s.log.Debug("forward failed", zap.Error(err))
	}
}

// SendControl sends an attachment control message as a text frame.
func (s *Session) SendControl(msg []byte) error {
	return s.conn.Send(transport.Payload{Kind: transport.KindText, Data: msg})
}

// Origin returns the tag this session's merges carry.
func (s *Session) Origin() document.Origin { return s.origin }

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down. Idempotent; also invoked by the read
// loop on connection error.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.unsub != nil {
			s.unsub()
		}
		s.conn.Close()
		close(s.done)
	})
}
