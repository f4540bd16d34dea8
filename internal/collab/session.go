// Package collab manages the client side of collaborative editing: one
// session per open idea, holding the document replica, the connection to
// the idea's relay room and the presence of the other collaborators.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"ideasync/internal/document"
	"ideasync/internal/presence"
	"ideasync/internal/protocol"
)

// ErrSessionClosed is returned by edits on a closed session.
var ErrSessionClosed = errors.New("session closed")

// Status is the connection state of a session.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusOffline    Status = "offline"
	StatusClosed     Status = "closed"
)

// Options tune a session.
type Options struct {
	RelayURL         string
	ConnectTimeout   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// InitialSyncWait bounds how long a connected session waits for a
	// peer's answer before it treats the room as empty.
	InitialSyncWait time.Duration
	SendBuffer      int
	Presence        presence.Options
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		RelayURL:         "ws://localhost:1234",
		ConnectTimeout:   5 * time.Second,
		ReconnectInitial: 250 * time.Millisecond,
		ReconnectMax:     10 * time.Second,
		InitialSyncWait:  500 * time.Millisecond,
		SendBuffer:       256,
		Presence:         presence.DefaultOptions(),
	}
}

// Session binds one idea's replica to its relay room.
type Session struct {
	ideaID  string
	room    string
	url     string
	user    presence.User
	doc     *document.Doc
	tracker *presence.Tracker
	dialer  Dialer
	opts    Options
	logger  *zap.Logger

	mu     sync.Mutex
	status Status
	closed bool
	conn   Conn
	outbox chan outFrame
	// queued holds local updates made while no connection was open
	queued          [][]byte
	remoteListeners []func([]document.Block)
	statusListeners []func(Status)

	synced   chan struct{}
	syncOnce sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(*Session)
}

// outFrame is a frame waiting for the writer. sent, when set, is closed
// once the frame was written or dropped.
type outFrame struct {
	data []byte
	sent chan struct{}
}

func (f outFrame) done() {
	if f.sent != nil {
		close(f.sent)
	}
}

func newSession(ctx context.Context, ideaID string, user presence.User, clientID string, dialer Dialer, opts Options, logger *zap.Logger) (*Session, error) {
	doc, err := document.New(clientID)
	if err != nil {
		return nil, err
	}
	room := protocol.RoomName(ideaID)
	logger = logger.With(
		zap.String("ideaID", ideaID),
		zap.String("userID", user.ID),
		zap.String("clientID", clientID),
	)

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ideaID:  ideaID,
		room:    room,
		url:     RoomURL(opts.RelayURL, room),
		user:    user,
		doc:     doc,
		tracker: presence.NewTracker(clientID, user, opts.Presence, logger),
		dialer:  dialer,
		opts:    opts,
		logger:  logger,
		status:  StatusConnecting,
		synced:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.tracker.SetSender(func(payload []byte) {
		s.send(protocol.Encode(protocol.MessageAwareness, payload))
	})
	return s, nil
}

func (s *Session) start() {
	go s.tracker.Run(s.ctx)
	go s.run()
}

// IdeaID returns the idea the session edits.
func (s *Session) IdeaID() string {
	return s.ideaID
}

// Room returns the relay room of the session.
func (s *Session) Room() string {
	return s.room
}

// Status returns the current connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Presence returns the awareness tracker of the session.
func (s *Session) Presence() *presence.Tracker {
	return s.tracker
}

// Content returns the document serialized as a JSON block array.
func (s *Session) Content() string {
	return s.doc.Serialize()
}

// Blocks returns the visible blocks in order.
func (s *Session) Blocks() []document.Block {
	return s.doc.Blocks()
}

// Synced is closed once the first exchange with the room settled: a peer
// answered the state vector, the room stayed silent for InitialSyncWait
// after connecting, or the first connection attempt failed.
func (s *Session) Synced() <-chan struct{} {
	return s.synced
}

func (s *Session) markSynced() {
	s.syncOnce.Do(func() { close(s.synced) })
}

// OnRemoteChange registers a callback invoked with the new block list after
// a remote update changed the document.
func (s *Session) OnRemoteChange(fn func([]document.Block)) {
	s.mu.Lock()
	s.remoteListeners = append(s.remoteListeners, fn)
	s.mu.Unlock()
}

// OnStatusChange registers a callback invoked on every status transition.
func (s *Session) OnStatusChange(fn func(Status)) {
	s.mu.Lock()
	s.statusListeners = append(s.statusListeners, fn)
	s.mu.Unlock()
}

// OnPresenceChange registers a callback invoked with the collaborator list
// whenever it changes.
func (s *Session) OnPresenceChange(fn func([]presence.Entry)) {
	s.tracker.OnChange(func(presence.Change) {
		fn(s.tracker.Collaborators())
	})
}

// SetCursor publishes the local caret position, debounced.
func (s *Session) SetCursor(cursor presence.Cursor, selection *presence.Selection) {
	s.tracker.SetLocalCursor(cursor, selection)
}

// ApplyLocalChange applies an edit made to base, a block list read from
// Blocks earlier, that produced blocks, and sends the resulting update.
// Blocks keep their id to be edited in place; blocks without an id are
// inserted. Only blocks of base can be deleted and only fields changed
// relative to base are written, so remote edits merged after base was read
// survive. While offline the update is queued until the next connection.
func (s *Session) ApplyLocalChange(base, blocks []document.Block) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	update, err := s.doc.ReplaceBlocks(base, blocks)
	if err != nil {
		return fmt.Errorf("apply local change: %w", err)
	}
	if update != nil {
		s.sendUpdate(update)
	}
	return nil
}

// LoadSnapshot seeds the replica from persisted content when it holds
// nothing yet, and reports how the content was read. A replica that already
// received content keeps it.
func (s *Session) LoadSnapshot(content string) (document.SnapshotKind, bool, error) {
	if !s.doc.Empty() {
		return document.SnapshotEmpty, false, nil
	}
	update, kind, err := s.doc.LoadSnapshot(content)
	if err != nil {
		return kind, false, fmt.Errorf("load snapshot: %w", err)
	}
	if kind == document.SnapshotMalformed {
		s.logger.Warn("Malformed snapshot, using the default template")
	}
	s.sendUpdate(update)
	return kind, true, nil
}

// SeedIfEmpty waits for the initial sync, then seeds the replica from
// content unless a peer already provided the document. When the relay
// cannot be reached the stored content is rendered right away.
func (s *Session) SeedIfEmpty(ctx context.Context, content string) (bool, error) {
	select {
	case <-s.synced:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.done:
		return false, ErrSessionClosed
	}
	_, seeded, err := s.LoadSnapshot(content)
	return seeded, err
}

// Close leaves the room and releases the session. Updates still waiting
// for the writer are flushed ahead of the leave frame. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		var sent chan struct{}
		if s.outbox != nil {
			if payload, err := s.tracker.LeavePayload(); err == nil {
				leave := outFrame{data: protocol.Encode(protocol.MessageAwareness, payload), sent: make(chan struct{})}
				select {
				case s.outbox <- leave:
					sent = leave.sent
				default:
				}
			}
		}
		if len(s.queued) > 0 {
			s.logger.Warn("Closing with offline edits that never reached the relay", zap.Int("updates", len(s.queued)))
		}
		s.mu.Unlock()

		if sent != nil {
			select {
			case <-sent:
			case <-time.After(s.opts.ConnectTimeout):
				s.logger.Debug("Timed out flushing before leave")
			}
		}

		s.cancel()
		if conn != nil {
			conn.Close()
		}
		<-s.done

		s.setStatus(StatusClosed)
		if s.onClose != nil {
			s.onClose(s)
		}
		s.logger.Info("Collaboration session closed")
	})
	return nil
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status || s.status == StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = status
	listeners := append(([]func(Status))(nil), s.statusListeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}

// send queues a frame on the current connection. A full outbox closes the
// connection; the resync after reconnecting recovers what was lost.
func (s *Session) send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outbox == nil {
		return false
	}
	select {
	case s.outbox <- outFrame{data: frame}:
		return true
	default:
		s.logger.Warn("Outbox full, reconnecting")
		s.conn.Close()
		return false
	}
}

func (s *Session) sendUpdate(update []byte) {
	frame := protocol.Encode(protocol.MessageUpdate, update)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outbox == nil {
		s.queued = append(s.queued, update)
		return
	}
	select {
	case s.outbox <- outFrame{data: frame}:
	default:
		s.queued = append(s.queued, update)
		s.logger.Warn("Outbox full, reconnecting")
		s.conn.Close()
	}
}

// run keeps the session connected until it is closed.
func (s *Session) run() {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.ReconnectInitial
	bo.MaxInterval = s.opts.ReconnectMax
	bo.Reset()

	for {
		if s.ctx.Err() != nil {
			return
		}
		s.setStatus(StatusConnecting)

		connected, err := s.connectAndServe()
		if s.ctx.Err() != nil {
			return
		}
		if connected {
			bo.Reset()
		} else {
			// Nobody can answer the state vector; let callers render stored content.
			s.markSynced()
		}
		s.setStatus(StatusOffline)

		wait := bo.NextBackOff()
		s.logger.Warn("Relay connection lost",
			zap.Error(err),
			zap.Bool("wasConnected", connected),
			zap.Duration("retryIn", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectAndServe dials the room, runs the handshake and reads until the
// connection fails. It reports whether the dial succeeded.
func (s *Session) connectAndServe() (bool, error) {
	dialCtx, cancel := context.WithTimeout(s.ctx, s.opts.ConnectTimeout)
	conn, err := s.dialer.Dial(dialCtx, s.url)
	cancel()
	if err != nil {
		return false, err
	}

	step1, err := protocol.EncodeSyncStep1(s.doc.StateVector(), false)
	if err != nil {
		conn.Close()
		return false, err
	}

	size := s.opts.SendBuffer
	if size < 8 {
		size = 8
	}
	outbox := make(chan outFrame, size)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return false, ErrSessionClosed
	}
	// Handshake frames go first, ahead of anything sent concurrently.
	outbox <- outFrame{data: step1}
	for len(s.queued) > 0 && len(outbox) < cap(outbox)-1 {
		outbox <- outFrame{data: protocol.Encode(protocol.MessageUpdate, s.queued[0])}
		s.queued = s.queued[1:]
	}
	// Whatever did not fit reaches peers through the step1 exchange.
	s.queued = nil
	outbox <- outFrame{data: protocol.Encode(protocol.MessageAwarenessQuery, nil)}
	s.conn = conn
	s.outbox = outbox
	s.mu.Unlock()

	writerDone := make(chan struct{})
	go s.writeLoop(conn, outbox, writerDone)

	s.setStatus(StatusConnected)
	s.logger.Info("Connected to relay", zap.String("url", s.url))
	s.tracker.Publish()

	settle := time.AfterFunc(s.opts.InitialSyncWait, s.markSynced)
	err = s.readLoop(conn)
	settle.Stop()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.outbox = nil
	}
	close(outbox)
	s.mu.Unlock()

	conn.Close()
	<-writerDone
	s.tracker.Reset()

	return true, err
}

func (s *Session) writeLoop(conn Conn, outbox <-chan outFrame, done chan<- struct{}) {
	defer close(done)
	for frame := range outbox {
		err := conn.WriteMessage(frame.data)
		frame.done()
		if err != nil {
			s.logger.Debug("Write failed", zap.Error(err))
			conn.Close()
			for rest := range outbox {
				rest.done()
			}
			return
		}
	}
}

func (s *Session) readLoop(conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			s.logger.Debug("Ignoring malformed frame", zap.Error(err))
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame protocol.Frame) {
	switch frame.Type {
	case protocol.MessageSyncStep1:
		sv, reply, err := protocol.DecodeSyncStep1(frame.Payload)
		if err != nil {
			s.logger.Debug("Ignoring malformed state vector", zap.Error(err))
			return
		}
		diff, err := s.doc.Diff(sv)
		if err != nil {
			s.logger.Warn("Failed to compute sync diff", zap.Error(err))
		} else if diff != nil {
			s.send(protocol.Encode(protocol.MessageSyncStep2, diff))
		}
		if !reply {
			if out, err := protocol.EncodeSyncStep1(s.doc.StateVector(), true); err == nil {
				s.send(out)
			}
		}

	case protocol.MessageSyncStep2, protocol.MessageUpdate:
		changed, err := s.doc.Apply(frame.Payload)
		if err != nil {
			s.logger.Debug("Ignoring malformed update", zap.Error(err))
			return
		}
		if frame.Type == protocol.MessageSyncStep2 {
			s.markSynced()
		}
		if changed {
			s.notifyRemote()
		}

	case protocol.MessageAwareness:
		if _, err := s.tracker.Apply(frame.Payload); err != nil {
			s.logger.Debug("Ignoring malformed awareness frame", zap.Error(err))
		}

	case protocol.MessageAwarenessQuery:
		s.tracker.Publish()
	}
}

func (s *Session) notifyRemote() {
	s.mu.Lock()
	listeners := append(([]func([]document.Block))(nil), s.remoteListeners...)
	s.mu.Unlock()

	if len(listeners) == 0 {
		return
	}
	blocks := s.doc.Blocks()
	for _, fn := range listeners {
		fn(blocks)
	}
}
