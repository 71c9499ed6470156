// Package session runs one two-party peer session: it owns the peer
// connection, local media, the chat data channel and the ICE candidate
// queue, and drives perfect negotiation over the signaling channel.
//
// All session state is confined to a single event-loop goroutine. Public
// methods, pion callbacks, timers and inbound signaling frames post closures
// onto that loop, so none of them ever touch session state concurrently.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/webrtcpeer"
)

const (
	DefaultRestartDelay  = 2 * time.Second
	DefaultStatsInterval = 5 * time.Second

	leaveFlushTimeout = time.Second
)

var ErrDestroyed = errors.New("session destroyed")

// Config is fixed for the lifetime of a session.
type Config struct {
	Role     config.Role
	RoomID   string
	UserName string

	RestartDelay  time.Duration
	StatsInterval time.Duration

	// DataChannel configures the chat channel the host creates.
	DataChannel  *webrtc.DataChannelInit
	InboundLimit ratelimit.DataLimiterConfig
}

// ConfigFromAppConfig derives a session Config from the process config.
func ConfigFromAppConfig(cfg config.Config) Config {
	return Config{
		Role:          cfg.Role,
		RoomID:        cfg.RoomID,
		UserName:      cfg.UserName,
		RestartDelay:  cfg.RestartDelay,
		StatsInterval: cfg.StatsInterval,
		DataChannel:   webrtcpeer.ChatDataChannelInit(cfg),
		InboundLimit: ratelimit.DataLimiterConfig{
			MessagesPerSecond: cfg.InboundDataMessagesPerSecond,
			BytesPerSecond:    cfg.InboundDataBytesPerSecond,
		},
	}
}

// Signaling is the control channel to the relay. *signaling.Client
// implements it.
type Signaling interface {
	signaling.Sender
	OnMessage(f func([]byte))
	Connect(ctx context.Context) error
	Flush(ctx context.Context) error
	Close() error
}

// Hooks are invoked on the session's event loop and must not block.
type Hooks struct {
	OnLifecycleChange          func(Lifecycle)
	OnConnectionStateChange    func(webrtc.PeerConnectionState)
	OnICEConnectionStateChange func(webrtc.ICEConnectionState)
	OnStats                    func(webrtcpeer.Stats)
	OnPeerJoined               func(userName string)
	// OnRemoteTrack binds a remote track to a render target; OnRemoteLeave
	// clears that binding.
	OnRemoteTrack func(*webrtc.TrackRemote)
	OnRemoteLeave func()
}

type Options struct {
	NewPeerConnection webrtcpeer.Factory
	Signaling         Signaling
	Clock             clock.Clock
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	Hooks             Hooks
}

type Lifecycle int

const (
	LifecycleCreated Lifecycle = iota
	LifecycleMediaAcquired
	LifecycleConnectionEstablishing
	LifecycleConnected
	LifecycleReconnecting
	LifecycleClosed
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleCreated:
		return "created"
	case LifecycleMediaAcquired:
		return "media_acquired"
	case LifecycleConnectionEstablishing:
		return "connection_establishing"
	case LifecycleConnected:
		return "connected"
	case LifecycleReconnecting:
		return "reconnecting"
	case LifecycleClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// snapshot is the externally visible state, copied out of the loop.
type snapshot struct {
	lifecycle    Lifecycle
	connState    webrtc.PeerConnectionState
	iceState     webrtc.ICEConnectionState
	reconnecting bool
	stats        webrtcpeer.Stats
	haveStats    bool
	negotiation  NegotiationState
	generation   uint64
}

type Session struct {
	id      string
	cfg     Config
	polite  bool
	factory webrtcpeer.Factory
	sig     Signaling
	router  *signaling.Router
	clk     clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	hooks   Hooks
	limiter *ratelimit.DataLimiter

	events    *eventQueue
	done      chan struct{}
	destroyMu sync.Mutex
	destroyed bool

	// Owned by the event loop.
	peer          *peer
	gen           uint64
	started       bool
	stream        *media.Stream
	micEnabled    bool
	cameraEnabled bool
	lifecycle     Lifecycle
	onData        func(string)

	restartTimer clock.Timer
	// restartRequested pins a pending restart that recovery must not cancel.
	restartRequested bool
	statsTimer       clock.Timer
	statsSeq         uint64

	snapMu sync.Mutex
	snap   snapshot
}

func New(cfg Config, opts Options) (*Session, error) {
	if cfg.Role != config.RoleHost && cfg.Role != config.RoleGuest {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}
	if opts.NewPeerConnection == nil {
		return nil, errors.New("peer connection factory is required")
	}
	if opts.Signaling == nil {
		return nil, errors.New("signaling is required")
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}

	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", id, "room", cfg.RoomID, "role", cfg.Role)
	clk := clock.OrReal(opts.Clock)

	s := &Session{
		id:            id,
		cfg:           cfg,
		polite:        cfg.Role == config.RoleGuest,
		factory:       opts.NewPeerConnection,
		sig:           opts.Signaling,
		clk:           clk,
		logger:        logger,
		metrics:       opts.Metrics,
		hooks:         opts.Hooks,
		limiter:       ratelimit.NewDataLimiter(clk, cfg.InboundLimit),
		events:        newEventQueue(),
		done:          make(chan struct{}),
		micEnabled:    true,
		cameraEnabled: true,
	}
	s.router = signaling.NewRouter(opts.Signaling, clk, logger, opts.Metrics)
	opts.Signaling.OnMessage(func(data []byte) {
		s.post(func() { s.router.Dispatch(data, loopHandler{s}) })
	})

	go s.run()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Start creates the first peer connection (and, for the host, the chat
// channel), adds any attached media, and connects signaling.
func (s *Session) Start(ctx context.Context) error {
	err := s.call(func() error {
		if s.started {
			return errors.New("session already started")
		}
		s.started = true
		if err := s.createPeer(); err != nil {
			return err
		}
		s.setLifecycle(LifecycleConnectionEstablishing)
		if s.polite {
			s.renegotiate(s.peer, "start")
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.sig.Connect(ctx)
}

// AttachMedia hands the session its local stream. Tracks are added to the
// current peer connection at most once; restarts re-add them to the new one.
func (s *Session) AttachMedia(stream *media.Stream) error {
	return s.call(func() error {
		if s.stream != nil && s.stream != stream {
			s.stream.Stop()
		}
		s.stream = stream
		if s.lifecycle == LifecycleCreated {
			s.setLifecycle(LifecycleMediaAcquired)
		}
		if s.peer != nil {
			s.addLocalTracksOnce(s.peer)
		}
		return nil
	})
}

// SendData sends text on the chat channel. When the channel is not open the
// message is dropped with a diagnostic; SendData never blocks.
func (s *Session) SendData(text string) {
	s.post(func() { s.sendData(text) })
}

// OnData registers the inbound chat callback. It runs on the event loop.
func (s *Session) OnData(f func(string)) {
	s.post(func() { s.onData = f })
}

// Restart replaces the peer connection after the restart delay. Overlapping
// requests collapse into one.
func (s *Session) Restart() {
	s.post(func() {
		if !s.started {
			s.logger.Debug("restart before start ignored")
			return
		}
		s.restartRequested = true
		s.scheduleRestart("requested")
	})
}

func (s *Session) SetMicrophoneEnabled(enabled bool) {
	s.post(func() {
		s.micEnabled = enabled
		if s.peer != nil {
			s.applyTrackToggles(s.peer)
		}
	})
}

func (s *Session) SetCameraEnabled(enabled bool) {
	s.post(func() {
		s.cameraEnabled = enabled
		if s.peer != nil {
			s.applyTrackToggles(s.peer)
		}
	})
}

// Destroy releases the peer connection, stops local tracks, announces Leave
// and closes signaling. It is idempotent.
func (s *Session) Destroy() {
	s.destroyMu.Lock()
	if s.destroyed {
		s.destroyMu.Unlock()
		<-s.done
		return
	}
	s.destroyed = true
	s.destroyMu.Unlock()

	announced := make(chan bool, 1)
	if !s.events.post(func() { announced <- s.teardown() }) {
		announced <- false
	}
	<-s.done

	if <-announced {
		ctx, cancel := context.WithTimeout(context.Background(), leaveFlushTimeout)
		_ = s.sig.Flush(ctx)
		cancel()
	}
	_ = s.sig.Close()
	s.logger.Info("session destroyed")
}

// Done is closed once Destroy has completed teardown.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Lifecycle() Lifecycle {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snap.lifecycle
}

func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snap.connState
}

func (s *Session) ICEConnectionState() webrtc.ICEConnectionState {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snap.iceState
}

func (s *Session) Reconnecting() bool {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snap.reconnecting
}

// Stats returns the most recent sample, if any has been taken.
func (s *Session) Stats() (webrtcpeer.Stats, bool) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snap.stats, s.snap.haveStats
}

// Negotiation reports the negotiation flags of the current peer connection.
func (s *Session) Negotiation() NegotiationState {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snap.negotiation
}

// LastPong reports when the relay last answered a heartbeat; zero if never.
func (s *Session) LastPong() time.Time {
	return s.router.LastPong()
}

// Generation counts peer connection instances; it increments on restart.
func (s *Session) Generation() uint64 {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snap.generation
}

func (s *Session) updateSnapshot(f func(*snapshot)) {
	s.snapMu.Lock()
	f(&s.snap)
	s.snapMu.Unlock()
}

func (s *Session) setLifecycle(l Lifecycle) {
	if s.lifecycle == l {
		return
	}
	s.lifecycle = l
	s.updateSnapshot(func(snap *snapshot) { snap.lifecycle = l })
	s.logger.Debug("session lifecycle", "state", l.String())
	if s.hooks.OnLifecycleChange != nil {
		s.hooks.OnLifecycleChange(l)
	}
}

func (s *Session) sendSignal(m signaling.Message) {
	if err := s.sig.Send(m); err != nil {
		s.logger.Debug("signaling send failed", "kind", m.Kind.String(), "err", err)
	}
}

// teardown runs on the loop and reports whether a Leave was queued.
func (s *Session) teardown() bool {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.stopStats()
	if s.peer != nil {
		s.closePeer(s.peer, false)
		s.peer = nil
	}
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	s.onData = nil
	s.setLifecycle(LifecycleClosed)
	s.updateSnapshot(func(snap *snapshot) {
		snap.reconnecting = false
		snap.negotiation = NegotiationState{}
	})
	s.events.close()

	announced := s.started
	if announced {
		s.sendSignal(signaling.Leave())
	}
	return announced
}

// call runs f on the loop and waits for its result.
func (s *Session) call(f func() error) error {
	errCh := make(chan error, 1)
	if !s.post(func() { errCh <- f() }) {
		return ErrDestroyed
	}
	select {
	case err := <-errCh:
		return err
	case <-s.done:
		// f may have been the last closure the loop ran.
		select {
		case err := <-errCh:
			return err
		default:
			return ErrDestroyed
		}
	}
}

func (s *Session) post(f func()) bool {
	return s.events.post(f)
}

func (s *Session) run() {
	defer close(s.done)
	for {
		f, ok := s.events.next()
		if !ok {
			return
		}
		f()
	}
}

// eventQueue is an unbounded FIFO of closures. Posting never blocks, so
// pion callbacks can never deadlock against the loop.
type eventQueue struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) post(f func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, f)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// next blocks until a closure is available. It returns false once the queue
// is closed and drained of the closure that closed it.
func (q *eventQueue) next() (func(), bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return f, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// close rejects further posts and discards anything still queued.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.items {
		q.items[i] = nil
	}
	q.items = nil
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
