package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"monitorconsole/commandapi"
	"monitorconsole/models"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"pkt.systems/pslog"
)

// LiveState is the lifecycle state of the live session.
type LiveState int

const (
	LiveIdle        LiveState = iota // No session
	LiveStarting                     // Session created, signaling not yet open
	LiveSignaling                    // Signaling channel open
	LiveNegotiating                  // Offer sent, waiting for media
	LiveStreaming                    // First media frame received
	LiveStopped                      // Manual stop in progress
	LiveFailed                       // Failure in progress
)

func (s LiveState) String() string {
	return [...]string{"IDLE", "STARTING", "SIGNALING", "NEGOTIATING", "STREAMING", "STOPPED", "FAILED"}[s]
}

// Operator notices shown when a session ends abnormally.
const (
	NoticeFirewall           = "Connection Blocked by Firewall (TURN Server Required)"
	NoticeDisconnected       = "Stream Disconnected."
	NoticeNegotiationTimeout = "Live Stream Timed Out"
)

const (
	stopNotifyTimeout = 5 * time.Second
	teardownWait      = 5 * time.Second
)

// LiveConfig tunes session negotiation.
type LiveConfig struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	FallbackICEServers []webrtc.ICEServer
	FetchICEServers    bool
	Reconnect          bool
	ReconnectDelay     time.Duration
}

// DefaultLiveConfig has no auto-reconnect and a 30s negotiation bound.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		DialTimeout:        10 * time.Second,
		NegotiationTimeout: 30 * time.Second,
		FallbackICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		FetchICEServers:    true,
		ReconnectDelay:     5 * time.Second,
	}
}

// StateChange describes one live state transition.
type StateChange struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target"`
	From      LiveState `json:"-"`
	To        LiveState `json:"-"`
	FromName  string    `json:"from"`
	ToName    string    `json:"to"`
	Notice    string    `json:"notice,omitempty"`
}

// LiveStatus is a snapshot of the controller.
type LiveStatus struct {
	State     string    `json:"state"`
	Target    string    `json:"target,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since"`
	Notice    string    `json:"notice,omitempty"`
}

// Controller owns the single live session of the console: its signaling
// channel, its media session and every live-related viewport transition.
type Controller struct {
	api     commandapi.API
	arbiter *Arbiter
	dialer  SignalingDialer
	engine  MediaEngine
	events  LogSink
	relay   *StreamRelay
	logger  pslog.Logger
	cfg     LiveConfig

	// opMu serializes Start, Stop and Toggle.
	opMu sync.Mutex

	mu             sync.Mutex
	session        *liveSession
	state          LiveState
	since          time.Time
	notice         string
	listeners      []func(StateChange)
	reconnectTimer *time.Timer
	reconnectGen   uint64
}

// liveSession is one {signaling channel, media session} pair.
type liveSession struct {
	id     string
	target string
	ctx    context.Context
	cancel context.CancelFunc
	log    pslog.Logger
	done   chan struct{}

	// Set under Controller.mu while the session is current.
	channel   SignalingChannel
	media     MediaSession
	timer     *time.Timer
	connected bool

	sendMu       sync.Mutex
	offerSent    bool
	localPending []models.Candidate

	firstFrame sync.Once
	closeOnce  sync.Once
}

// NewController wires the controller. relay may be nil.
func NewController(api commandapi.API, arbiter *Arbiter, dialer SignalingDialer, engine MediaEngine, events LogSink, relay *StreamRelay, cfg LiveConfig, logger pslog.Logger) *Controller {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	def := DefaultLiveConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = def.NegotiationTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	return &Controller{
		api:     api,
		arbiter: arbiter,
		dialer:  dialer,
		engine:  engine,
		events:  events,
		relay:   relay,
		logger:  logger.With("component", "live"),
		cfg:     cfg,
		state:   LiveIdle,
		since:   time.Now(),
	}
}

// AddListener registers fn for every state transition. fn runs with the
// controller lock held and must not call back into the controller.
func (c *Controller) AddListener(fn func(StateChange)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// State returns the current live state.
func (c *Controller) State() LiveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot for display.
func (c *Controller) Status() LiveStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := LiveStatus{State: c.state.String(), Since: c.since, Notice: c.notice}
	if c.session != nil {
		st.Target = c.session.target
		st.SessionID = c.session.id
	}
	return st
}

// Active reports whether a session exists for target.
func (c *Controller) Active(target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.target == target
}

// Start opens a live session to target. A session for another target is
// fully stopped first. Starting the already-active target returns
// ErrSessionActive and changes nothing.
func (c *Controller) Start(target string) error {
	if target == "" {
		return ErrNoTarget
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.startLocked(target)
}

// Stop tears down the active session. Calling it while idle is a no-op.
func (c *Controller) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked("manual stop")
}

// Toggle stops the session of target if one is active, otherwise starts
// one. It reports whether a session was started.
func (c *Controller) Toggle(target string) (bool, error) {
	if target == "" {
		return false, ErrNoTarget
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.Active(target) {
		c.stopLocked("toggle")
		return false, nil
	}
	if err := c.startLocked(target); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) startLocked(target string) error {
	c.mu.Lock()
	cur := c.session
	c.mu.Unlock()
	if cur != nil {
		if cur.target == target {
			return ErrSessionActive
		}
		c.stopLocked("target switch")
	}
	c.cancelReconnect()

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	sess := &liveSession{
		id:     id,
		target: target,
		ctx:    ctx,
		cancel: cancel,
		log:    c.logger.With("session", id, "target", target),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.session = sess
	c.notice = ""
	c.setStateLocked(sess, LiveStarting, "")
	c.arbiter.SetMode(models.ModeLoading, &models.Payload{Title: models.TitleConnecting, Target: target})
	sess.timer = time.AfterFunc(c.cfg.NegotiationTimeout, func() { c.negotiationExpired(sess) })
	c.mu.Unlock()

	if c.relay != nil {
		c.relay.Begin(target)
	}
	c.events.Log(fmt.Sprintf("Starting live stream for %s...", target), models.LevelInfo)

	go c.triggerStart(sess)
	go c.run(sess)
	return nil
}

func (c *Controller) stopLocked(reason string) {
	c.cancelReconnect()

	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.notice = ""
	c.setStateLocked(sess, LiveStopped, "")
	c.arbiter.Reset("")
	c.setStateLocked(sess, LiveIdle, "")
	c.mu.Unlock()

	sess.log.Info("stopping live session", "reason", reason)
	sess.teardown()
	c.waitTeardown(sess)
	if c.relay != nil {
		c.relay.End(sess.target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopNotifyTimeout)
	err := c.api.StopLiveSession(ctx, sess.target)
	cancel()
	if err != nil {
		sess.log.Warn("stop trigger failed", "err", err)
	}
	c.events.Log("Live stream stopped.", models.LevelInfo)
}

// waitTeardown blocks until the session goroutine has released its channel.
func (c *Controller) waitTeardown(sess *liveSession) {
	select {
	case <-sess.done:
	case <-time.After(teardownWait):
		sess.log.Warn("live session goroutine did not exit in time")
	}
}

// triggerStart tells the backend to make the agent publish. Failure is
// surfaced but the signaling attempt continues.
func (c *Controller) triggerStart(sess *liveSession) {
	err := c.api.StartLiveSession(sess.ctx, sess.target)
	if err == nil {
		sess.log.Debug("start trigger accepted")
		return
	}
	if sess.ctx.Err() != nil {
		return
	}
	sess.log.Warn("start trigger failed", "err", err)
	c.events.Alert(fmt.Sprintf("START TRIGGER FAILED: %v", err))
}

func (c *Controller) run(sess *liveSession) {
	defer close(sess.done)

	servers := c.iceServers(sess)

	dialCtx, cancel := context.WithTimeout(sess.ctx, c.cfg.DialTimeout)
	ch, err := c.dialer.Dial(dialCtx, sess.target)
	cancel()
	if err != nil {
		c.fail(sess, NoticeDisconnected, fmt.Errorf("signaling dial: %w", err))
		return
	}
	if !c.attach(sess, func() { sess.channel = ch }) {
		sess.log.Debug("session changed during dial, aborting")
		ch.Close()
		return
	}
	if !c.transition(sess, LiveSignaling) {
		return
	}

	media, err := c.engine.NewSession(servers)
	if err != nil {
		c.fail(sess, NoticeDisconnected, err)
		return
	}
	if !c.attach(sess, func() { sess.media = media }) {
		media.Close()
		return
	}

	media.OnLocalCandidate(func(cand models.Candidate) {
		if err := sess.sendCandidate(cand); err != nil {
			sess.log.Debug("local candidate not sent", "err", err)
		}
	})
	media.OnConnectivity(func(state webrtc.ICEConnectionState) {
		c.handleConnectivity(sess, state)
	})
	media.OnTrack(func(track RemoteTrack) {
		go c.consumeTrack(sess, track)
	})

	sdp, err := media.CreateOffer()
	if err != nil {
		c.fail(sess, NoticeDisconnected, err)
		return
	}
	if err := sess.sendOffer(sdp); err != nil {
		c.fail(sess, NoticeDisconnected, fmt.Errorf("sending offer: %w", err))
		return
	}
	if !c.transition(sess, LiveNegotiating) {
		return
	}
	sess.log.Info("offer sent")

	c.readSignals(sess, ch, media)
}

// readSignals applies signaling messages in arrival order. Remote
// candidates that arrive before the answer are queued and flushed after it.
func (c *Controller) readSignals(sess *liveSession, ch SignalingChannel, media MediaSession) {
	remoteSet := false
	var pending []models.Candidate

	for {
		msg, err := ch.Receive()
		if err != nil {
			c.channelClosed(sess, err)
			return
		}

		switch msg.Type {
		case models.SignalAnswer:
			if remoteSet {
				sess.log.Debug("duplicate answer ignored")
				continue
			}
			if err := media.SetAnswer(msg.SDP); err != nil {
				c.fail(sess, NoticeDisconnected, err)
				return
			}
			remoteSet = true
			sess.log.Info("answer applied", "queued_candidates", len(pending))
			for _, cand := range pending {
				c.addRemoteCandidate(sess, media, cand)
			}
			pending = nil

		case models.SignalICECandidate:
			cand := msg.AsCandidate()
			if !remoteSet {
				pending = append(pending, cand)
				continue
			}
			c.addRemoteCandidate(sess, media, cand)

		default:
			sess.log.Debug("unexpected signaling message", "type", string(msg.Type))
		}
	}
}

func (c *Controller) addRemoteCandidate(sess *liveSession, media MediaSession, cand models.Candidate) {
	if err := media.AddRemoteCandidate(cand); err != nil {
		sess.log.Warn("remote candidate rejected", "err", err)
	}
}

// channelClosed handles the end of the read loop. Closure after a manual
// stop or a superseding start is expected and ignored.
func (c *Controller) channelClosed(sess *liveSession, err error) {
	if sess.ctx.Err() != nil {
		return
	}
	if !c.fail(sess, NoticeDisconnected, fmt.Errorf("signaling channel closed: %w", err)) {
		return
	}
	if c.cfg.Reconnect {
		c.scheduleReconnect(sess.target)
	}
}

func (c *Controller) handleConnectivity(sess *liveSession, state webrtc.ICEConnectionState) {
	sess.log.Debug("ice connection state", "ice", state.String())
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		c.attach(sess, func() { sess.connected = true })
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		c.mu.Lock()
		connected := sess.connected
		c.mu.Unlock()
		// Never reaching connected means no candidate pair worked.
		notice := NoticeDisconnected
		if !connected {
			notice = NoticeFirewall
		}
		c.fail(sess, notice, fmt.Errorf("ice connection %s", state))
	}
}

func (c *Controller) consumeTrack(sess *liveSession, track RemoteTrack) {
	mime := track.MimeType()
	sess.log.Info("remote track received", "mime", mime)
	relay := c.relay != nil && isH264(mime)

	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			sess.log.Debug("remote track ended", "err", err)
			return
		}
		if sess.ctx.Err() != nil {
			return
		}
		sess.firstFrame.Do(func() { c.enterStreaming(sess) })
		if relay {
			c.relay.WriteRTP(sess.target, pkt)
		}
	}
}

// enterStreaming is the only transition into Streaming and the only place
// the viewport is set live.
func (c *Controller) enterStreaming(sess *liveSession) {
	c.mu.Lock()
	if c.session != sess || c.state != LiveNegotiating {
		c.mu.Unlock()
		return
	}
	if sess.timer != nil {
		sess.timer.Stop()
	}
	c.setStateLocked(sess, LiveStreaming, "")
	c.arbiter.SetMode(models.ModeLive, &models.Payload{Title: models.TitleLive, Target: sess.target})
	c.mu.Unlock()

	c.events.Log(fmt.Sprintf("Live stream connected to %s.", sess.target), models.LevelSuccess)
}

func (c *Controller) negotiationExpired(sess *liveSession) {
	c.failWhen(sess, NoticeNegotiationTimeout,
		fmt.Errorf("no media within %s", c.cfg.NegotiationTimeout),
		func(st LiveState) bool { return st != LiveStreaming })
}

// fail ends sess with notice and reports whether it was still current.
func (c *Controller) fail(sess *liveSession, notice string, err error) bool {
	return c.failWhen(sess, notice, err, nil)
}

func (c *Controller) failWhen(sess *liveSession, notice string, err error, cond func(LiveState) bool) bool {
	c.mu.Lock()
	if c.session != sess || (cond != nil && !cond(c.state)) {
		c.mu.Unlock()
		return false
	}
	c.session = nil
	c.notice = notice
	c.setStateLocked(sess, LiveFailed, notice)
	c.arbiter.Reset(notice)
	c.setStateLocked(sess, LiveIdle, notice)
	c.mu.Unlock()

	sess.log.Warn("live session failed", "notice", notice, "err", err)
	sess.teardown()
	if c.relay != nil {
		c.relay.End(sess.target)
	}
	c.events.Log(notice, models.LevelError)
	return true
}

// attach runs fn under the controller lock if sess is still current.
func (c *Controller) attach(sess *liveSession, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != sess {
		return false
	}
	fn()
	return true
}

func (c *Controller) transition(sess *liveSession, to LiveState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != sess {
		sess.log.Debug("state changed during startup, aborting", "wanted", to.String())
		return false
	}
	c.setStateLocked(sess, to, "")
	return true
}

func (c *Controller) setStateLocked(sess *liveSession, to LiveState, notice string) {
	from := c.state
	c.state = to
	c.since = time.Now()
	sess.log.Info("live state changed", "from", from.String(), "to", to.String())

	change := StateChange{
		SessionID: sess.id,
		Target:    sess.target,
		From:      from,
		To:        to,
		FromName:  from.String(),
		ToName:    to.String(),
		Notice:    notice,
	}
	for _, fn := range c.listeners {
		fn(change)
	}
}

func (c *Controller) iceServers(sess *liveSession) []webrtc.ICEServer {
	if c.cfg.FetchICEServers {
		servers, err := c.api.ICEServers(sess.ctx, sess.target)
		switch {
		case err == nil && len(servers) > 0:
			return iceServersFrom(servers)
		case err != nil && !errors.Is(err, context.Canceled):
			sess.log.Warn("ice server fetch failed, using fallback servers", "err", err)
		}
	}
	return c.cfg.FallbackICEServers
}

func (c *Controller) scheduleReconnect(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	gen := c.reconnectGen
	c.logger.Info("live reconnect scheduled", "target", target, "delay", c.cfg.ReconnectDelay.String())
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.opMu.Lock()
		defer c.opMu.Unlock()

		c.mu.Lock()
		stale := gen != c.reconnectGen || c.session != nil
		c.mu.Unlock()
		if stale {
			return
		}
		c.events.Log(fmt.Sprintf("Reconnecting live stream to %s...", target), models.LevelInfo)
		if err := c.startLocked(target); err != nil {
			c.logger.Warn("live reconnect failed", "target", target, "err", err)
		}
	})
}

func (c *Controller) cancelReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectGen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// sendCandidate trickles a local candidate, holding it back until the
// offer has gone out.
func (s *liveSession) sendCandidate(cand models.Candidate) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	if !s.offerSent {
		s.localPending = append(s.localPending, cand)
		return nil
	}
	return s.channel.Send(cand.Message())
}

func (s *liveSession) sendOffer(sdp string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.channel.Send(models.SignalMessage{Type: models.SignalOffer, SDP: sdp}); err != nil {
		return err
	}
	s.offerSent = true
	for _, cand := range s.localPending {
		if err := s.channel.Send(cand.Message()); err != nil {
			return err
		}
	}
	s.localPending = nil
	return nil
}

// teardown releases the session's resources. Safe to call more than once.
func (s *liveSession) teardown() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.media != nil {
			if err := s.media.Close(); err != nil {
				s.log.Debug("media session close", "err", err)
			}
		}
		if s.channel != nil {
			if err := s.channel.Close(); err != nil {
				s.log.Debug("signaling channel close", "err", err)
			}
		}
	})
}
