package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"monitorconsole/commandapi"
	"monitorconsole/models"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// fakeAPI is an in-memory commandapi.API.
type fakeAPI struct {
	mu sync.Mutex

	token   string
	nextID  int
	sendErr error
	// sendHook and latestHook run before the call returns, outside the lock.
	sendHook   func()
	latestHook func()

	// statusFn answers the n-th CommandStatus call (1-based).
	statusFn    func(n int, id string) (models.CommandStatus, error)
	statusCalls int

	screenshot models.Screenshot
	latest     models.Screenshot
	latestErr  error
	count      int
	apps       models.AppsSnapshot
	browser    models.BrowserSnapshot

	startErr   error
	startCalls []string
	stopCalls  []string
	iceServers []models.ICEServer
	iceErr     error

	users    []models.User
	online   []models.OnlineUser
	notifies []string
	loginErr error
	pingErr  error
}

var _ commandapi.API = (*fakeAPI)(nil)

func newFakeAPI() *fakeAPI {
	return &fakeAPI{token: "tok"}
}

func (f *fakeAPI) Login(ctx context.Context, email, password string) (commandapi.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return commandapi.Session{}, f.loginErr
	}
	f.token = "tok-" + email
	return commandapi.Session{Token: f.token, AdminName: "Root"}, nil
}

func (f *fakeAPI) OnlineUsers(ctx context.Context) ([]models.OnlineUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online, nil
}

func (f *fakeAPI) Users(ctx context.Context) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users, nil
}

func (f *fakeAPI) SendCommand(ctx context.Context, target string, cmd models.CommandType) (string, error) {
	if f.sendHook != nil {
		f.sendHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	return fmt.Sprintf("c%d", f.nextID), nil
}

func (f *fakeAPI) CommandHistory(ctx context.Context, target string) ([]models.CommandRecord, error) {
	return nil, nil
}

func (f *fakeAPI) CommandStatus(ctx context.Context, target, commandID string) (models.CommandStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	n, fn := f.statusCalls, f.statusFn
	f.mu.Unlock()
	if fn == nil {
		return models.StatusPending, nil
	}
	return fn(n, commandID)
}

func (f *fakeAPI) Screenshot(ctx context.Context, commandID string) (models.Screenshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screenshot, nil
}

func (f *fakeAPI) LatestScreenshot(ctx context.Context, target string) (models.Screenshot, error) {
	if f.latestHook != nil {
		f.latestHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.latestErr
}

func (f *fakeAPI) ScreenshotCount(ctx context.Context, target string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, nil
}

func (f *fakeAPI) Apps(ctx context.Context, target string) (models.AppsSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.apps, nil
}

func (f *fakeAPI) Browser(ctx context.Context, target string) (models.BrowserSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.browser, nil
}

func (f *fakeAPI) StartLiveSession(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls = append(f.startCalls, target)
	return f.startErr
}

func (f *fakeAPI) StopLiveSession(ctx context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, target)
	return nil
}

func (f *fakeAPI) Notify(ctx context.Context, target, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, target+"|"+title+"|"+message)
	return nil
}

func (f *fakeAPI) ICEServers(ctx context.Context, target string) ([]models.ICEServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.iceServers, f.iceErr
}

func (f *fakeAPI) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeAPI) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeAPI) SetToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fakeAPI) stops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopCalls...)
}

// recordingLog is a LogSink keeping every call.
type recordingLog struct {
	mu      sync.Mutex
	entries []models.LogEntry
	toasts  []models.Toast
}

func (l *recordingLog) Log(message string, level models.LogLevel) {
	l.mu.Lock()
	l.entries = append(l.entries, models.LogEntry{Message: message, Level: level})
	l.mu.Unlock()
}

func (l *recordingLog) Notify(title, body string) {
	l.mu.Lock()
	l.toasts = append(l.toasts, models.Toast{Title: title, Body: body})
	l.mu.Unlock()
}

func (l *recordingLog) Alert(message string) {
	l.mu.Lock()
	l.toasts = append(l.toasts, models.Toast{Title: "Alert", Body: message, Alert: true})
	l.mu.Unlock()
}

// matching returns entries whose message contains substr.
func (l *recordingLog) matching(substr string) []models.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.LogEntry
	for _, e := range l.entries {
		if strings.Contains(e.Message, substr) {
			out = append(out, e)
		}
	}
	return out
}

func (l *recordingLog) alerts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, t := range l.toasts {
		if t.Alert {
			out = append(out, t.Body)
		}
	}
	return out
}

// fakeChannel is an in-memory SignalingChannel. The test plays the agent
// through push and sent.
type fakeChannel struct {
	target string
	in     chan models.SignalMessage
	done   chan struct{}

	mu     sync.Mutex
	out    []models.SignalMessage
	closed bool
	once   sync.Once
}

func newFakeChannel(target string) *fakeChannel {
	return &fakeChannel{
		target: target,
		in:     make(chan models.SignalMessage, 16),
		done:   make(chan struct{}),
	}
}

func (c *fakeChannel) Send(msg models.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.out = append(c.out, msg)
	return nil
}

func (c *fakeChannel) Receive() (models.SignalMessage, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return models.SignalMessage{}, ErrChannelClosed
	}
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

// drop simulates the remote side going away.
func (c *fakeChannel) drop() { c.Close() }

func (c *fakeChannel) push(msg models.SignalMessage) { c.in <- msg }

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) sent() []models.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.SignalMessage(nil), c.out...)
}

// fakeDialer hands out fakeChannels and remembers them.
type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	err      error
	block    bool
}

func (d *fakeDialer) Dial(ctx context.Context, target string) (SignalingChannel, error) {
	d.mu.Lock()
	err, block := d.err, d.block
	d.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	ch := newFakeChannel(target)
	d.mu.Lock()
	d.channels = append(d.channels, ch)
	d.mu.Unlock()
	return ch, nil
}

func (d *fakeDialer) all() []*fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeChannel(nil), d.channels...)
}

func (d *fakeDialer) openCount() int {
	n := 0
	for _, ch := range d.all() {
		if !ch.isClosed() {
			n++
		}
	}
	return n
}

// fakeEngine creates fakeMedia sessions.
type fakeEngine struct {
	mu       sync.Mutex
	sessions []*fakeMedia
	servers  [][]webrtc.ICEServer
}

func (e *fakeEngine) NewSession(servers []webrtc.ICEServer) (MediaSession, error) {
	m := &fakeMedia{closed: make(chan struct{})}
	e.mu.Lock()
	e.sessions = append(e.sessions, m)
	e.servers = append(e.servers, servers)
	e.mu.Unlock()
	return m, nil
}

func (e *fakeEngine) all() []*fakeMedia {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeMedia(nil), e.sessions...)
}

type fakeMedia struct {
	mu          sync.Mutex
	onCandidate func(models.Candidate)
	onState     func(webrtc.ICEConnectionState)
	onTrack     func(RemoteTrack)
	answer      string
	remote      []models.Candidate
	// log records answer and candidate application order.
	log       []string
	closeOnce sync.Once
	closed    chan struct{}
}

func (m *fakeMedia) OnLocalCandidate(fn func(models.Candidate)) {
	m.mu.Lock()
	m.onCandidate = fn
	m.mu.Unlock()
}

func (m *fakeMedia) OnConnectivity(fn func(webrtc.ICEConnectionState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *fakeMedia) OnTrack(fn func(RemoteTrack)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

func (m *fakeMedia) CreateOffer() (string, error) {
	return "v=0 offer", nil
}

func (m *fakeMedia) SetAnswer(sdp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sdp == "" {
		return errors.New("empty answer")
	}
	m.answer = sdp
	m.log = append(m.log, "answer")
	return nil
}

func (m *fakeMedia) AddRemoteCandidate(c models.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.answer == "" {
		return errors.New("remote description not set")
	}
	m.remote = append(m.remote, c)
	m.log = append(m.log, "candidate:"+c.Candidate)
	return nil
}

func (m *fakeMedia) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *fakeMedia) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *fakeMedia) order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.log...)
}

func (m *fakeMedia) emitCandidate(c models.Candidate) {
	m.mu.Lock()
	fn := m.onCandidate
	m.mu.Unlock()
	fn(c)
}

func (m *fakeMedia) emitState(s webrtc.ICEConnectionState) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	fn(s)
}

// emitTrack delivers a track that yields one packet per feed call.
func (m *fakeMedia) emitTrack(mime string) *fakeTrack {
	tr := &fakeTrack{mime: mime, pkts: make(chan *rtp.Packet, 16), closed: m.closed}
	m.mu.Lock()
	fn := m.onTrack
	m.mu.Unlock()
	fn(tr)
	return tr
}

type fakeTrack struct {
	mime   string
	pkts   chan *rtp.Packet
	closed chan struct{}
}

func (t *fakeTrack) MimeType() string { return t.mime }

func (t *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	select {
	case p := <-t.pkts:
		return p, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTrack) feed(payload []byte) {
	t.pkts <- &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: payload}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
