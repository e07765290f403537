package service

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"monitorconsole/models"
)

type consoleHarness struct {
	api     *fakeAPI
	arbiter *Arbiter
	events  *EventLog
	hub     *recordingHub
	poller  *Poller
	ticks   chan time.Time
	dialer  *fakeDialer
	live    *Controller
	console *Console
}

func newConsoleHarness(t *testing.T) *consoleHarness {
	t.Helper()
	h := &consoleHarness{
		api:    newFakeAPI(),
		hub:    newRecordingHub(),
		ticks:  make(chan time.Time),
		dialer: &fakeDialer{},
	}
	h.arbiter = NewArbiter(&recordingSink{}, nil)
	h.events = NewEventLog(nil, h.hub, nil)
	h.poller = NewPoller(h.api, h.arbiter, h.events, DefaultPollerConfig(), nil)
	h.poller.after = func(time.Duration) <-chan time.Time { return h.ticks }
	h.live = NewController(h.api, h.arbiter, h.dialer, &fakeEngine{}, h.events, nil, testLiveConfig(), nil)
	h.console = NewConsole(h.api, h.arbiter, h.poller, h.live, h.events, nil)
	t.Cleanup(h.console.Shutdown)
	return h
}

func (h *consoleHarness) messages() []string {
	var out []string
	for _, e := range h.events.Recent(0) {
		out = append(out, e.Message)
	}
	return out
}

func (h *consoleHarness) login(t *testing.T) {
	t.Helper()
	if err := h.console.Login(context.Background(), "root@example.com", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestConsoleLogin(t *testing.T) {
	h := newConsoleHarness(t)
	if h.console.Authenticated() {
		t.Fatalf("authenticated before login")
	}

	h.api.loginErr = errors.New("invalid credentials")
	if err := h.console.Login(context.Background(), "root@example.com", "bad"); err == nil {
		t.Fatalf("expected login failure")
	}
	if got := h.messages()[0]; got != "Login failed: invalid credentials" {
		t.Fatalf("log = %q", got)
	}

	h.api.loginErr = nil
	h.login(t)
	if !h.console.Authenticated() {
		t.Fatalf("not authenticated after login")
	}
	if st := h.console.Status(); st.AdminName != "Root" || !st.Authenticated {
		t.Fatalf("status = %+v", st)
	}
	if got := h.messages()[0]; got != "Logged in as Root." {
		t.Fatalf("log = %q", got)
	}
}

func TestConsoleRequiresLoginAndTarget(t *testing.T) {
	h := newConsoleHarness(t)
	h.api.SetToken("")
	ctx := context.Background()

	if err := h.console.SelectTarget(ctx, "u2"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("SelectTarget err = %v", err)
	}
	if _, err := h.console.Employees(ctx); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Employees err = %v", err)
	}

	h.console.UseToken("preissued", "")
	if err := h.console.SelectTarget(ctx, ""); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("SelectTarget(\"\") err = %v", err)
	}
	if _, _, err := h.console.TriggerCommand(ctx, models.CommandCaptureScreenshot); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("TriggerCommand err = %v", err)
	}
	if err := h.console.StartLive(); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("StartLive err = %v", err)
	}
	if err := h.console.SendNotification(ctx, "", "hi"); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("SendNotification err = %v", err)
	}
}

func TestConsoleSelectTarget(t *testing.T) {
	h := newConsoleHarness(t)
	h.login(t)
	h.api.users = []models.User{{ID: "u2", Name: "Jane Doe"}}
	h.api.latest = models.Screenshot{URL: "https://cdn.example.com/u2/latest.png"}
	h.api.count = 4
	ctx := context.Background()
	if _, err := h.console.Employees(ctx); err != nil {
		t.Fatalf("Employees: %v", err)
	}

	if err := h.console.SelectTarget(ctx, "u2"); err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}

	msgs := h.messages()
	if msgs[len(msgs)-1] != "Selected Jane Doe." {
		t.Fatalf("log = %v, want selection first after clear", msgs)
	}
	v := h.console.View()
	if v.Mode != models.ModeImage || !strings.HasPrefix(v.Image, "https://cdn.example.com/u2/latest.png?t=") {
		t.Fatalf("view = %+v", v)
	}
	st := h.console.Status()
	if st.Target != "u2" || st.Stats.Target != "u2" || st.Stats.ScreenshotCount != 4 {
		t.Fatalf("status = %+v", st)
	}

	var cleared bool
	for _, m := range h.hub.all() {
		if msg := m.(models.HubMessage); msg.Type == models.HubLogClear {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("log clear not broadcast")
	}
}

func TestConsoleTargetSwitchCancelsActivity(t *testing.T) {
	h := newConsoleHarness(t)
	h.login(t)
	ctx := context.Background()
	if err := h.console.SelectTarget(ctx, "u1"); err != nil {
		t.Fatalf("SelectTarget(u1): %v", err)
	}

	_, out, err := h.console.TriggerCommand(ctx, models.CommandListApps)
	if err != nil {
		t.Fatalf("TriggerCommand: %v", err)
	}
	if err := h.console.StartLive(); err != nil {
		t.Fatalf("StartLive: %v", err)
	}
	waitFor(t, "live negotiating", func() bool { return h.live.State() == LiveNegotiating })

	if err := h.console.SelectTarget(ctx, "u2"); err != nil {
		t.Fatalf("SelectTarget(u2): %v", err)
	}

	if o := waitOutcome(t, out); !errors.Is(o.Err, context.Canceled) {
		t.Fatalf("outcome = %+v, want cancelled", o)
	}
	if s := h.live.State(); s != LiveIdle {
		t.Fatalf("live state = %s", s)
	}
	if got := h.api.stops(); !reflect.DeepEqual(got, []string{"u1"}) {
		t.Fatalf("stop triggers = %v", got)
	}
	if n := h.dialer.openCount(); n != 0 {
		t.Fatalf("open channels = %d", n)
	}
	if _, ok := h.poller.Active(); ok {
		t.Fatalf("poll still active")
	}
}

func TestConsoleToggleLive(t *testing.T) {
	h := newConsoleHarness(t)
	h.login(t)
	if err := h.console.SelectTarget(context.Background(), "u2"); err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}

	started, err := h.console.ToggleLive()
	if err != nil || !started {
		t.Fatalf("toggle on = %v, %v", started, err)
	}
	started, err = h.console.ToggleLive()
	if err != nil || started {
		t.Fatalf("toggle off = %v, %v", started, err)
	}
	if st := h.console.Status().Live; st.State != "IDLE" || st.Target != "" {
		t.Fatalf("live = %+v", st)
	}
}

func TestConsoleInvalidate(t *testing.T) {
	h := newConsoleHarness(t)
	h.login(t)
	if err := h.console.SelectTarget(context.Background(), "u2"); err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}

	h.console.Invalidate()
	h.console.Invalidate()

	if h.console.Authenticated() || h.api.Token() != "" {
		t.Fatalf("session survived invalidation")
	}
	if h.console.Target() != "" {
		t.Fatalf("target = %q", h.console.Target())
	}
	var alerts int
	for _, m := range h.hub.all() {
		msg := m.(models.HubMessage)
		if toast, ok := msg.Data.(models.Toast); ok && toast.Alert {
			alerts++
			if toast.Body != "Session expired. Please log in again." {
				t.Fatalf("alert = %q", toast.Body)
			}
		}
	}
	if alerts != 1 {
		t.Fatalf("alerts = %d, want 1", alerts)
	}
	if h.arbiter.Mode() != models.ModeIdle {
		t.Fatalf("mode = %s", h.arbiter.Mode())
	}
}

func TestConsoleEmployeesOnlineFirst(t *testing.T) {
	h := newConsoleHarness(t)
	h.login(t)
	h.api.users = []models.User{
		{ID: "u1", Name: "Zed"},
		{ID: "u2", Name: "Amy"},
		{ID: "u3", Name: "Bob"},
	}
	h.api.online = []models.OnlineUser{{UserID: "u1"}}

	list, err := h.console.Employees(context.Background())
	if err != nil {
		t.Fatalf("Employees: %v", err)
	}
	var names []string
	for _, e := range list {
		names = append(names, e.Name)
	}
	if want := []string{"Zed", "Amy", "Bob"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("order = %v, want %v", names, want)
	}
	if emp, ok := h.console.GetEmployee("u1"); !ok || !emp.Online {
		t.Fatalf("GetEmployee(u1) = %+v, %v", emp, ok)
	}
	if _, ok := h.console.GetEmployee("nobody"); ok {
		t.Fatalf("unknown employee found")
	}
}

func TestConsoleSendNotification(t *testing.T) {
	h := newConsoleHarness(t)
	h.login(t)
	if err := h.console.SelectTarget(context.Background(), "u2"); err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}

	if err := h.console.SendNotification(context.Background(), "", "Please call back"); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}
	h.api.mu.Lock()
	got := append([]string(nil), h.api.notifies...)
	h.api.mu.Unlock()
	if want := []string{"u2|Message from Admin|Please call back"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("notifies = %v", got)
	}
	if msg := h.messages()[0]; msg != "Notification sent to u2." {
		t.Fatalf("log = %q", msg)
	}
}

func TestConsoleCheckConnection(t *testing.T) {
	h := newConsoleHarness(t)
	h.api.pingErr = errors.New("dial tcp: connection refused")

	if err := h.console.CheckConnection(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if msg := h.messages()[0]; msg != "Backend unreachable: dial tcp: connection refused" {
		t.Fatalf("log = %q", msg)
	}
}
