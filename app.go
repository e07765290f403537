package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"monitorconsole/api"
	"monitorconsole/commandapi"
	"monitorconsole/config"
	"monitorconsole/models"
	"monitorconsole/service"

	"github.com/pion/webrtc/v4"
	"pkt.systems/pslog"
)

// app is the wired console. hub and relay are nil when running headless.
type app struct {
	cfg     config.Config
	logger  pslog.Logger
	client  *commandapi.Client
	hub     *api.Hub
	relay   *service.StreamRelay
	events  *service.EventLog
	arbiter *service.Arbiter
	poller  *service.Poller
	live    *service.Controller
	console *service.Console
}

// viewLogger renders viewport changes into the process log for headless
// commands.
type viewLogger struct {
	logger pslog.Logger
}

func (v viewLogger) RenderView(view models.View) {
	v.logger.Info("viewport", "mode", view.Mode.String(), "title", view.Title, "notice", view.Notice, "seq", view.Seq)
}

func newApp(cfg config.Config, logger pslog.Logger, db *sql.DB, hub *api.Hub) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: hub}
	a.client = commandapi.NewClient(cfg.API.BaseURL, cfg.API.Timeout, logger)

	var sink service.ViewportSink = viewLogger{logger: logger}
	var hubSink *service.HubSink
	if hub != nil {
		hubSink = service.NewHubSink(hub)
		sink = hubSink
		a.relay = service.NewStreamRelay(hub, logger)
		hub.SetRelay(a.relay)
		a.events = service.NewEventLog(db, hub, logger)
	} else {
		a.events = service.NewEventLog(db, nil, logger)
	}

	a.arbiter = service.NewArbiter(sink, logger)
	a.poller = service.NewPoller(a.client, a.arbiter, a.events, service.PollerConfig{
		Interval:         cfg.Poller.Interval,
		MaxAttempts:      cfg.Poller.MaxAttempts,
		ProgressLogEvery: cfg.Poller.ProgressLogEvery,
		ErrorLogEvery:    cfg.Poller.ErrorLogEvery,
	}, logger)

	engine, err := service.NewPionEngine(logger)
	if err != nil {
		return nil, err
	}
	dialer := service.NewWSDialer(cfg.API.BaseURL, a.client.Token, cfg.Live.DialTimeout)
	a.live = service.NewController(a.client, a.arbiter, dialer, engine, a.events, a.relay, service.LiveConfig{
		DialTimeout:        cfg.Live.DialTimeout,
		NegotiationTimeout: cfg.Live.NegotiationTimeout,
		FallbackICEServers: fallbackICEServers(cfg.Live.ICEServers),
		FetchICEServers:    cfg.Live.FetchICEServers,
		Reconnect:          cfg.Live.Reconnect.Enabled,
		ReconnectDelay:     cfg.Live.Reconnect.Delay,
	}, logger)
	if hubSink != nil {
		a.live.AddListener(hubSink.LiveStateChanged)
	}

	a.console = service.NewConsole(a.client, a.arbiter, a.poller, a.live, a.events, logger)
	// The hook can fire inside the live session goroutine, which Invalidate
	// waits for.
	a.client.OnUnauthorized(func() { go a.console.Invalidate() })
	return a, nil
}

// authenticate uses the configured token, or logs in with the configured
// credentials.
func (a *app) authenticate(ctx context.Context) error {
	switch {
	case a.cfg.Auth.Token != "":
		a.console.UseToken(a.cfg.Auth.Token, "")
		return nil
	case a.cfg.Auth.Email != "":
		return a.console.Login(ctx, a.cfg.Auth.Email, a.cfg.Auth.Password)
	default:
		return errors.New("no credentials configured: set auth.token or auth.email/auth.password")
	}
}

func (a *app) eventListener() *service.EventListener {
	delay := a.cfg.Events.Reconnect.Delay
	if !a.cfg.Events.Reconnect.Enabled {
		delay = 0
	}
	return service.NewEventListener(a.cfg.API.BaseURL, a.client.Token, a.events, delay, a.logger)
}

func fallbackICEServers(in []config.ICEServerConfig) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		if len(s.URLs) == 0 {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: s.URLs})
	}
	return out
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
