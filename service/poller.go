package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"monitorconsole/commandapi"
	"monitorconsole/models"

	"golang.org/x/time/rate"
	"pkt.systems/pslog"
)

// PollerConfig bounds one polling loop.
type PollerConfig struct {
	Interval         time.Duration
	MaxAttempts      int
	ProgressLogEvery int
	ErrorLogEvery    int
}

// DefaultPollerConfig polls every 2s for up to 15 attempts.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:         2 * time.Second,
		MaxAttempts:      15,
		ProgressLogEvery: 3,
		ErrorLogEvery:    5,
	}
}

// Outcome is the terminal result of one polling loop. A cancelled loop
// reports StatusUnknown with a context error.
type Outcome struct {
	Command models.Command
	Status  models.CommandStatus
	Err     error
}

// Poller turns a fire-and-forget command into a terminal result. At most
// one loop is active; starting another cancels the previous one.
type Poller struct {
	api     commandapi.API
	arbiter *Arbiter
	events  LogSink
	logger  pslog.Logger
	cfg     PollerConfig

	// after schedules the next tick; replaced in tests.
	after func(time.Duration) <-chan time.Time
	now   func() time.Time

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	active *models.Command
	stats  models.TargetStats
}

// NewPoller creates a poller writing into arbiter and events.
func NewPoller(api commandapi.API, arbiter *Arbiter, events LogSink, cfg PollerConfig, logger pslog.Logger) *Poller {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	def := DefaultPollerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ProgressLogEvery <= 0 {
		cfg.ProgressLogEvery = def.ProgressLogEvery
	}
	if cfg.ErrorLogEvery <= 0 {
		cfg.ErrorLogEvery = def.ErrorLogEvery
	}
	return &Poller{
		api:     api,
		arbiter: arbiter,
		events:  events,
		logger:  logger.With("component", "poller"),
		cfg:     cfg,
		after:   time.After,
		now:     time.Now,
	}
}

// Pending shows the loading state for an outstanding request.
func (p *Poller) Pending(title, target string) {
	p.arbiter.SetMode(models.ModeLoading, &models.Payload{Title: title, Target: target})
}

// Issue cancels any active loop, shows the loading state, sends the command
// and starts polling for its result.
func (p *Poller) Issue(ctx context.Context, target string, t models.CommandType) (models.Command, <-chan Outcome, error) {
	if !t.Polled() {
		return models.Command{}, nil, fmt.Errorf("%w: %s is not a polled command", ErrUnknownCommand, t)
	}

	p.mu.Lock()
	gen := p.resetLocked()
	p.mu.Unlock()

	p.Pending(models.PendingTitle(t), target)
	p.events.Log(fmt.Sprintf("Sending command: %s...", t.WireName()), models.LevelInfo)

	id, err := p.api.SendCommand(ctx, target, t)
	if err != nil {
		p.applyIfCurrent(gen, func() {
			p.events.Log(fmt.Sprintf("Failed to send command: %v", err), models.LevelError)
			p.arbiter.ResetIfNotLive("")
		})
		return models.Command{}, nil, err
	}
	p.events.Log(fmt.Sprintf("Command SENT. ID: %s", id), models.LevelSuccess)

	cmd := models.Command{ID: id, Type: t, Target: target, IssuedAt: p.now(), Status: models.StatusPending}

	return cmd, p.PollUntilDone(gen, cmd), nil
}

// PollUntilDone starts the polling loop for cmd if gen is still the current
// generation. A superseded command gets a cancelled Outcome and no loop.
// The returned channel receives exactly one Outcome.
func (p *Poller) PollUntilDone(gen uint64, cmd models.Command) <-chan Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		out := make(chan Outcome, 1)
		out <- Outcome{Command: cmd, Status: models.StatusUnknown, Err: context.Canceled}
		return out
	}
	return p.startLocked(cmd)
}

// Generation returns the current loop generation. Issue and Cancel advance it.
func (p *Poller) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

func (p *Poller) startLocked(cmd models.Command) <-chan Outcome {
	out := make(chan Outcome, 1)
	gen := p.resetLocked()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	active := cmd
	p.active = &active

	go p.run(ctx, gen, cmd, out)
	return out
}

// Cancel stops the active loop, if any. Its late responses are discarded.
func (p *Poller) Cancel() {
	p.mu.Lock()
	p.resetLocked()
	p.mu.Unlock()
}

// Active returns the command currently being polled.
func (p *Poller) Active() (models.Command, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return models.Command{}, false
	}
	return *p.active, true
}

// Stats returns bookkeeping about the selected target.
func (p *Poller) Stats() models.TargetStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ResetStats starts bookkeeping for a newly selected target.
func (p *Poller) ResetStats(target string) {
	p.mu.Lock()
	p.stats = models.TargetStats{Target: target}
	p.mu.Unlock()
}

func (p *Poller) resetLocked() uint64 {
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.active = nil
	return p.gen
}

// applyIfCurrent runs fn only while gen is still the active loop. fn runs
// under the poller lock so a concurrent Issue or Cancel cannot interleave.
func (p *Poller) applyIfCurrent(gen uint64, fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return false
	}
	fn()
	return true
}

// finish ends loop gen with the given outcome effects.
func (p *Poller) finish(gen uint64, fn func()) bool {
	return p.applyIfCurrent(gen, func() {
		fn()
		if p.cancel != nil {
			p.cancel()
			p.cancel = nil
		}
		p.active = nil
	})
}

func (p *Poller) run(ctx context.Context, gen uint64, cmd models.Command, out chan<- Outcome) {
	log := p.logger.With("command_id", cmd.ID, "type", string(cmd.Type), "target", cmd.Target)
	errLog := rate.Sometimes{Every: p.cfg.ErrorLogEvery}
	attempts := 0

	result := func(status models.CommandStatus, err error) {
		cmd.Status = status
		out <- Outcome{Command: cmd, Status: status, Err: err}
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug("poll loop cancelled", "attempts", attempts)
			result(models.StatusUnknown, ctx.Err())
			return
		case <-p.after(p.cfg.Interval):
		}

		attempts++
		if attempts > p.cfg.MaxAttempts {
			if p.finish(gen, func() {
				p.events.Log(fmt.Sprintf("Timeout waiting for %s result.", cmd.Type.WireName()), models.LevelWarning)
				p.arbiter.ResetIfNotLive(fmt.Sprintf("%s Request Timed Out", cmd.Type.WireName()))
			}) {
				log.Warn("command timed out", "attempts", attempts-1)
				result(models.StatusTimedOut, nil)
			} else {
				result(models.StatusUnknown, context.Canceled)
			}
			return
		}

		if attempts%p.cfg.ProgressLogEvery == 0 {
			p.applyIfCurrent(gen, func() {
				p.events.Log(fmt.Sprintf("Polling... (%d/%d)", attempts, p.cfg.MaxAttempts), models.LevelInfo)
			})
		}

		status, err := p.api.CommandStatus(ctx, cmd.Target, cmd.ID)
		if ctx.Err() != nil {
			result(models.StatusUnknown, ctx.Err())
			return
		}
		if err != nil {
			if errors.Is(err, commandapi.ErrUnauthorized) {
				p.finish(gen, func() {
					p.events.Log("Session expired while polling, please log in again.", models.LevelError)
					p.arbiter.ResetIfNotLive("")
				})
				result(models.StatusUnknown, err)
				return
			}
			log.Debug("transient polling error", "attempt", attempts, "err", err)
			errLog.Do(func() {
				p.applyIfCurrent(gen, func() {
					p.events.Log(fmt.Sprintf("Polling error: %v", err), models.LevelWarning)
				})
			})
			continue
		}

		switch status {
		case models.StatusExecuted:
			p.deliver(ctx, gen, cmd, log)
			result(models.StatusExecuted, nil)
			return
		case models.StatusFailed:
			if p.finish(gen, func() {
				p.events.Log("Command FAILED on client.", models.LevelError)
				p.arbiter.ResetIfNotLive("")
			}) {
				log.Warn("command failed on device")
			}
			result(models.StatusFailed, nil)
			return
		}
	}
}

// deliver fetches the artifact of an executed command and renders it. The
// render goes through the arbiter, which drops it while live is shown.
func (p *Poller) deliver(ctx context.Context, gen uint64, cmd models.Command, log pslog.Logger) {
	switch cmd.Type {
	case models.CommandCaptureScreenshot:
		shot, err := p.api.Screenshot(ctx, cmd.ID)
		if err != nil {
			p.fetchFailed(gen, cmd, err, log)
			return
		}
		count, countErr := p.api.ScreenshotCount(ctx, cmd.Target)
		p.finish(gen, func() {
			if countErr == nil && p.stats.Target == cmd.Target {
				p.stats.ScreenshotCount = count
			}
			p.events.Log("Screenshot received!", models.LevelSuccess)
			p.arbiter.SetMode(models.ModeImage, &models.Payload{
				Title:  models.TitleScreenshot,
				Image:  p.imageSource(shot),
				Target: cmd.Target,
			})
		})
		if countErr != nil {
			log.Debug("screenshot count refresh failed", "err", countErr)
		}

	case models.CommandListApps:
		snap, err := p.api.Apps(ctx, cmd.Target)
		if err != nil {
			p.fetchFailed(gen, cmd, err, log)
			return
		}
		p.finish(gen, func() {
			if app, ok := snap.ActiveApp(); ok && p.stats.Target == cmd.Target {
				p.stats.ActiveApp = app.Name
			}
			p.events.Log(fmt.Sprintf("Apps received: %d running.", len(snap.Apps)), models.LevelSuccess)
			p.arbiter.SetMode(models.ModeAppsList, &models.Payload{
				Title:  models.TitleApps,
				Apps:   snap.Apps,
				Target: cmd.Target,
			})
		})

	case models.CommandGetBrowserStatus:
		snap, err := p.api.Browser(ctx, cmd.Target)
		if err != nil {
			p.fetchFailed(gen, cmd, err, log)
			return
		}
		p.finish(gen, func() {
			p.events.Log(fmt.Sprintf("Browser: %s", snap.Browser), models.LevelSuccess)
			p.arbiter.SetMode(models.ModeBrowserList, &models.Payload{
				Title:   models.TitleBrowser,
				Browser: &snap,
				Target:  cmd.Target,
			})
		})

	default:
		p.finish(gen, func() { p.arbiter.ResetIfNotLive("") })
	}
}

func (p *Poller) fetchFailed(gen uint64, cmd models.Command, err error, log pslog.Logger) {
	log.Warn("artifact fetch failed", "err", err)
	p.finish(gen, func() {
		p.events.Log(fmt.Sprintf("Failed to fetch %s result: %v", cmd.Type.WireName(), err), models.LevelError)
		p.arbiter.ResetIfNotLive("")
	})
}

// refreshable are the kinds an unforced latest-screenshot load may replace.
// Loading means a command is pending and lists are command results.
var refreshable = []models.ViewKind{models.ViewIdle, models.ViewImage}

// ShowLatestScreenshot loads the most recent stored capture of target. Unless
// forced it only replaces idle or image content, checked both before the
// fetch and again when the result is applied.
func (p *Poller) ShowLatestScreenshot(ctx context.Context, target string, force bool) error {
	gen := p.Generation()

	if !force && !slices.Contains(refreshable, p.arbiter.Mode().Kind) {
		return nil
	}

	shot, err := p.api.LatestScreenshot(ctx, target)
	if err != nil {
		p.logger.Debug("no latest screenshot", "target", target, "err", err)
		return err
	}
	if shot.URL == "" && shot.ImageData == "" {
		return nil
	}
	p.applyIfCurrent(gen, func() {
		payload := &models.Payload{
			Title:  models.TitleScreenshot,
			Image:  p.imageSource(shot),
			Target: target,
		}
		var shown bool
		if force {
			shown = p.arbiter.SetMode(models.ModeImage, payload)
		} else {
			shown = p.arbiter.SetModeIf(models.ModeImage, payload, refreshable...)
		}
		if shown {
			p.events.Log("Latest screenshot loaded", models.LevelSuccess)
		}
	})
	return nil
}

// RefreshScreenshotCount updates today's screenshot counter for target.
func (p *Poller) RefreshScreenshotCount(ctx context.Context, target string) (int, error) {
	count, err := p.api.ScreenshotCount(ctx, target)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	if p.stats.Target == target {
		p.stats.ScreenshotCount = count
	}
	p.mu.Unlock()
	return count, nil
}

// imageSource prefers inline image data over the stored URL. The URL gets a
// cache-busting timestamp.
func (p *Poller) imageSource(shot models.Screenshot) string {
	if shot.ImageData != "" {
		return shot.ImageData
	}
	if shot.URL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(shot.URL, "?") {
		sep = "&"
	}
	return shot.URL + sep + "t=" + strconv.FormatInt(p.now().UnixMilli(), 10)
}
