package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"monitorconsole/models"

	"pkt.systems/pslog"
)

// ViewportSink receives every rendered viewport snapshot, in order.
// RenderView is called with the arbiter lock held and must not block.
type ViewportSink interface {
	RenderView(view models.View)
}

var errMalformedPayload = errors.New("malformed payload")

// Arbiter is the single owner of the shared viewport. Live video has
// priority: while live is shown, only live or idle may replace it.
type Arbiter struct {
	mu     sync.Mutex
	view   models.View
	seq    uint64
	sink   ViewportSink
	logger pslog.Logger
	now    func() time.Time
}

// NewArbiter creates an arbiter showing the idle placeholder.
func NewArbiter(sink ViewportSink, logger pslog.Logger) *Arbiter {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	a := &Arbiter{
		sink:   sink,
		logger: logger.With("component", "viewport"),
		now:    time.Now,
	}
	a.view = models.View{Mode: models.ModeIdle, Title: models.TitleIdle, UpdatedAt: a.now()}
	return a
}

// SetMode requests a viewport transition and reports whether the displayed
// content changed. It never fails: a dropped request returns false, a
// malformed payload degrades to idle.
func (a *Arbiter) SetMode(mode models.Mode, payload *models.Payload) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setModeLocked(mode, payload)
}

func (a *Arbiter) setModeLocked(mode models.Mode, payload *models.Payload) bool {
	if a.view.Mode.Kind == models.ViewLive && mode.Kind != models.ViewLive && mode.Kind != models.ViewIdle {
		a.logger.Debug("viewport is live, render dropped", "requested", mode.String())
		return false
	}

	next, err := buildView(mode, payload)
	if err != nil {
		a.logger.Warn("viewport payload rejected, falling back to idle", "requested", mode.String(), "err", err)
		next = models.View{Mode: models.ModeIdle, Title: models.TitleIdle}
	}

	if sameContent(a.view, next) {
		return false
	}

	a.seq++
	next.Seq = a.seq
	next.UpdatedAt = a.now()
	prev := a.view.Mode
	a.view = next
	a.logger.Debug("viewport mode changed", "from", prev.String(), "to", next.Mode.String(), "seq", next.Seq)

	if a.sink != nil {
		a.sink.RenderView(next)
	}
	return true
}

// SetModeIf is SetMode applied only while the displayed kind is one of from.
// The check and the transition happen under one lock.
func (a *Arbiter) SetModeIf(mode models.Mode, payload *models.Payload, from ...models.ViewKind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(from, a.view.Mode.Kind) {
		a.logger.Debug("viewport changed underneath, render dropped", "requested", mode.String(), "current", a.view.Mode.String())
		return false
	}
	return a.setModeLocked(mode, payload)
}

// Reset returns the viewport to idle, optionally carrying an operator notice.
func (a *Arbiter) Reset(notice string) bool {
	return a.SetMode(models.ModeIdle, &models.Payload{Notice: notice})
}

// ResetIfNotLive resets to idle unless live video is shown. Command
// outcomes use it so a finished poll never blanks a running stream.
func (a *Arbiter) ResetIfNotLive(notice string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.view.Mode.Kind == models.ViewLive {
		a.logger.Debug("viewport is live, reset dropped", "notice", notice)
		return false
	}
	return a.setModeLocked(models.ModeIdle, &models.Payload{Notice: notice})
}

// Mode returns the active viewport mode.
func (a *Arbiter) Mode() models.Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view.Mode
}

// View returns a copy of the current viewport snapshot.
func (a *Arbiter) View() models.View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view
}

func (a *Arbiter) IsLive() bool {
	return a.Mode().Kind == models.ViewLive
}

func buildView(mode models.Mode, payload *models.Payload) (models.View, error) {
	var p models.Payload
	if payload != nil {
		p = *payload
	}
	view := models.View{Mode: mode}

	switch mode.Kind {
	case models.ViewIdle:
		view.Mode = models.ModeIdle
		view.Title = orDefault(p.Title, models.TitleIdle)
		view.Notice = p.Notice

	case models.ViewLoading:
		view.Mode = models.ModeLoading
		view.Title = orDefault(p.Title, "Loading...")
		view.Target = p.Target

	case models.ViewImage:
		if payload == nil || p.Image == "" {
			return models.View{}, fmt.Errorf("%w: image without source", errMalformedPayload)
		}
		view.Mode = models.ModeImage
		view.Title = orDefault(p.Title, models.TitleScreenshot)
		view.Image = p.Image
		view.Target = p.Target

	case models.ViewList:
		if payload == nil {
			return models.View{}, fmt.Errorf("%w: list without payload", errMalformedPayload)
		}
		view.Target = p.Target
		switch mode.List {
		case models.ListApps:
			view.Title = orDefault(p.Title, models.TitleApps)
			view.Apps = p.Apps
			if view.Apps == nil {
				view.Apps = []models.AppInfo{}
			}
		case models.ListBrowser:
			if p.Browser == nil {
				return models.View{}, fmt.Errorf("%w: browser list without snapshot", errMalformedPayload)
			}
			snap := *p.Browser
			if snap.Details == nil {
				if err := snap.DecodeDetails(); err != nil {
					return models.View{}, fmt.Errorf("%w: %v", errMalformedPayload, err)
				}
			}
			view.Title = orDefault(p.Title, models.TitleBrowser)
			view.Browser = &snap
		default:
			return models.View{}, fmt.Errorf("%w: unknown list kind %q", errMalformedPayload, mode.List)
		}

	case models.ViewLive:
		view.Mode = models.ModeLive
		view.Title = orDefault(p.Title, models.TitleLive)
		view.Target = p.Target

	default:
		return models.View{}, fmt.Errorf("%w: unknown mode %q", errMalformedPayload, mode.Kind)
	}
	return view, nil
}

// sameContent compares two views ignoring bookkeeping fields.
func sameContent(a, b models.View) bool {
	a.Seq, b.Seq = 0, 0
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
