package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"monitorconsole/commandapi"
	"monitorconsole/models"

	"pkt.systems/pslog"
)

// Console owns the admin session and the selected target, and sequences the
// poller and the live controller around target changes.
type Console struct {
	api     commandapi.API
	arbiter *Arbiter
	poller  *Poller
	live    *Controller
	events  *EventLog
	logger  pslog.Logger

	mu        sync.RWMutex
	loggedIn  bool
	adminName string
	target    string
	employees map[string]*models.Employee
}

// ConsoleStatus is the operator-facing summary of the console.
type ConsoleStatus struct {
	Authenticated bool               `json:"authenticated"`
	AdminName     string             `json:"admin_name,omitempty"`
	Target        string             `json:"target,omitempty"`
	Stats         models.TargetStats `json:"stats"`
	Viewport      models.Mode        `json:"viewport"`
	Live          LiveStatus         `json:"live"`
	ActivePoll    *models.Command    `json:"active_poll,omitempty"`
}

func NewConsole(api commandapi.API, arbiter *Arbiter, poller *Poller, live *Controller, events *EventLog, logger pslog.Logger) *Console {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Console{
		api:       api,
		arbiter:   arbiter,
		poller:    poller,
		live:      live,
		events:    events,
		logger:    logger.With("component", "console"),
		employees: make(map[string]*models.Employee),
	}
}

// Login authenticates the admin against the backend.
func (c *Console) Login(ctx context.Context, email, password string) error {
	sess, err := c.api.Login(ctx, email, password)
	if err != nil {
		c.events.Log(fmt.Sprintf("Login failed: %v", err), models.LevelError)
		return err
	}
	c.mu.Lock()
	c.loggedIn = true
	c.adminName = sess.AdminName
	c.mu.Unlock()
	c.events.Log(fmt.Sprintf("Logged in as %s.", sess.AdminName), models.LevelSuccess)
	return nil
}

// UseToken adopts a pre-issued bearer token instead of logging in.
func (c *Console) UseToken(token, adminName string) {
	if adminName == "" {
		adminName = "Admin"
	}
	c.api.SetToken(token)
	c.mu.Lock()
	c.loggedIn = token != ""
	c.adminName = adminName
	c.mu.Unlock()
}

func (c *Console) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loggedIn && c.api.Token() != ""
}

// Logout stops all activity and drops the token.
func (c *Console) Logout() {
	if !c.endSession() {
		return
	}
	c.events.Log("Logged out.", models.LevelInfo)
}

// Invalidate ends a session the backend rejected. It must not run on a
// goroutine that is waiting for the live controller.
func (c *Console) Invalidate() {
	if !c.endSession() {
		return
	}
	c.events.Alert("Session expired. Please log in again.")
}

func (c *Console) endSession() bool {
	c.mu.Lock()
	if !c.loggedIn {
		c.mu.Unlock()
		return false
	}
	c.loggedIn = false
	c.mu.Unlock()

	c.poller.Cancel()
	c.live.Stop()
	c.api.SetToken("")

	c.mu.Lock()
	c.adminName = ""
	c.target = ""
	c.employees = make(map[string]*models.Employee)
	c.mu.Unlock()

	c.poller.ResetStats("")
	c.arbiter.Reset("")
	return true
}

// Target returns the selected device session target.
func (c *Console) Target() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.target
}

// SelectTarget switches the console to target. Everything tied to the
// previous target is cancelled before the new one is shown.
func (c *Console) SelectTarget(ctx context.Context, target string) error {
	if target == "" {
		return ErrNoTarget
	}
	if !c.Authenticated() {
		return ErrNotAuthenticated
	}

	c.poller.Cancel()
	c.live.Stop()

	c.mu.Lock()
	c.target = target
	name := target
	if emp, ok := c.employees[target]; ok && emp.Name != "" {
		name = emp.Name
	}
	c.mu.Unlock()

	c.arbiter.Reset("")
	c.events.Clear()
	c.poller.ResetStats(target)
	c.events.Log(fmt.Sprintf("Selected %s.", name), models.LevelInfo)

	if err := c.poller.ShowLatestScreenshot(ctx, target, true); err != nil {
		c.logger.Debug("latest screenshot unavailable", "target", target, "err", err)
	}
	if _, err := c.poller.RefreshScreenshotCount(ctx, target); err != nil {
		c.logger.Debug("screenshot count unavailable", "target", target, "err", err)
	}
	return nil
}

// ClearTarget deselects the current target.
func (c *Console) ClearTarget() {
	c.poller.Cancel()
	c.live.Stop()
	c.mu.Lock()
	c.target = ""
	c.mu.Unlock()
	c.poller.ResetStats("")
	c.arbiter.Reset("")
}

func (c *Console) requireTarget() (string, error) {
	if !c.Authenticated() {
		return "", ErrNotAuthenticated
	}
	target := c.Target()
	if target == "" {
		return "", ErrNoTarget
	}
	return target, nil
}

// TriggerCommand sends a polled command to the selected target.
func (c *Console) TriggerCommand(ctx context.Context, t models.CommandType) (models.Command, <-chan Outcome, error) {
	target, err := c.requireTarget()
	if err != nil {
		return models.Command{}, nil, err
	}
	return c.poller.Issue(ctx, target, t)
}

func (c *Console) StartLive() error {
	target, err := c.requireTarget()
	if err != nil {
		return err
	}
	return c.live.Start(target)
}

func (c *Console) StopLive() {
	c.live.Stop()
}

// ToggleLive starts live for the selected target, or stops it if running.
// It reports whether a session was started.
func (c *Console) ToggleLive() (bool, error) {
	target, err := c.requireTarget()
	if err != nil {
		return false, err
	}
	return c.live.Toggle(target)
}

// SendNotification pushes a message to the selected employee.
func (c *Console) SendNotification(ctx context.Context, title, message string) error {
	target, err := c.requireTarget()
	if err != nil {
		return err
	}
	if title == "" {
		title = "Message from Admin"
	}
	if err := c.api.Notify(ctx, target, title, message); err != nil {
		c.events.Log(fmt.Sprintf("Failed to send notification: %v", err), models.LevelError)
		return err
	}
	c.events.Log(fmt.Sprintf("Notification sent to %s.", target), models.LevelSuccess)
	return nil
}

// Employees lists all users with their online flag, online first.
func (c *Console) Employees(ctx context.Context) ([]models.Employee, error) {
	if !c.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	users, err := c.api.Users(ctx)
	if err != nil {
		return nil, err
	}
	online, err := c.api.OnlineUsers(ctx)
	if err != nil {
		// Presence is decoration; the list is still usable.
		c.logger.Warn("online users unavailable", "err", err)
	}
	isOnline := make(map[string]bool, len(online))
	for _, u := range online {
		isOnline[u.UserID] = true
	}

	list := make([]models.Employee, 0, len(users))
	cache := make(map[string]*models.Employee, len(users))
	for _, u := range users {
		emp := models.Employee{User: u, Online: isOnline[u.ID]}
		list = append(list, emp)
		cache[u.ID] = &emp
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Online != list[j].Online {
			return list[i].Online
		}
		return list[i].Name < list[j].Name
	})

	c.mu.Lock()
	c.employees = cache
	c.mu.Unlock()
	return list, nil
}

// GetEmployee returns a cached employee by id.
func (c *Console) GetEmployee(id string) (models.Employee, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	emp, ok := c.employees[id]
	if !ok {
		return models.Employee{}, false
	}
	return *emp, true
}

// Refresh reloads the employee list and, for the selected target, the
// latest screenshot and today's count.
func (c *Console) Refresh(ctx context.Context) error {
	if !c.Authenticated() {
		return nil
	}
	if _, err := c.Employees(ctx); err != nil {
		return fmt.Errorf("refresh employees: %w", err)
	}
	target := c.Target()
	if target == "" {
		return nil
	}
	if err := c.poller.ShowLatestScreenshot(ctx, target, false); err != nil {
		c.logger.Debug("refresh screenshot failed", "target", target, "err", err)
	}
	if _, err := c.poller.RefreshScreenshotCount(ctx, target); err != nil {
		c.logger.Debug("refresh count failed", "target", target, "err", err)
	}
	return nil
}

// RunRefresh calls Refresh every interval until ctx is done.
func (c *Console) RunRefresh(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("dashboard refresh failed", "err", err)
			}
		}
	}
}

// CheckConnection pings the backend.
func (c *Console) CheckConnection(ctx context.Context) error {
	if err := c.api.Ping(ctx); err != nil {
		c.events.Log(fmt.Sprintf("Backend unreachable: %v", err), models.LevelError)
		return err
	}
	return nil
}

// Status returns a snapshot of the console.
func (c *Console) Status() ConsoleStatus {
	c.mu.RLock()
	st := ConsoleStatus{
		Authenticated: c.loggedIn && c.api.Token() != "",
		AdminName:     c.adminName,
		Target:        c.target,
	}
	c.mu.RUnlock()

	st.Stats = c.poller.Stats()
	st.Viewport = c.arbiter.Mode()
	st.Live = c.live.Status()
	if cmd, ok := c.poller.Active(); ok {
		st.ActivePoll = &cmd
	}
	return st
}

// Shutdown stops polling and live streaming.
func (c *Console) Shutdown() {
	c.poller.Cancel()
	c.live.Stop()
}

// View returns the current viewport snapshot.
func (c *Console) View() models.View {
	return c.arbiter.View()
}
