// Package screen watches the viewing surface for capture and tampering
// attempts: focus and visibility changes, blocked key combinations, window
// chrome that betrays open developer tools, and screen-share tool titles.
//
// The surface itself is reached through FocusSignal, InputGuard and
// WindowProbe so the collector can run headless in tests.
package screen

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"viewguard/internal/violation"
)

// ErrAlreadyRunning is returned when Start is called twice.
var ErrAlreadyRunning = errors.New("screen: already running")

// FocusKind is the kind of focus or visibility transition.
type FocusKind int

// Focus transitions.
const (
	FocusBlur FocusKind = iota
	FocusGained
	VisibilityHidden
	VisibilityVisible
)

// FocusEvent is one focus or visibility transition.
type FocusEvent struct {
	Kind      FocusKind
	Timestamp time.Time
}

// InputKind is the kind of input event.
type InputKind int

// Input kinds.
const (
	KeyDown InputKind = iota
	ContextMenu
)

// InputEvent is a key press or pointer gesture on the surface.
type InputEvent struct {
	Kind InputKind

	// Key is the key name as reported by the surface, e.g. "F12", "p",
	// "PrintScreen" or "Tab".
	Key string

	Ctrl  bool
	Shift bool
	Alt   bool
	Meta  bool
}

// WindowState is what the periodic poll inspects.
type WindowState struct {
	OuterWidth  int
	InnerWidth  int
	OuterHeight int
	InnerHeight int
	Title       string
}

// FocusSignal delivers focus and visibility transitions.
type FocusSignal interface {
	// FocusChanges returns a channel of transitions. It is closed when the
	// surface goes away.
	FocusChanges() <-chan FocusEvent
}

// InputGuard delivers key and pointer events. Implementations are expected
// to have already suppressed the default action for the events they report.
type InputGuard interface {
	Inputs() <-chan InputEvent
}

// WindowProbe reads the current window chrome and title.
type WindowProbe interface {
	Probe() (WindowState, error)
}

// Wiper irreversibly clears the rendered content and reloads the surface.
type Wiper interface {
	Wipe(reason string) error
}

// Sink receives the collector's findings; session.Machine implements it.
type Sink interface {
	RegisterViolation(code violation.Code, ctx violation.Context) (violation.Event, error)
	SetFocus(hasFocus bool, reason string)
}

// Platform bundles the surface hooks. Nil members disable that signal.
type Platform struct {
	Focus FocusSignal
	Input InputGuard
	Probe WindowProbe
	Wiper Wiper
}

// Config tunes the collector.
type Config struct {
	// PollInterval is the cadence of the window chrome and title poll.
	PollInterval time.Duration

	// DevtoolsGap is the outer-minus-inner size, in pixels, above which
	// developer tools are assumed docked.
	DevtoolsGap int

	// ShareKeywords are lower-case title fragments of screen-share tools.
	ShareKeywords []string
}

// DefaultConfig returns the reference cadence and signatures.
func DefaultConfig() Config {
	return Config{
		PollInterval:  2 * time.Second,
		DevtoolsGap:   160,
		ShareKeywords: []string{"meet", "teams", "zoom", "quicktime", "obs", "bandicam"},
	}
}

// Collector turns surface events into violations.
type Collector struct {
	config   Config
	platform Platform
	sink     Sink
	logger   *slog.Logger

	mu           sync.Mutex
	hasFocus     bool
	devtoolsOpen bool
	sharing      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a Collector reporting to sink.
func New(cfg Config, platform Platform, sink Sink, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DevtoolsGap <= 0 {
		cfg.DevtoolsGap = def.DevtoolsGap
	}
	if cfg.ShareKeywords == nil {
		cfg.ShareKeywords = def.ShareKeywords
	}
	return &Collector{
		config:   cfg,
		platform: platform,
		sink:     sink,
		logger:   logger,
		hasFocus: true,
	}
}

// Start launches the event loops. They run until ctx is done or Stop.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, c.cancel = context.WithCancel(ctx)

	if c.platform.Focus != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ch := c.platform.Focus.FocusChanges()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					c.HandleFocus(ev)
				}
			}
		}()
	}

	if c.platform.Input != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ch := c.platform.Input.Inputs()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					c.HandleInput(ev)
				}
			}
		}()
	}

	if c.platform.Probe != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ticker := time.NewTicker(c.config.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.Poll()
				}
			}
		}()
	}
	return nil
}

// Stop ends the loops and waits for them. No finding is reported after
// Stop returns.
func (c *Collector) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
}

// HandleFocus processes one focus or visibility transition. Losing focus is
// reported once with its trigger; regaining it only clears the flag.
func (c *Collector) HandleFocus(ev FocusEvent) {
	c.mu.Lock()
	was := c.hasFocus
	switch ev.Kind {
	case FocusBlur, VisibilityHidden:
		c.hasFocus = false
	case FocusGained, VisibilityVisible:
		c.hasFocus = true
	}
	now := c.hasFocus
	c.mu.Unlock()

	switch {
	case ev.Kind == FocusBlur:
		c.sink.SetFocus(false, "window_blur")
	case ev.Kind == VisibilityHidden:
		c.sink.SetFocus(false, "visibilitychange")
	case now && !was:
		c.sink.SetFocus(true, "")
	}
}

// HandleInput classifies one input event and registers what it matches.
func (c *Collector) HandleInput(ev InputEvent) {
	for _, v := range Classify(ev) {
		c.register(v.Code, v.Context)
	}
}

// Poll runs one window inspection.
func (c *Collector) Poll() {
	state, err := c.platform.Probe.Probe()
	if err != nil {
		c.logger.Debug("window probe failed", "error", err)
		return
	}

	open := DevtoolsDocked(state, c.config.DevtoolsGap)
	sharing := SharingTitle(state.Title, c.config.ShareKeywords)

	c.mu.Lock()
	openedNow := open && !c.devtoolsOpen
	c.devtoolsOpen = open
	sharingNow := sharing && !c.sharing
	c.sharing = sharing
	c.mu.Unlock()

	if sharingNow {
		c.register(violation.ScreenSharing, nil)
	}
	if openedNow {
		c.register(violation.DevtoolsOpened, nil)
		if c.platform.Wiper != nil {
			if err := c.platform.Wiper.Wipe("devtools"); err != nil {
				c.logger.Error("content wipe failed", "error", err)
			}
		}
	}
}

func (c *Collector) register(code violation.Code, ctx violation.Context) {
	if _, err := c.sink.RegisterViolation(code, ctx); err != nil {
		c.logger.Debug("violation not registered", "code", code, "error", err)
	}
}
