package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"viewguard/internal/api"
	"viewguard/internal/camera"
	"viewguard/internal/config"
	"viewguard/internal/document"
	"viewguard/internal/metrics"
	"viewguard/internal/notify"
	"viewguard/internal/screen"
	"viewguard/internal/session"
	"viewguard/internal/viewer"
)

// Scenario is a scripted viewing session.
type Scenario struct {
	Code     string        `yaml:"code"`
	Camera   bool          `yaml:"camera"`
	Location *ScenarioGeo  `yaml:"location"`
	Poll     time.Duration `yaml:"poll"`
	Sample   time.Duration `yaml:"sample"`
	Hold     time.Duration `yaml:"hold"`
	Steps    []Step        `yaml:"steps"`
}

// ScenarioGeo is the fixed position reported to the session.
type ScenarioGeo struct {
	Lat      float64 `yaml:"lat"`
	Lon      float64 `yaml:"lon"`
	Accuracy float64 `yaml:"accuracy"`
	Deny     bool    `yaml:"deny"`
}

// Step is one scripted action. Exactly one action field is expected; After
// delays it.
type Step struct {
	After time.Duration `yaml:"after"`

	Focus       string              `yaml:"focus"`
	Key         *StepKey            `yaml:"key"`
	ContextMenu bool                `yaml:"contextmenu"`
	Title       *string             `yaml:"title"`
	Window      *screen.WindowState `yaml:"window"`
	Detect      []StepDetection     `yaml:"detect"`
	Covered     *bool               `yaml:"covered"`
	Wait        time.Duration       `yaml:"wait"`
}

// StepKey is a key press.
type StepKey struct {
	Key   string `yaml:"key"`
	Ctrl  bool   `yaml:"ctrl"`
	Shift bool   `yaml:"shift"`
	Alt   bool   `yaml:"alt"`
	Meta  bool   `yaml:"meta"`
}

// StepDetection is one detector prediction.
type StepDetection struct {
	Class string  `yaml:"class"`
	Score float64 `yaml:"score"`
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and checks a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Poll <= 0 {
		sc.Poll = 200 * time.Millisecond
	}
	if sc.Sample <= 0 {
		sc.Sample = 200 * time.Millisecond
	}
	if sc.Hold <= 0 {
		sc.Hold = time.Second
	}
	for i, st := range sc.Steps {
		switch st.Focus {
		case "", "blur", "focus", "hidden", "visible":
		default:
			return nil, fmt.Errorf("step %d: unknown focus %q", i+1, st.Focus)
		}
	}
	return &sc, nil
}

// scriptedSurface is a screen.Platform and camera.Source driven by steps.
type scriptedSurface struct {
	focus chan screen.FocusEvent
	input chan screen.InputEvent

	mu      sync.Mutex
	window  screen.WindowState
	preds   []camera.Detection
	covered bool
	wipes   []string
}

func newScriptedSurface() *scriptedSurface {
	return &scriptedSurface{
		focus:  make(chan screen.FocusEvent, 16),
		input:  make(chan screen.InputEvent, 16),
		window: screen.WindowState{OuterWidth: 1280, InnerWidth: 1280, OuterHeight: 800, InnerHeight: 720, Title: "Secure Viewer"},
	}
}

func (s *scriptedSurface) platform() screen.Platform {
	return screen.Platform{Focus: s, Input: s, Probe: s, Wiper: s}
}

func (s *scriptedSurface) FocusChanges() <-chan screen.FocusEvent { return s.focus }
func (s *scriptedSurface) Inputs() <-chan screen.InputEvent       { return s.input }

func (s *scriptedSurface) Probe() (screen.WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window, nil
}

func (s *scriptedSurface) Wipe(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipes = append(s.wipes, reason)
	return nil
}

func (s *scriptedSurface) Open(context.Context) (camera.Stream, error) {
	return scriptedStream{s}, nil
}

func (s *scriptedSurface) Detect(context.Context, image.Image) ([]camera.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]camera.Detection(nil), s.preds...), nil
}

type scriptedStream struct{ s *scriptedSurface }

func (st scriptedStream) Frame() (image.Image, error) {
	st.s.mu.Lock()
	covered := st.s.covered
	st.s.mu.Unlock()

	shade := color.RGBA{140, 130, 120, 255}
	if covered {
		shade = color.RGBA{0, 0, 0, 255}
	}
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.SetRGBA(x, y, shade)
		}
	}
	return img, nil
}

func (scriptedStream) Close() error { return nil }

// apply performs one step against the surface.
func (s *scriptedSurface) apply(st Step, now time.Time) {
	switch st.Focus {
	case "blur":
		s.focus <- screen.FocusEvent{Kind: screen.FocusBlur, Timestamp: now}
	case "focus":
		s.focus <- screen.FocusEvent{Kind: screen.FocusGained, Timestamp: now}
	case "hidden":
		s.focus <- screen.FocusEvent{Kind: screen.VisibilityHidden, Timestamp: now}
	case "visible":
		s.focus <- screen.FocusEvent{Kind: screen.VisibilityVisible, Timestamp: now}
	}
	if st.Key != nil {
		s.input <- screen.InputEvent{Kind: screen.KeyDown, Key: st.Key.Key, Ctrl: st.Key.Ctrl, Shift: st.Key.Shift, Alt: st.Key.Alt, Meta: st.Key.Meta}
	}
	if st.ContextMenu {
		s.input <- screen.InputEvent{Kind: screen.ContextMenu}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st.Title != nil {
		s.window.Title = *st.Title
	}
	if st.Window != nil {
		title := s.window.Title
		s.window = *st.Window
		if s.window.Title == "" {
			s.window.Title = title
		}
	}
	if st.Detect != nil {
		s.preds = s.preds[:0]
		for _, d := range st.Detect {
			s.preds = append(s.preds, camera.Detection{Class: d.Class, Score: d.Score})
		}
	}
	if st.Covered != nil {
		s.covered = *st.Covered
	}
}

type fixedGeo struct{ geo *ScenarioGeo }

func (g fixedGeo) Locate(context.Context) (*session.Location, error) {
	if g.geo.Deny {
		return nil, viewer.ErrGeolocationDenied
	}
	loc := &session.Location{Lat: g.geo.Lat, Lon: g.geo.Lon, CapturedAt: time.Now().UTC()}
	if g.geo.Accuracy > 0 {
		acc := g.geo.Accuracy
		loc.Accuracy = &acc
	}
	return loc, nil
}

// redemption is what the daemon answers to a valid access code.
type redemption struct {
	DocumentID      string         `json:"documentId"`
	RequireIdentity bool           `json:"requireIdentity"`
	Session         session.Status `json:"session"`
	Token           string         `json:"-"`
}

func redeem(ctx context.Context, base, code string, timeout time.Duration) (*redemption, error) {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/otp/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "viewguardctl-simulate")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("redeem code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var msg struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&msg)
		if msg.Reason != "" {
			msg.Error += " (" + msg.Reason + ")"
		}
		return nil, &apiError{Status: resp.StatusCode, Message: msg.Error}
	}
	var r redemption
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode redemption: %w", err)
	}
	for _, c := range resp.Cookies() {
		if c.Name == notify.CookieName {
			r.Token = c.Value
		}
	}
	if r.Token == "" {
		return nil, errors.New("redeem code: no session cookie in answer")
	}
	return &r, nil
}

// simResult summarizes a finished simulation.
type simResult struct {
	Snapshot       session.Snapshot
	Wipes          []string
	Token          string
	NotifyFailures uint64
}

// simulate redeems the scenario's code and replays its steps through a
// viewer shell that reports to the daemon.
func simulate(ctx context.Context, c *ownerClient, vcfg viewer.Config, sc *Scenario) (*simResult, error) {
	red, err := redeem(ctx, c.base, sc.Code, c.timeout)
	if err != nil {
		return nil, err
	}
	doc, err := c.Document(ctx, red.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("fetch document: %w", err)
	}

	notifier, err := notify.New(notify.Config{BaseURL: c.base, Token: red.Token, Timeout: c.timeout}, nil)
	if err != nil {
		return nil, err
	}

	m := metrics.NewEngineMetrics(metrics.NewRegistry("viewguard", "sim"))
	notifier.Failures = m.NotifyFailuresTotal

	surface := newScriptedSurface()
	vcfg.Screen.PollInterval = sc.Poll
	vcfg.Camera.Interval = sc.Sample
	deps := viewer.Deps{
		Document: doc,
		Viewer: document.ViewerProfile{
			ViewerID: red.Session.ViewerID,
			Name:     api.DefaultViewerName,
			Email:    api.DefaultViewerEmail,
		},
		Status:   red.Session,
		Platform: surface.platform(),
		Notifier: notifier,
		Presence: notifier,
		Metrics:  m,
	}
	if sc.Camera {
		deps.Camera = surface
		deps.Detector = surface
	}
	if sc.Location != nil {
		deps.Geolocator = fixedGeo{sc.Location}
	}

	shell, err := viewer.New(vcfg, deps)
	if err != nil {
		return nil, err
	}
	if err := shell.Start(ctx); err != nil {
		shell.Close()
		return nil, err
	}

	revoked := shell.Machine().Revoked()
steps:
	for _, st := range sc.Steps {
		select {
		case <-ctx.Done():
			break steps
		case <-revoked:
			break steps
		case <-time.After(st.After):
		}
		surface.apply(st, time.Now())
		if st.Wait > 0 {
			select {
			case <-ctx.Done():
			case <-revoked:
			case <-time.After(st.Wait):
			}
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(sc.Hold):
	}
	shell.Machine().Flush()
	shell.Close()

	surface.mu.Lock()
	wipes := append([]string(nil), surface.wipes...)
	surface.mu.Unlock()
	return &simResult{
		Snapshot:       shell.Machine().Snapshot(),
		Wipes:          wipes,
		Token:          red.Token,
		NotifyFailures: m.NotifyFailuresTotal.Value(),
	}, nil
}

func cmdSimulate(ctx context.Context, c *ownerClient, cfg *config.Config, args []string, jsonOut bool, out io.Writer) error {
	var code string
	flags := pflag.NewFlagSet("simulate", pflag.ContinueOnError)
	flags.StringVar(&code, "code", "", "override the scenario's access code")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: viewguardctl simulate [--code otp] <scenario.yaml>")
	}
	sc, err := LoadScenario(flags.Arg(0))
	if err != nil {
		return err
	}
	if code != "" {
		sc.Code = code
	}
	if sc.Code == "" {
		return errors.New("simulate: scenario has no access code")
	}

	res, err := simulate(ctx, c, cfg.Viewer(), sc)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(out, res.Snapshot)
	}
	printSimulation(out, res)
	return nil
}

func printSimulation(out io.Writer, res *simResult) {
	snap := res.Snapshot
	fmt.Fprintf(out, "Session %s for %s: %s\n", snap.Status.ID, snap.Status.DocumentID, snap.State)
	if snap.RevokedReason != "" {
		fmt.Fprintf(out, "Revoked: %s\n", snap.RevokedReason)
	}
	fmt.Fprintf(out, "Violations (%d):\n", len(snap.Violations))
	for _, v := range snap.Violations {
		fmt.Fprintf(out, "  %s %-20s %-8s %s\n", v.CreatedAt.Local().Format(time.TimeOnly), v.Code, v.Severity, v.Description)
	}
	if len(res.Wipes) > 0 {
		fmt.Fprintf(out, "Surface wiped: %s\n", strings.Join(res.Wipes, "; "))
	}
	fmt.Fprintf(out, "Log entries: %d\n", len(snap.Logs))
	if res.NotifyFailures > 0 {
		fmt.Fprintf(out, "Undelivered notifications: %d\n", res.NotifyFailures)
	}
}
