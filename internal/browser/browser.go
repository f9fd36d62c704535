// Package browser executes actions against Chrome through chromedp, one
// tab per session.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/domain"
	"github.com/ashureev/webpilot/internal/shared"
)

// MaxObservedElements caps the candidates returned by Observe.
const MaxObservedElements = 150

// Options configures the browser process.
type Options struct {
	Headless bool
	Width    int
	Height   int
	// ExecPath overrides the Chrome binary.
	ExecPath string
	// Flags are extra command line switches, without the leading dashes.
	Flags map[string]any
	// SettleDelay is slept after navigation and pointer actions so the
	// next observation sees the page's reaction.
	SettleDelay time.Duration
}

// DefaultOptions returns headless 1280x720.
func DefaultOptions() Options {
	return Options{
		Headless:    true,
		Width:       1280,
		Height:      720,
		SettleDelay: 300 * time.Millisecond,
	}
}

func allocatorOptions(o Options) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:0:0], chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(o.Width, o.Height),
	)
	if !o.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	for k, v := range o.Flags {
		opts = append(opts, chromedp.Flag(k, v))
	}
	return opts
}

// Browser owns one Chrome process and a tab per session.
type Browser struct {
	opts   Options
	logger *slog.Logger

	allocCancel context.CancelFunc
	root        context.Context
	rootCancel  context.CancelFunc

	mu   sync.Mutex
	tabs map[string]*tab
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts Chrome. The process lives until Close.
func New(opts Options, logger *slog.Logger) (*Browser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = def.Width, def.Height
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	root, rootCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(root); err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	logger.Info("Browser started", "headless", opts.Headless, "width", opts.Width, "height", opts.Height)

	return &Browser{
		opts:        opts,
		logger:      logger,
		allocCancel: allocCancel,
		root:        root,
		rootCancel:  rootCancel,
		tabs:        make(map[string]*tab),
	}, nil
}

// tab returns the session's tab, opening it on first use.
func (b *Browser) tab(sessionID string) (*tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tabs[sessionID]; ok {
		return t, nil
	}
	if b.root.Err() != nil {
		return nil, fmt.Errorf("%w: browser closed", shared.ErrExecution)
	}
	ctx, cancel := chromedp.NewContext(b.root)
	if err := chromedp.Run(ctx, chromedp.EmulateViewport(int64(b.opts.Width), int64(b.opts.Height))); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: open tab: %v", shared.ErrExecution, err)
	}
	t := &tab{ctx: ctx, cancel: cancel}
	b.tabs[sessionID] = t
	b.logger.Info("Tab opened", "session_id", sessionID)
	return t, nil
}

// run executes tasks on the session's tab, bounded by ctx.
func (b *Browser) run(ctx context.Context, sessionID string, tasks ...chromedp.Action) error {
	t, err := b.tab(sessionID)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, tasks...)
}

// Execute performs a.
func (b *Browser) Execute(ctx context.Context, sessionID string, a action.Action) (*action.ResultData, error) {
	h, ok := handlers[a.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported action %q", shared.ErrExecution, a.Type)
	}
	var data *action.ResultData
	tasks, capture := h(a, b.opts)
	if capture != nil {
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			data, err = capture(ctx)
			return err
		}))
	}
	if settles(a.Type) && b.opts.SettleDelay > 0 {
		tasks = append(tasks, chromedp.Sleep(b.opts.SettleDelay))
	}
	if err := b.run(ctx, sessionID, tasks...); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", shared.ErrExecution, a.Type, err)
	}
	return data, nil
}

// Observe collects the interactive elements currently in view.
func (b *Browser) Observe(ctx context.Context, sessionID string) (domain.Observation, error) {
	var res observeResult
	err := b.run(ctx, sessionID, chromedp.Evaluate(observeScript(MaxObservedElements), &res))
	if err != nil {
		return domain.Observation{}, fmt.Errorf("%w: observe: %v", shared.ErrExecution, err)
	}
	return res.observation(time.Now()), nil
}

// CloseTab closes the session's tab.
func (b *Browser) CloseTab(sessionID string) {
	b.mu.Lock()
	t, ok := b.tabs[sessionID]
	delete(b.tabs, sessionID)
	b.mu.Unlock()
	if ok {
		t.cancel()
		b.logger.Info("Tab closed", "session_id", sessionID)
	}
}

// Close closes every tab and stops Chrome.
func (b *Browser) Close() {
	b.mu.Lock()
	for id, t := range b.tabs {
		t.cancel()
		delete(b.tabs, id)
	}
	b.mu.Unlock()
	b.rootCancel()
	b.allocCancel()
	b.logger.Info("Browser stopped")
}

type observeResult struct {
	URL      string           `json:"url"`
	Width    int              `json:"width"`
	Height   int              `json:"height"`
	Elements []domain.Element `json:"elements"`
}

func (r observeResult) observation(now time.Time) domain.Observation {
	els := r.Elements
	if len(els) > MaxObservedElements {
		els = els[:MaxObservedElements]
	}
	return domain.Observation{
		URL:       r.URL,
		Viewport:  domain.Viewport{Width: r.Width, Height: r.Height},
		Elements:  els,
		Timestamp: now,
	}
}
