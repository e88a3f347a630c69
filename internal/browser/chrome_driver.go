// internal/browser/chrome_driver.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
)

const (
	maxWait     = 5 * time.Second
	defaultWait = time.Second
)

// formStateScript serializes the value of every form control. Typed input
// lives in DOM properties, not attributes, so the outer HTML does not show it.
const formStateScript = `(() => Array.from(document.querySelectorAll('input, textarea, select'))
  .map(e => (e.name || e.id || e.tagName) + '=' + ((e.type === 'checkbox' || e.type === 'radio') ? String(e.checked) : String(e.value)))
  .join('&'))()`

const clearStorageScript = `(() => { try { localStorage.clear(); sessionStorage.clear(); } catch (e) {} return true; })()`

var scrollScripts = map[string]string{
	"down":   `window.scrollBy(0, window.innerHeight * 0.8)`,
	"up":     `window.scrollBy(0, -window.innerHeight * 0.8)`,
	"top":    `window.scrollTo(0, 0)`,
	"bottom": `window.scrollTo(0, document.body.scrollHeight)`,
}

var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"arrowdown":  kb.ArrowDown,
	"arrowup":    kb.ArrowUp,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pagedown":   kb.PageDown,
	"pageup":     kb.PageUp,
}

// ChromeDriver launches one Chrome process per browser context.
type ChromeDriver struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
	scope  *Scope
}

var _ schemas.BrowserDriver = (*ChromeDriver)(nil)

// NewChromeDriver validates the navigation allowlist and returns a driver.
// No process is started until NewContext is called.
func NewChromeDriver(cfg config.BrowserConfig, logger *zap.Logger) (*ChromeDriver, error) {
	scope, err := NewScope(cfg.AllowedURLs)
	if err != nil {
		return nil, err
	}
	return &ChromeDriver{
		cfg:    cfg,
		logger: logger.Named("chrome_driver"),
		scope:  scope,
	}, nil
}

// NewContext starts a browser process and opens its first tab.
func (d *ChromeDriver) NewContext(ctx context.Context) (schemas.BrowserContext, error) {
	// The allocator is rooted in Background so the browser outlives the
	// caller's context; its lifetime is governed by CloseContext.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOptions(d.cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(d.logger.Sugar().Debugf),
		chromedp.WithErrorf(d.logger.Sugar().Debugf),
	)

	width, height := d.cfg.Viewport.Width, d.cfg.Viewport.Height
	if width <= 0 || height <= 0 {
		width, height = 1366, 768
	}

	// The first Run launches the process and must use the tab context itself.
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(tabCtx, chromedp.EmulateViewport(int64(width), int64(height)))
	}()

	select {
	case err := <-started:
		if err != nil {
			tabCancel()
			allocCancel()
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
	case <-ctx.Done():
		tabCancel()
		allocCancel()
		<-started
		return nil, fmt.Errorf("browser start aborted: %w", ctx.Err())
	}

	d.logger.Debug("Browser context started.")
	return &chromePage{
		driver:      d,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}, nil
}

// CloseContext shuts the tab and kills the browser process. Safe to call
// more than once.
func (d *ChromeDriver) CloseContext(bctx schemas.BrowserContext) error {
	p, ok := bctx.(*chromePage)
	if !ok {
		return fmt.Errorf("browser context of type %T was not created by this driver", bctx)
	}
	return p.close()
}

// execOptions builds the allocator options from configuration.
func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)

	// DefaultExecAllocatorOptions already carries headless.
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Viewport.Width, cfg.Viewport.Height))
	}

	for _, arg := range cfg.Args {
		arg = strings.TrimPrefix(strings.TrimSpace(arg), "--")
		if arg == "" {
			continue
		}
		if key, value, found := strings.Cut(arg, "="); found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(arg, true))
		}
	}
	return opts
}

// -- Browser Context --

type chromePage struct {
	driver      *ChromeDriver
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error

	mu              sync.Mutex
	lastFingerprint string
}

var _ schemas.BrowserContext = (*chromePage)(nil)

// Apply performs one action and captures the page afterwards.
func (p *chromePage) Apply(ctx context.Context, action schemas.Action) (schemas.ActionOutcome, error) {
	if err := validateAction(action); err != nil {
		return schemas.ActionOutcome{}, err
	}
	if action.Type == schemas.ActionNavigate && !p.driver.scope.Allows(action.Value) {
		return schemas.ActionOutcome{}, fmt.Errorf("navigation to %s is out of scope", action.Value)
	}

	p.mu.Lock()
	previous := p.lastFingerprint
	p.mu.Unlock()

	runCtx, cancel := CombineContext(p.tabCtx, ctx)
	defer cancel()

	timeout := p.driver.cfg.ActionTimeout
	if action.Type == schemas.ActionNavigate || action.Type == schemas.ActionBack {
		timeout = p.driver.cfg.NavigationTimeout
	}
	actCtx := runCtx
	if timeout > 0 {
		var cancelAct context.CancelFunc
		actCtx, cancelAct = context.WithTimeout(runCtx, timeout)
		defer cancelAct()
	}

	if needsElement(action.Type) && action.Selector != "" {
		if err := p.requireElement(actCtx, action.Selector); err != nil {
			return schemas.ActionOutcome{}, err
		}
	}

	if err := chromedp.Run(actCtx, p.tasksFor(action)...); err != nil {
		return schemas.ActionOutcome{}, fmt.Errorf("%s failed: %w", action.Type, err)
	}

	if wait := p.driver.cfg.PostLoadWait; wait > 0 {
		if err := chromedp.Run(runCtx, chromedp.Sleep(wait)); err != nil {
			return schemas.ActionOutcome{}, err
		}
	}

	page, err := p.Snapshot(ctx)
	if err != nil {
		return schemas.ActionOutcome{}, err
	}
	return schemas.ActionOutcome{
		Page:     page,
		NoEffect: previous != "" && previous == page.Fingerprint,
	}, nil
}

// Snapshot reads the current document without acting on it.
func (p *chromePage) Snapshot(ctx context.Context) (schemas.PageState, error) {
	runCtx, cancel := CombineContext(p.tabCtx, ctx)
	defer cancel()
	if t := p.driver.cfg.ActionTimeout; t > 0 {
		var cancelT context.CancelFunc
		runCtx, cancelT = context.WithTimeout(runCtx, t)
		defer cancelT()
	}

	var url, title, outer, formState string
	err := chromedp.Run(runCtx,
		chromedp.Location(&url),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &outer, chromedp.ByQuery),
		chromedp.Evaluate(formStateScript, &formState),
	)
	if err != nil {
		return schemas.PageState{}, fmt.Errorf("failed to capture page state: %w", err)
	}

	cfg := p.driver.cfg
	page, err := BuildPageState(url, title, outer, formState, cfg.MaxTextLength, cfg.MaxElements)
	if err != nil {
		return schemas.PageState{}, err
	}

	p.mu.Lock()
	p.lastFingerprint = page.Fingerprint
	p.mu.Unlock()
	return page, nil
}

// Reset returns the tab to a blank page, optionally dropping cookies and storage.
func (p *chromePage) Reset(ctx context.Context, clearStorage bool) error {
	runCtx, cancel := CombineContext(p.tabCtx, ctx)
	defer cancel()

	var tasks chromedp.Tasks
	if clearStorage {
		// Storage is origin-scoped, so clear it before leaving the page.
		tasks = append(tasks,
			chromedp.Evaluate(clearStorageScript, nil),
			chromedp.ActionFunc(func(ctx context.Context) error {
				return network.ClearBrowserCookies().Do(ctx)
			}),
		)
	}
	tasks = append(tasks, chromedp.Navigate("about:blank"))

	if err := chromedp.Run(runCtx, tasks); err != nil {
		return fmt.Errorf("failed to reset browser context: %w", err)
	}

	p.mu.Lock()
	p.lastFingerprint = ""
	p.mu.Unlock()
	return nil
}

func (p *chromePage) close() error {
	p.closeOnce.Do(func() {
		// Cancel asks the browser to exit; the allocator cancel kills it if not.
		err := chromedp.Cancel(p.tabCtx)
		p.tabCancel()
		p.allocCancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			p.closeErr = fmt.Errorf("failed to close browser: %w", err)
		}
		p.driver.logger.Debug("Browser context closed.")
	})
	return p.closeErr
}

func (p *chromePage) requireElement(ctx context.Context, selector string) error {
	var nodes []*cdp.Node
	if err := chromedp.Run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return fmt.Errorf("failed to query selector '%s': %w", selector, err)
	}
	if len(nodes) == 0 {
		return fmt.Errorf("no element found for selector '%s'", selector)
	}
	return nil
}

func (p *chromePage) tasksFor(a schemas.Action) chromedp.Tasks {
	switch a.Type {
	case schemas.ActionNavigate:
		return chromedp.Tasks{
			chromedp.Navigate(a.Value),
			chromedp.WaitReady("body", chromedp.ByQuery),
		}
	case schemas.ActionClick:
		return chromedp.Tasks{
			chromedp.ScrollIntoView(a.Selector, chromedp.ByQuery),
			chromedp.Click(a.Selector, chromedp.ByQuery, chromedp.NodeVisible),
		}
	case schemas.ActionInputText:
		return chromedp.Tasks{
			chromedp.ScrollIntoView(a.Selector, chromedp.ByQuery),
			chromedp.Clear(a.Selector, chromedp.ByQuery),
			chromedp.SendKeys(a.Selector, a.Value, chromedp.ByQuery),
		}
	case schemas.ActionSubmit:
		sel := a.Selector
		if sel == "" {
			sel = "form"
		}
		return chromedp.Tasks{chromedp.Submit(sel, chromedp.ByQuery)}
	case schemas.ActionScroll:
		script, ok := scrollScripts[strings.ToLower(strings.TrimSpace(a.Value))]
		if !ok {
			script = scrollScripts["down"]
		}
		return chromedp.Tasks{chromedp.Evaluate(script, nil)}
	case schemas.ActionPressKey:
		var tasks chromedp.Tasks
		if a.Selector != "" {
			tasks = append(tasks, chromedp.Focus(a.Selector, chromedp.ByQuery))
		}
		return append(tasks, chromedp.KeyEvent(keyFor(a.Value)))
	case schemas.ActionSelect:
		change := fmt.Sprintf(`document.querySelector(%s).dispatchEvent(new Event('change', {bubbles: true}))`,
			strconv.Quote(a.Selector))
		return chromedp.Tasks{
			chromedp.SetValue(a.Selector, a.Value, chromedp.ByQuery),
			chromedp.Evaluate(change, nil),
		}
	case schemas.ActionWait:
		return chromedp.Tasks{chromedp.Sleep(waitDuration(a.Value))}
	case schemas.ActionBack:
		return chromedp.Tasks{
			chromedp.NavigateBack(),
			chromedp.WaitReady("body", chromedp.ByQuery),
		}
	}
	return nil
}

// -- Action helpers --

func validateAction(a schemas.Action) error {
	if !a.Type.IsKnown() {
		return fmt.Errorf("unsupported action type: %s", a.Type)
	}
	switch a.Type {
	case schemas.ActionClick, schemas.ActionInputText, schemas.ActionSelect:
		if strings.TrimSpace(a.Selector) == "" {
			return fmt.Errorf("%s requires a 'selector'", a.Type)
		}
	}
	switch a.Type {
	case schemas.ActionNavigate, schemas.ActionSelect, schemas.ActionPressKey:
		if strings.TrimSpace(a.Value) == "" {
			return fmt.Errorf("%s requires a 'value'", a.Type)
		}
	}
	return nil
}

func needsElement(t schemas.ActionType) bool {
	switch t {
	case schemas.ActionClick, schemas.ActionInputText, schemas.ActionSubmit, schemas.ActionSelect, schemas.ActionPressKey:
		return true
	}
	return false
}

func keyFor(name string) string {
	if k, ok := namedKeys[strings.ToLower(strings.TrimSpace(name))]; ok {
		return k
	}
	return name
}

// waitDuration reads milliseconds, or a Go duration string, capped at maxWait.
func waitDuration(value string) time.Duration {
	d := defaultWait
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
		d = time.Duration(ms) * time.Millisecond
	} else if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		d = parsed
	}
	if d > maxWait {
		d = maxWait
	}
	return d
}
