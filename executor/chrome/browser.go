// Package chrome runs plan actions against a real portal through a
// headless Chrome instance driven by chromedp.
package chrome

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"

	"github.com/tramitebot/tramitebot/executor"
	"github.com/tramitebot/tramitebot/types"
)

// CredentialResolver maps a credential reference from an authenticate
// action to a username and password. Secrets never travel inside the
// plan itself.
type CredentialResolver func(ref string) (username, password string, err error)

// Executor drives a shared browser session. Actions within one session
// run sequentially, so a single tab is enough.
type Executor struct {
	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc

	headless      bool
	artifactDir   string
	credentials   CredentialResolver
	allocatorOpts []chromedp.ExecAllocatorOption
}

type Option func(*Executor)

// WithHeadless toggles headless mode. Defaults to headless.
func WithHeadless(headless bool) Option {
	return func(e *Executor) { e.headless = headless }
}

// WithArtifactDir sets where screenshots and downloads are written.
func WithArtifactDir(dir string) Option {
	return func(e *Executor) { e.artifactDir = dir }
}

// WithCredentials installs the resolver used by authenticate actions.
func WithCredentials(resolver CredentialResolver) Option {
	return func(e *Executor) { e.credentials = resolver }
}

// WithAllocatorOptions appends extra Chrome launch flags.
func WithAllocatorOptions(opts ...chromedp.ExecAllocatorOption) Option {
	return func(e *Executor) { e.allocatorOpts = append(e.allocatorOpts, opts...) }
}

func New(opts ...Option) *Executor {
	e := &Executor{
		headless:    true,
		artifactDir: ".tramitebot/artifacts",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ executor.ActionExecutor = (*Executor)(nil)

func (e *Executor) initBrowser() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browserCtx != nil {
		select {
		case <-e.browserCtx.Done():
			e.closeLocked()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", e.headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	opts = append(opts, e.allocatorOpts...)

	e.allocCtx, e.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	e.browserCtx, e.browserCancel = chromedp.NewContext(e.allocCtx)

	if err := chromedp.Run(e.browserCtx); err != nil {
		e.closeLocked()
		return err
	}

	downloadDir, err := filepath.Abs(filepath.Join(e.artifactDir, "downloads"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return err
	}
	return chromedp.Run(e.browserCtx,
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(downloadDir),
	)
}

func (e *Executor) closeLocked() {
	if e.browserCancel != nil {
		e.browserCancel()
	}
	if e.allocCancel != nil {
		e.allocCancel()
	}
	e.browserCtx = nil
	e.allocCtx = nil
}

func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
	return nil
}

// Execute runs one action. Portal-level failures come back as failed
// results; only a browser that cannot be started is an error.
func (e *Executor) Execute(ctx context.Context, action types.Action) (types.ActionResult, error) {
	if err := e.initBrowser(); err != nil {
		return types.ActionResult{}, fmt.Errorf("failed to start browser: %w", err)
	}

	// The browser context owns the tab; the caller context carries the
	// per-action deadline and abort signal.
	runCtx, cancel := context.WithCancel(e.browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	result := types.ActionResult{ActionID: action.ID}

	runErr := e.run(runCtx, action, &result)
	result.ExecutionTimeSeconds = time.Since(start).Seconds()
	result.CompletedAt = time.Now().UTC()

	if runErr != nil {
		result.Success = false
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.ErrorMessage = runErr.Error()
		return result, nil
	}
	result.Success = true
	return result, nil
}

func (e *Executor) run(ctx context.Context, action types.Action, result *types.ActionResult) error {
	switch action.Type {
	case types.ActionNavigate:
		url := stringParam(action, "url")
		if url == "" {
			return fmt.Errorf("navigate action has no url")
		}
		return chromedp.Run(ctx, chromedp.Navigate(url))

	case types.ActionClick:
		selector := stringParam(action, "selector")
		if selector == "" {
			return fmt.Errorf("click action has no selector")
		}
		return chromedp.Run(ctx, chromedp.Click(selector, chromedp.ByQuery))

	case types.ActionFillForm:
		return e.fillForm(ctx, action)

	case types.ActionDownload:
		return e.download(ctx, action, result)

	case types.ActionWait:
		seconds := floatParam(action, "seconds")
		if seconds <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(seconds * float64(time.Second))):
			return nil
		}

	case types.ActionWaitForElement:
		selector := stringParam(action, "selector")
		if selector == "" {
			return fmt.Errorf("wait_for_element action has no selector")
		}
		return chromedp.Run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))

	case types.ActionAuthenticate:
		return e.authenticate(ctx, action)

	case types.ActionScreenshot:
		return e.screenshot(ctx, action, result)

	case types.ActionExtractData:
		return e.extractData(ctx, action, result)

	case types.ActionScroll:
		if selector := stringParam(action, "selector"); selector != "" {
			return chromedp.Run(ctx, chromedp.ScrollIntoView(selector, chromedp.ByQuery))
		}
		return chromedp.Run(ctx, chromedp.Evaluate("window.scrollTo(0, document.body.scrollHeight)", nil))

	case types.ActionSelectDropdown:
		selector := stringParam(action, "selector")
		value := stringParam(action, "value")
		if selector == "" || value == "" {
			return fmt.Errorf("select_dropdown action needs selector and value")
		}
		return chromedp.Run(ctx, chromedp.SetValue(selector, value, chromedp.ByQuery))

	case types.ActionUploadFile:
		selector := stringParam(action, "selector")
		path := stringParam(action, "filePath")
		if selector == "" || path == "" {
			return fmt.Errorf("upload_file action needs selector and filePath")
		}
		return chromedp.Run(ctx, chromedp.SetUploadFiles(selector, []string{path}, chromedp.ByQuery))

	default:
		return fmt.Errorf("unsupported action type %q", action.Type)
	}
}

func (e *Executor) fillForm(ctx context.Context, action types.Action) error {
	fields, _ := action.Parameters["fields"].(map[string]any)
	if len(fields) == 0 {
		return nil
	}
	tasks := make(chromedp.Tasks, 0, len(fields))
	for name, raw := range fields {
		value := fmt.Sprint(raw)
		selector := fmt.Sprintf("input[name=%q], textarea[name=%q]", name, name)
		tasks = append(tasks, chromedp.SendKeys(selector, value, chromedp.ByQuery))
	}
	return chromedp.Run(ctx, tasks)
}

func (e *Executor) download(ctx context.Context, action types.Action, result *types.ActionResult) error {
	if url := stringParam(action, "url"); url != "" {
		return chromedp.Run(ctx, chromedp.Navigate(url))
	}
	selector := stringParam(action, "selector")
	if selector == "" {
		return fmt.Errorf("download action has no url or selector")
	}
	if err := chromedp.Run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return err
	}
	downloadDir, err := filepath.Abs(filepath.Join(e.artifactDir, "downloads"))
	if err != nil {
		return err
	}
	if result.DataExtracted == nil {
		result.DataExtracted = map[string]any{}
	}
	result.DataExtracted["downloadDir"] = downloadDir
	return nil
}

func (e *Executor) authenticate(ctx context.Context, action types.Action) error {
	if e.credentials == nil {
		return fmt.Errorf("no credential resolver configured")
	}
	ref := stringParam(action, "credentialRef")
	if ref == "" {
		ref = "default"
	}
	username, password, err := e.credentials(ref)
	if err != nil {
		return fmt.Errorf("failed to resolve credentials %q: %w", ref, err)
	}

	userSel := stringParam(action, "usernameSelector")
	if userSel == "" {
		userSel = "input[type='email'], input[name='user'], input[name='username']"
	}
	passSel := stringParam(action, "passwordSelector")
	if passSel == "" {
		passSel = "input[type='password']"
	}
	submitSel := stringParam(action, "submitSelector")
	if submitSel == "" {
		submitSel = "button[type='submit'], input[type='submit']"
	}

	return chromedp.Run(ctx,
		chromedp.SendKeys(userSel, username, chromedp.ByQuery),
		chromedp.SendKeys(passSel, password, chromedp.ByQuery),
		chromedp.Click(submitSel, chromedp.ByQuery),
	)
}

func (e *Executor) screenshot(ctx context.Context, action types.Action, result *types.ActionResult) error {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return err
	}
	dir := filepath.Join(e.artifactDir, "screenshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := action.ID
	if name == "" {
		name = fmt.Sprintf("shot_%d", time.Now().UnixNano())
	}
	path := filepath.Join(dir, name+".png")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return err
	}
	result.ScreenshotPath = path
	return nil
}

func (e *Executor) extractData(ctx context.Context, action types.Action, result *types.ActionResult) error {
	selectors, _ := action.Parameters["selectors"].(map[string]any)
	if len(selectors) == 0 {
		// Fall back to the full document for later inspection.
		var html string
		err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}))
		if err != nil {
			return err
		}
		if len(html) > 50000 {
			html = html[:50000]
		}
		result.DataExtracted = map[string]any{"document": html}
		return nil
	}

	extracted := map[string]any{}
	for name, raw := range selectors {
		selector := fmt.Sprint(raw)
		var text string
		if err := chromedp.Run(ctx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
			return fmt.Errorf("failed to extract %q: %w", name, err)
		}
		extracted[name] = text
	}
	result.DataExtracted = extracted
	return nil
}

func stringParam(action types.Action, key string) string {
	v, _ := action.Parameters[key].(string)
	return v
}

func floatParam(action types.Action, key string) float64 {
	switch v := action.Parameters[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
