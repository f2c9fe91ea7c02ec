package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

// Cookie is a browser cookie read from the native jar.
type Cookie struct {
	Name   string
	Value  string
	Domain string
}

// Page is the headless-browser automation surface the bypass engine drives.
// A page is driven strictly sequentially; there is no mid-flight cancellation
// API. Aborting requires closing the owning Browser, which unblocks all
// pending waits as a side effect.
type Page interface {
	// Navigate loads the URL and returns once the document load event fires
	// (not full network idle).
	Navigate(url string, timeout time.Duration) error

	// Evaluate runs JS in the current document. out may be nil when the
	// result is not needed.
	Evaluate(js string, out any) error

	// AddInitScript registers JS that runs on every new document before any
	// page script, persisting across subsequent navigations.
	AddInitScript(js string) error

	Content() (string, error)
	Title() (string, error)
	Location() (string, error)

	// Cookies reads the browser's native cookie jar. In proxied environments
	// this can desync from the document's script-visible cookie store, so
	// clearance waits poll both.
	Cookies() ([]Cookie, error)

	WaitVisible(selector string, timeout time.Duration) error

	// WaitForNavigation blocks until the page URL changes from its value at
	// call time, or the timeout elapses. Returns false on timeout; a missing
	// navigation is not an error since some challenges clear in place.
	WaitForNavigation(timeout time.Duration) (bool, error)

	Reload() error
}

// BrowserConfig configures one headless Chrome instance.
type BrowserConfig struct {
	Headless bool
	Proxy    *ProxySession // nil disables the proxy
	Logger   Logger
}

// Browser owns a Chrome instance, its single page, and its profile
// directory. The profile directory is exclusively owned for the browser's
// lifetime and removed on Close.
type Browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	profileDir  string
	logger      Logger
}

// newProfileDir builds a unique profile directory path from a session id and
// timestamp composite so two concurrent browsers can never share a profile.
func newProfileDir() string {
	name := fmt.Sprintf("docfetch-%s-%d", uuid.New().String()[:8], time.Now().UnixNano())
	return filepath.Join(os.TempDir(), name)
}

// LaunchBrowser starts a Chrome instance with its own profile directory and,
// when a proxy session is given, authenticates every request against it.
func LaunchBrowser(cfg BrowserConfig) (*Browser, error) {
	profileDir := newProfileDir()
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile dir: %w", err)
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("headless", cfg.Headless),
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	)
	if cfg.Proxy != nil {
		opts = append(opts, chromedp.ProxyServer(cfg.Proxy.URL()))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	b := &Browser{
		ctx:         ctx,
		cancel:      cancel,
		allocCancel: allocCancel,
		profileDir:  profileDir,
		logger:      cfg.Logger,
	}

	// First Run starts the process.
	if err := chromedp.Run(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}

	if cfg.Proxy != nil && cfg.Proxy.Username != "" {
		if err := b.authenticate(cfg.Proxy); err != nil {
			b.Close()
			return nil, err
		}
	}

	return b, nil
}

// authenticate answers proxy auth challenges with the sticky session
// credentials and resumes paused requests.
func (b *Browser) authenticate(proxy *ProxySession) error {
	if err := chromedp.Run(b.ctx, fetch.Enable().WithHandleAuthRequests(true)); err != nil {
		return fmt.Errorf("failed to enable auth handling: %w", err)
	}

	chromedp.ListenTarget(b.ctx, func(ev any) {
		switch ev := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				c := chromedp.FromContext(b.ctx)
				execCtx := cdp.WithExecutor(b.ctx, c.Target)
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: proxy.Username,
					Password: proxy.Password,
				}
				if err := fetch.ContinueWithAuth(ev.RequestID, resp).Do(execCtx); err != nil && b.logger != nil {
					b.logger.Log("Proxy auth continue failed: %v", err)
				}
			}()
		case *fetch.EventRequestPaused:
			go func() {
				c := chromedp.FromContext(b.ctx)
				execCtx := cdp.WithExecutor(b.ctx, c.Target)
				_ = fetch.ContinueRequest(ev.RequestID).Do(execCtx)
			}()
		}
	})

	return nil
}

// Page returns the browser's page surface.
func (b *Browser) Page() Page {
	return &chromePage{ctx: b.ctx}
}

// PrintPDF renders the current page to PDF bytes.
func (b *Browser) PrintPDF() ([]byte, error) {
	var pdf []byte
	err := chromedp.Run(b.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		buf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
		if err != nil {
			return err
		}
		pdf = buf
		return nil
	}))
	return pdf, err
}

// Close tears down the Chrome instance and removes its profile directory.
// All pending page waits unblock with errors.
func (b *Browser) Close() {
	b.cancel()
	b.allocCancel()
	if err := os.RemoveAll(b.profileDir); err != nil && b.logger != nil {
		b.logger.Log("Failed to remove profile dir %s: %v", b.profileDir, err)
	}
}

// chromePage implements Page on a chromedp target context.
type chromePage struct {
	ctx context.Context
}

func (p *chromePage) run(timeout time.Duration, actions ...chromedp.Action) error {
	ctx := p.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, timeout)
		defer cancel()
	}
	return chromedp.Run(ctx, actions...)
}

func (p *chromePage) Navigate(url string, timeout time.Duration) error {
	return p.run(timeout, chromedp.Navigate(url))
}

func (p *chromePage) Evaluate(js string, out any) error {
	return p.run(0, chromedp.Evaluate(js, out))
}

func (p *chromePage) AddInitScript(js string) error {
	return p.run(0, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(js).Do(ctx)
		return err
	}))
}

func (p *chromePage) Content() (string, error) {
	var html string
	err := p.run(0, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *chromePage) Title() (string, error) {
	var title string
	err := p.run(0, chromedp.Title(&title))
	return title, err
}

func (p *chromePage) Location() (string, error) {
	var loc string
	err := p.run(0, chromedp.Location(&loc))
	return loc, err
}

func (p *chromePage) Cookies() ([]Cookie, error) {
	var out []Cookie
	err := p.run(0, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
		}
		return nil
	}))
	return out, err
}

func (p *chromePage) WaitVisible(selector string, timeout time.Duration) error {
	return p.run(timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) WaitForNavigation(timeout time.Duration) (bool, error) {
	startURL, err := p.Location()
	if err != nil {
		return false, err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(500 * time.Millisecond)

		loc, err := p.Location()
		if err != nil {
			return false, err
		}
		if loc != startURL {
			// Let the new document reach interactive state.
			_ = p.run(10*time.Second, chromedp.WaitReady("body", chromedp.ByQuery))
			return true, nil
		}
	}
	return false, nil
}

func (p *chromePage) Reload() error {
	return p.run(60*time.Second, chromedp.Reload())
}
