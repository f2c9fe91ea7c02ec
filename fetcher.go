package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FetchResult describes one retrieved document.
type FetchResult struct {
	URL      string
	Path     string
	Bypass   BypassOutcome
	ViaProbe bool // document came from the preflight fetch, no browser used
}

// DocumentFetcher retrieves one gated document per call: preflight probe
// first, then a full browser session with the bypass engine when the target
// turns out to be challenged.
type DocumentFetcher struct {
	solver       *ChallengeSolver
	proxyManager *ProxySessionManager // nil disables proxying
	logger       Logger

	outputDir   string
	docSelector string
	headless    bool

	verifyTimeout time.Duration
}

func NewDocumentFetcher(solver *ChallengeSolver, proxyManager *ProxySessionManager, logger Logger) *DocumentFetcher {
	return &DocumentFetcher{
		solver:        solver,
		proxyManager:  proxyManager,
		logger:        logger,
		outputDir:     GetOutputDir(),
		docSelector:   GetDocumentSelector(),
		headless:      GetHeadless(),
		verifyTimeout: 20 * time.Second,
	}
}

// Fetch retrieves the document at pageURL and saves it under the output
// directory. Bypass failures are not errors by themselves; the fetch fails
// only when the page never becomes usable.
func (f *DocumentFetcher) Fetch(ctx context.Context, pageURL string) (*FetchResult, error) {
	var session *ProxySession
	if f.proxyManager != nil {
		session = f.proxyManager.Derive()
		f.logger.Log("Using proxy %s", session.Display())
	}

	if result, ok := f.tryProbe(pageURL, session); ok {
		return result, nil
	}

	return f.fetchWithBrowser(ctx, pageURL, session)
}

// tryProbe attempts the cheap path: one TLS-fingerprinted request. Only a
// clean 200 with no challenge markers short-circuits the browser.
func (f *DocumentFetcher) tryProbe(pageURL string, session *ProxySession) (*FetchResult, bool) {
	proxyURL := ""
	if session != nil {
		proxyURL = session.AuthURL()
	}

	client, err := NewClient(nil, proxyURL)
	if err != nil {
		f.logger.Log("Probe client unavailable: %v", err)
		return nil, false
	}

	probe, err := Probe(client, pageURL)
	if err != nil {
		f.logger.Log("Preflight probe failed: %v", err)
		return nil, false
	}
	if probe.Challenged || probe.StatusCode != 200 {
		f.logger.Log("Preflight probe saw %s challenge (status %d), launching browser", probe.Kind, probe.StatusCode)
		return nil, false
	}

	path, err := f.saveDocument(pageURL, "html", probe.Body)
	if err != nil {
		f.logger.Log("Failed to save probed document: %v", err)
		return nil, false
	}

	f.logger.Log("Document fetched via preflight probe: %s", path)
	return &FetchResult{URL: pageURL, Path: path, Bypass: OutcomeNoChallenge, ViaProbe: true}, true
}

func (f *DocumentFetcher) fetchWithBrowser(ctx context.Context, pageURL string, session *ProxySession) (*FetchResult, error) {
	browser, err := LaunchBrowser(BrowserConfig{
		Headless: f.headless,
		Proxy:    session,
		Logger:   f.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("browser launch failed: %w", err)
	}
	defer browser.Close()

	page := browser.Page()
	orchestrator := NewChallengeOrchestrator(page, f.solver, f.logger)

	outcome, err := orchestrator.Run(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	f.logger.Log("Bypass outcome: %s", outcome)

	// The bypass engine never guarantees success; usability is re-verified
	// independently before saving anything.
	if err := page.WaitVisible(f.docSelector, f.verifyTimeout); err != nil {
		return nil, fmt.Errorf("page never became usable (selector %q): %w", f.docSelector, err)
	}

	result := &FetchResult{URL: pageURL, Bypass: outcome}

	if pdf, err := browser.PrintPDF(); err == nil {
		result.Path, err = f.saveDocument(pageURL, "pdf", pdf)
		if err == nil {
			return result, nil
		}
		f.logger.Log("Failed to save PDF, falling back to HTML: %v", err)
	} else {
		f.logger.Log("PDF render failed, falling back to HTML: %v", err)
	}

	html, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}
	result.Path, err = f.saveDocument(pageURL, "html", []byte(html))
	if err != nil {
		return nil, err
	}
	return result, nil
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// saveDocument writes the payload under the output directory with a name
// derived from the URL plus a short unique suffix.
func (f *DocumentFetcher) saveDocument(pageURL, ext string, data []byte) (string, error) {
	if err := os.MkdirAll(f.outputDir, 0o755); err != nil {
		return "", err
	}

	slug := "document"
	if parsed, err := url.Parse(pageURL); err == nil {
		slug = parsed.Hostname() + "-" + strings.Trim(parsed.Path, "/")
		slug = strings.Trim(unsafePathChars.ReplaceAllString(slug, "-"), "-")
		if len(slug) > 80 {
			slug = slug[:80]
		}
	}

	name := fmt.Sprintf("%s-%s.%s", slug, uuid.New().String()[:8], ext)
	path := filepath.Join(f.outputDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
