package main

import (
	"encoding/json"
	"net/url"
	"time"
)

// ChallengeParams are the widget initialization parameters captured at
// render time. Presence of any of action/cData/chlPageData marks a full-page
// managed challenge and selects the task-based solving protocol.
type ChallengeParams struct {
	Sitekey     string `json:"sitekey"`
	Action      string `json:"action"`
	CData       string `json:"cData"`
	ChlPageData string `json:"chlPageData"`
}

// IsManaged reports whether the params describe a managed challenge rather
// than a standalone widget.
func (p ChallengeParams) IsManaged() bool {
	return p.Action != "" || p.CData != "" || p.ChlPageData != ""
}

// turnstileHookJS wraps window.turnstile.render so that when the page's own
// script invokes it, the arguments land in accessible state before the
// original implementation runs. The widget object arrives asynchronously, so
// the hook polls for it (10ms interval, 30s cap). These parameters never
// appear in static markup; render interception is the only way to see them.
const turnstileHookJS = `(() => {
	if (window.__tsHookInstalled) { return; }
	window.__tsHookInstalled = true;

	const deadline = Date.now() + 30000;
	const poll = setInterval(() => {
		if (window.turnstile && window.turnstile.render && !window.turnstile.__tsWrapped) {
			clearInterval(poll);
			const original = window.turnstile.render;
			window.turnstile.__tsWrapped = true;
			window.turnstile.render = (container, params) => {
				params = params || {};
				window.__tsCaptured = {
					sitekey: params.sitekey || '',
					action: params.action || '',
					cData: params.cData || '',
					chlPageData: params.chlPageData || ''
				};
				window.__tsCallback = params.callback;
				return original(container, params);
			};
		} else if (Date.now() > deadline) {
			clearInterval(poll);
		}
	}, 10);
})()`

// capturedParamsJS returns the captured state as a JSON string, or "" when
// the page script has not invoked the render call yet.
const capturedParamsJS = `(() => {
	return window.__tsCaptured ? JSON.stringify(window.__tsCaptured) : '';
})()`

// sitekeyOverrides maps a hostname to a known sitekey, used as the absolute
// last resort when every extraction strategy misses. Silently breaks if the
// site rotates its key, so hits are always logged as degraded mode.
var sitekeyOverrides = map[string]string{
	"secure.docgate.io": "0x4AAAAAAADnPIDRObmt1Wwj",
}

const (
	capturedParamsWait = 20 * time.Second
	capturedParamsPoll = 500 * time.Millisecond
)

// WidgetInterceptor installs the render hook and recovers the parameters it
// captured, falling back through progressively weaker sources.
type WidgetInterceptor struct {
	logger       Logger
	waitTimeout  time.Duration
	pollInterval time.Duration
}

func NewWidgetInterceptor(logger Logger) *WidgetInterceptor {
	return &WidgetInterceptor{
		logger:       logger,
		waitTimeout:  capturedParamsWait,
		pollInterval: capturedParamsPoll,
	}
}

// Install registers the hook to run on every new document, before any page
// script. Must be called strictly before the next navigation.
func (w *WidgetInterceptor) Install(page Page) error {
	return page.AddInitScript(turnstileHookJS)
}

// InstallInPage attaches the hook directly into the current document. Used
// between chained-challenge rounds, where no new navigation will fire the
// pre-registered script.
func (w *WidgetInterceptor) InstallInPage(page Page) error {
	return page.Evaluate(turnstileHookJS, nil)
}

// ExtractParams waits for the hook's captured state, then falls back to the
// static extraction cascade, then to the sitekey cached from a prior round,
// then to the per-site override table. Returns nil only once every fallback
// fails.
func (w *WidgetInterceptor) ExtractParams(page Page, cachedSitekey string) *ChallengeParams {
	if params := w.waitForCaptured(page); params != nil {
		return params
	}

	// Race: the widget may have rendered before the hook attached. Fall back
	// to the same cascade detection uses.
	html, err := page.Content()
	if err == nil {
		if sitekey, source := extractSitekey(page, html); sitekey != "" {
			w.logger.Log("Widget hook missed, recovered sitekey via %s", source)
			return &ChallengeParams{Sitekey: sitekey}
		}
	}

	if cachedSitekey != "" {
		w.logger.Log("Reusing sitekey from previous round: %s", cachedSitekey)
		return &ChallengeParams{Sitekey: cachedSitekey}
	}

	if sitekey := w.overrideFor(page); sitekey != "" {
		w.logger.Log("DEGRADED: using hardcoded sitekey override %s", sitekey)
		return &ChallengeParams{Sitekey: sitekey}
	}

	return nil
}

func (w *WidgetInterceptor) waitForCaptured(page Page) *ChallengeParams {
	deadline := time.Now().Add(w.waitTimeout)
	for time.Now().Before(deadline) {
		var raw string
		if err := page.Evaluate(capturedParamsJS, &raw); err != nil {
			return nil
		}
		if raw != "" {
			var params ChallengeParams
			if err := json.Unmarshal([]byte(raw), &params); err != nil {
				w.logger.Log("Failed to parse captured widget params: %v", err)
				return nil
			}
			return &params
		}
		time.Sleep(w.pollInterval)
	}
	return nil
}

func (w *WidgetInterceptor) overrideFor(page Page) string {
	loc, err := page.Location()
	if err != nil {
		return ""
	}
	parsed, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return sitekeyOverrides[parsed.Hostname()]
}
