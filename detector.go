package main

import (
	"regexp"
	"strings"
)

// ChallengeKind identifies which bot-mitigation vendor gated the page.
type ChallengeKind int

const (
	ChallengeNone ChallengeKind = iota
	ChallengeCloudflare
	ChallengeDDOSGuard
)

func (k ChallengeKind) String() string {
	switch k {
	case ChallengeCloudflare:
		return "cloudflare"
	case ChallengeDDOSGuard:
		return "ddos-guard"
	default:
		return "none"
	}
}

// Detection is the result of classifying a loaded page.
type Detection struct {
	Kind    ChallengeKind
	Sitekey string
}

func (d Detection) HasChallenge() bool {
	return d.Kind != ChallengeNone
}

// Page markers per challenge family. Matched against already-loaded
// HTML/title only; detection never navigates.
var (
	cloudflareTitleMarkers = []string{
		"Just a moment",
		"Attention Required",
	}
	cloudflareBodyMarkers = []string{
		"cf-turnstile",
		"challenges.cloudflare.com",
		"_cf_chl_opt",
		"cf-challenge",
		"cf_chl_opt",
		"cdn-cgi/challenge-platform",
	}
	ddosGuardTitleMarkers = []string{
		"DDoS-Guard",
		"DDOS-GUARD",
	}
	ddosGuardBodyMarkers = []string{
		"ddos-guard",
		"ddosguard",
		"__ddg",
		"ddg-captcha",
	}
)

// ddgClearancePrefix is the cookie prefix DDoS-Guard sets once a challenge
// is passed (__ddg1, __ddg2, __ddgid, ...).
const ddgClearancePrefix = "__ddg"

// ChallengeDetector classifies a loaded page and opportunistically extracts
// a sitekey. Pure read; finding no challenge is not an error.
type ChallengeDetector struct {
	logger Logger
}

func NewChallengeDetector(logger Logger) *ChallengeDetector {
	return &ChallengeDetector{logger: logger}
}

// Detect reads the current document and classifies it. A Cloudflare result
// may still carry an empty sitekey: challenge present, not automatically
// solvable.
func (d *ChallengeDetector) Detect(page Page) Detection {
	html, err := page.Content()
	if err != nil {
		d.logger.Log("Detection: failed to read page content: %v", err)
		return Detection{}
	}
	title, err := page.Title()
	if err != nil {
		title = ""
	}

	kind := classifyChallenge(html, title)
	det := Detection{Kind: kind}

	if kind == ChallengeCloudflare {
		sitekey, source := extractSitekey(page, html)
		if sitekey != "" {
			d.logger.Log("Sitekey %s extracted via %s", sitekey, source)
		}
		det.Sitekey = sitekey
	}

	return det
}

// classifyChallenge matches known marker strings per family. The managed
// (Cloudflare) family wins when both match: its markers are specific, while
// DDoS-Guard markers can appear in unrelated embedded content.
func classifyChallenge(html, title string) ChallengeKind {
	if containsAnyFold(title, cloudflareTitleMarkers) || containsAnyFold(html, cloudflareBodyMarkers) {
		return ChallengeCloudflare
	}
	if containsAnyFold(title, ddosGuardTitleMarkers) || containsAnyFold(html, ddosGuardBodyMarkers) {
		return ChallengeDDOSGuard
	}
	return ChallengeNone
}

func containsAnyFold(s string, markers []string) bool {
	lower := strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// =============================================================================
// Sitekey extraction cascade
// =============================================================================

// sitekeyExtractor is one strategy in the extraction cascade. Strategies are
// tried in strict priority order; the first non-empty match wins.
type sitekeyExtractor struct {
	name    string
	extract func(page Page, html string) string
}

var (
	// Marked element: data-sitekey on an element carrying the cf-turnstile
	// class, either attribute order.
	markedAttrRes = []*regexp.Regexp{
		regexp.MustCompile(`class=["'][^"']*cf-turnstile[^"']*["'][^>]*data-sitekey=["']([^"']+)["']`),
		regexp.MustCompile(`data-sitekey=["']([^"']+)["'][^>]*class=["'][^"']*cf-turnstile[^"']*["']`),
	}

	customElementRe = regexp.MustCompile(`<cf-turnstile[^>]*\bsitekey=["']([^"']+)["']`)

	// Turnstile challenge iframes embed the sitekey as an 0x path segment.
	challengeIframeRe = regexp.MustCompile(`<iframe[^>]+src=["'][^"']*challenges\.cloudflare\.com[^"']*?/(0x[0-9A-Za-z_-]{8,})(?:/|["'])`)

	inlineScriptRes = []*regexp.Regexp{
		regexp.MustCompile(`turnstile\.render\s*\([^,]+,\s*\{[^}]*?sitekey\s*:\s*["']([^"']+)["']`),
		regexp.MustCompile(`["']?sitekey["']?\s*[:=]\s*["']([^"']+)["']`),
		regexp.MustCompile(`chlApiSitekey["']?\s*[:=]\s*["']([^"']+)["']`),
	}

	rawSourceRes = []*regexp.Regexp{
		regexp.MustCompile(`data-sitekey=["']([^"']+)["']`),
		regexp.MustCompile(`\b(0x[0-9A-Za-z_-]{16,})\b`),
	}
)

// globalSitekeyJS reads the sitekey off the in-page challenge options object
// when present.
const globalSitekeyJS = `(() => {
	try {
		if (window._cf_chl_opt && window._cf_chl_opt.chlApiSitekey) {
			return window._cf_chl_opt.chlApiSitekey;
		}
		if (window.__tsCaptured && window.__tsCaptured.sitekey) {
			return window.__tsCaptured.sitekey;
		}
	} catch (e) {}
	return '';
})()`

var sitekeyExtractors = []sitekeyExtractor{
	{"turnstile-attribute", func(_ Page, html string) string {
		return firstMatch(html, markedAttrRes)
	}},
	{"custom-element", func(_ Page, html string) string {
		if m := customElementRe.FindStringSubmatch(html); m != nil {
			return m[1]
		}
		return ""
	}},
	{"challenge-iframe", func(_ Page, html string) string {
		if m := challengeIframeRe.FindStringSubmatch(html); m != nil {
			return m[1]
		}
		return ""
	}},
	{"inline-script", func(_ Page, html string) string {
		return firstMatch(scriptText(html), inlineScriptRes)
	}},
	{"global-object", func(page Page, _ string) string {
		var sitekey string
		if err := page.Evaluate(globalSitekeyJS, &sitekey); err != nil {
			return ""
		}
		return sitekey
	}},
	{"page-source", func(_ Page, html string) string {
		return firstMatch(html, rawSourceRes)
	}},
}

// extractSitekey runs the cascade and returns the first hit plus the name of
// the strategy that produced it.
func extractSitekey(page Page, html string) (string, string) {
	for _, ex := range sitekeyExtractors {
		if sitekey := ex.extract(page, html); sitekey != "" {
			return sitekey, ex.name
		}
	}
	return "", ""
}

func firstMatch(s string, res []*regexp.Regexp) string {
	for _, re := range res {
		if m := re.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}

var scriptTagRe = regexp.MustCompile(`(?s)<script[^>]*>(.*?)</script>`)

// scriptText concatenates inline script bodies so script-only patterns never
// match markup attributes.
func scriptText(html string) string {
	var sb strings.Builder
	for _, m := range scriptTagRe.FindAllStringSubmatch(html, -1) {
		sb.WriteString(m[1])
		sb.WriteByte('\n')
	}
	return sb.String()
}
