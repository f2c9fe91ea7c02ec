package main

import (
	"fmt"
	"regexp"
	"strings"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
)

// ProbeResult is the outcome of a preflight fetch. An unchallenged probe
// already carries the document body, so the browser launch can be skipped
// entirely.
type ProbeResult struct {
	StatusCode int
	Challenged bool
	Kind       ChallengeKind
	Body       []byte
}

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// Probe fetches the URL once with the TLS-fingerprinted client and
// classifies the raw response. Network errors are returned as-is; callers
// fall through to the browser path on any error.
func Probe(client tls_client.HttpClient, pageURL string) (*ProbeResult, error) {
	req, err := http.NewRequest(http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header = http.Header{
		"upgrade-insecure-requests": {"1"},
		"user-agent":                {ChromeUserAgent},
		"accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
		"sec-fetch-site":            {"none"},
		"sec-fetch-mode":            {"navigate"},
		"sec-fetch-user":            {"?1"},
		"sec-fetch-dest":            {"document"},
		"sec-ch-ua":                 {ChromeSecChUa},
		"sec-ch-ua-mobile":          {"?0"},
		"sec-ch-ua-platform":        {`"Windows"`},
		"accept-encoding":           {"gzip, deflate, br, zstd"},
		"accept-language":           {"en-US,en;q=0.9"},
		http.HeaderOrderKey: {
			"upgrade-insecure-requests",
			"user-agent",
			"accept",
			"sec-fetch-site",
			"sec-fetch-mode",
			"sec-fetch-user",
			"sec-fetch-dest",
			"sec-ch-ua",
			"sec-ch-ua-mobile",
			"sec-ch-ua-platform",
			"accept-encoding",
			"accept-language",
		},
		http.PHeaderOrderKey: PseudoHeaderOrder,
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readResponseBody(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read probe response: %w", err)
	}

	result := &ProbeResult{StatusCode: resp.StatusCode, Body: body}
	result.Kind = classifyProbe(resp, body)
	result.Challenged = result.Kind != ChallengeNone

	return result, nil
}

// classifyProbe matches the raw response against the same markers the
// in-browser detector uses, plus the vendor Server header, which raw HTTP
// exposes but a loaded DOM does not.
func classifyProbe(resp *http.Response, body []byte) ChallengeKind {
	html := string(body)
	title := ""
	if m := titleRe.FindStringSubmatch(html); m != nil {
		title = m[1]
	}

	if kind := classifyChallenge(html, title); kind != ChallengeNone {
		return kind
	}

	// Blocked statuses from a vendor-identified edge are challenges even
	// when the body carries no recognizable markers.
	if resp.StatusCode == 403 || resp.StatusCode == 503 {
		server := strings.ToLower(resp.Header.Get("Server"))
		if strings.Contains(server, "cloudflare") {
			return ChallengeCloudflare
		}
		if strings.Contains(server, "ddos-guard") {
			return ChallengeDDOSGuard
		}
	}

	return ChallengeNone
}
