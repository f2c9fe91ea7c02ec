package main

import (
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// Browser identity presented by the preflight probe. Kept alongside the TLS
// profile so the fingerprint and headers describe the same Chrome build.
const (
	ChromeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"
	ChromeSecChUa   = `"Not(A:Brand";v="99", "Google Chrome";v="133", "Chromium";v="133"`
)

// ProbeProfile is the TLS client profile used for preflight requests.
var ProbeProfile = profiles.Chrome_133

// NewClient builds the TLS-fingerprinted HTTP client used for preflight
// probes. proxyURL may be empty.
func NewClient(logger tls_client.Logger, proxyURL string) (tls_client.HttpClient, error) {
	if logger == nil {
		logger = tls_client.NewNoopLogger()
	}

	jar := tls_client.NewCookieJar()
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(30),
		tls_client.WithClientProfile(ProbeProfile),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithCookieJar(jar),
	}

	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	return tls_client.NewHttpClient(logger, options...)
}
