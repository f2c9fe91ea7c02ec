package main

import (
	"os"
	"strconv"
)

// Build-time variables - inject via ldflags
// Example: go build -ldflags "-X main.captchaAPIKey=YOUR_KEY"
var (
	captchaAPIKey string // -X main.captchaAPIKey=...
)

// GetCaptchaAPIKey returns the 2Captcha API key (build-time or env fallback).
// An empty key disables challenge solving; it is not an error.
func GetCaptchaAPIKey() string {
	if captchaAPIKey != "" {
		return captchaAPIKey
	}
	return os.Getenv("2CAP_KEY")
}

// GetOutputDir returns the directory documents are saved to.
func GetOutputDir() string {
	if dir := os.Getenv("OUTPUT_DIR"); dir != "" {
		return dir
	}
	return "documents"
}

// GetDocumentSelector returns the CSS selector that marks a usable page.
// Callers re-verify page usability with it after the bypass flow finishes.
func GetDocumentSelector() string {
	if sel := os.Getenv("DOC_SELECTOR"); sel != "" {
		return sel
	}
	return "body"
}

// GetHeadless reports whether Chrome should run headless. Defaults to true;
// set HEADLESS=0 to watch the browser while debugging a target site.
func GetHeadless() bool {
	return os.Getenv("HEADLESS") != "0"
}

// LoadProxyConfig reads the sticky-proxy settings from the environment.
// Returns nil when no proxy host is configured.
func LoadProxyConfig() *ProxyConfig {
	host := os.Getenv("PROXY_HOST")
	if host == "" {
		return nil
	}

	poolSize := 1
	if raw := os.Getenv("PROXY_POOL_SIZE"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			poolSize = n
		}
	}

	return &ProxyConfig{
		Host:     host,
		Port:     os.Getenv("PROXY_PORT"),
		Username: os.Getenv("PROXY_USERNAME"),
		Password: os.Getenv("PROXY_PASSWORD"),
		PoolSize: poolSize,
	}
}
