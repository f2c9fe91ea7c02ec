package main

import (
	"strings"
	"testing"
	"time"
)

func newTestInterceptor(logger *testLogger) *WidgetInterceptor {
	w := NewWidgetInterceptor(logger)
	w.waitTimeout = 20 * time.Millisecond
	w.pollInterval = time.Millisecond
	return w
}

func TestIsManaged(t *testing.T) {
	tests := []struct {
		name   string
		params ChallengeParams
		want   bool
	}{
		{"sitekey only", ChallengeParams{Sitekey: "0xK"}, false},
		{"action", ChallengeParams{Sitekey: "0xK", Action: "managed"}, true},
		{"cData", ChallengeParams{Sitekey: "0xK", CData: "blob"}, true},
		{"chlPageData", ChallengeParams{Sitekey: "0xK", ChlPageData: "blob"}, true},
		{"all three", ChallengeParams{Sitekey: "0xK", Action: "a", CData: "c", ChlPageData: "p"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.params.IsManaged(); got != tt.want {
				t.Errorf("IsManaged() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInstallRegistersInitScript(t *testing.T) {
	page := &fakePage{}
	w := newTestInterceptor(&testLogger{t: t})

	if err := w.Install(page); err != nil {
		t.Fatal(err)
	}
	if len(page.initScripts) != 1 || page.initScripts[0] != turnstileHookJS {
		t.Error("hook was not registered as an init script")
	}
	if len(page.evaluated) != 0 {
		t.Error("Install must not evaluate into the live page")
	}
}

func TestInstallInPageEvaluates(t *testing.T) {
	page := &fakePage{}
	w := newTestInterceptor(&testLogger{t: t})

	if err := w.InstallInPage(page); err != nil {
		t.Fatal(err)
	}
	if len(page.evaluated) != 1 || page.evaluated[0] != turnstileHookJS {
		t.Error("hook was not evaluated into the live page")
	}
}

func TestExtractParamsFromCapture(t *testing.T) {
	page := &fakePage{
		onEvaluate: func(js string) (any, error) {
			if js == capturedParamsJS {
				return `{"sitekey":"0xCAPTURED","action":"managed","cData":"cd","chlPageData":"pd"}`, nil
			}
			return nil, nil
		},
	}

	params := newTestInterceptor(&testLogger{t: t}).ExtractParams(page, "")

	if params == nil {
		t.Fatal("expected params")
	}
	if params.Sitekey != "0xCAPTURED" || !params.IsManaged() {
		t.Errorf("params = %+v", params)
	}
}

func TestExtractParamsFallsBackToCascade(t *testing.T) {
	page := &fakePage{
		html: `<div class="cf-turnstile" data-sitekey="0xSTATIC123"></div>`,
	}

	params := newTestInterceptor(&testLogger{t: t}).ExtractParams(page, "")

	if params == nil || params.Sitekey != "0xSTATIC123" {
		t.Fatalf("params = %+v, want static sitekey", params)
	}
	if params.IsManaged() {
		t.Error("cascade fallback must yield standalone params")
	}
}

func TestExtractParamsUsesCachedSitekey(t *testing.T) {
	page := &fakePage{html: `<div>nothing here</div>`}

	params := newTestInterceptor(&testLogger{t: t}).ExtractParams(page, "0xFROMLASTROUND")

	if params == nil || params.Sitekey != "0xFROMLASTROUND" {
		t.Fatalf("params = %+v, want cached sitekey", params)
	}
}

func TestExtractParamsOverrideIsLastResortAndLogged(t *testing.T) {
	logger := &testLogger{t: t}
	page := &fakePage{
		html:     `<div>nothing here</div>`,
		location: "https://secure.docgate.io/reports/42",
	}

	params := newTestInterceptor(logger).ExtractParams(page, "")

	if params == nil || params.Sitekey != sitekeyOverrides["secure.docgate.io"] {
		t.Fatalf("params = %+v, want override sitekey", params)
	}

	degraded := false
	for _, line := range logger.lines {
		if strings.Contains(line, "DEGRADED") {
			degraded = true
		}
	}
	if !degraded {
		t.Error("override hit must be logged as degraded mode")
	}
}

func TestExtractParamsAllFallbacksMiss(t *testing.T) {
	page := &fakePage{
		html:     `<div>nothing here</div>`,
		location: "https://other.example.com/",
	}

	if params := newTestInterceptor(&testLogger{t: t}).ExtractParams(page, ""); params != nil {
		t.Errorf("params = %+v, want nil", params)
	}
}
