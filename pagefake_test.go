package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// testLogger collects log lines so tests can assert on degraded-mode paths.
type testLogger struct {
	t     *testing.T
	lines []string
}

func (l *testLogger) Log(format string, args ...any) {
	l.lines = append(l.lines, format)
	if l.t != nil {
		l.t.Logf(format, args...)
	}
}

// fakePage is a scripted Page implementation. Evaluate results come from
// onEvaluate; everything else is plain field state.
type fakePage struct {
	html           string
	title          string
	location       string
	cookies        []Cookie
	initScripts    []string
	evaluated      []string
	navigations    []string
	cookieCalls    int
	reloads        int
	navigated      bool // WaitForNavigation result
	waitVisibleErr error

	// onEvaluate maps an evaluated script to its result. Returning nil
	// leaves out untouched.
	onEvaluate func(js string) (any, error)
}

func (p *fakePage) Navigate(url string, _ time.Duration) error {
	p.navigations = append(p.navigations, url)
	p.location = url
	return nil
}

func (p *fakePage) Evaluate(js string, out any) error {
	p.evaluated = append(p.evaluated, js)

	var result any
	var err error
	if p.onEvaluate != nil {
		result, err = p.onEvaluate(js)
	}
	if err != nil {
		return err
	}
	if out == nil || result == nil {
		return nil
	}

	// JSON round-trip writes the scripted value into whatever type the
	// caller passed, matching chromedp's unmarshal behavior.
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (p *fakePage) AddInitScript(js string) error {
	p.initScripts = append(p.initScripts, js)
	return nil
}

func (p *fakePage) Content() (string, error)  { return p.html, nil }
func (p *fakePage) Title() (string, error)    { return p.title, nil }
func (p *fakePage) Location() (string, error) { return p.location, nil }

func (p *fakePage) Cookies() ([]Cookie, error) {
	p.cookieCalls++
	return p.cookies, nil
}

func (p *fakePage) WaitVisible(string, time.Duration) error {
	return p.waitVisibleErr
}

func (p *fakePage) WaitForNavigation(time.Duration) (bool, error) {
	return p.navigated, nil
}

func (p *fakePage) Reload() error {
	p.reloads++
	return nil
}

// fakeSolver scripts the solving surface for orchestrator tests.
type fakeSolver struct {
	configured bool
	calls      []ChallengeParams
	result     *SolveResult
	err        error
}

func (s *fakeSolver) Configured() bool { return s.configured }

func (s *fakeSolver) Solve(_ context.Context, _ string, params ChallengeParams) (*SolveResult, error) {
	s.calls = append(s.calls, params)
	return s.result, s.err
}
