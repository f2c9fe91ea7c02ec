package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const (
	cleanHTML = `<html><head><title>Annual Report</title></head><body><h1>Report</h1></body></html>`

	widgetChallengeHTML = `<html><body>
		<div class="cf-turnstile" data-sitekey="0xROUNDKEY99"></div>
	</body></html>`

	ddgChallengeHTML = `<html><body>
		<p>Checking your browser</p>
		<script src="/ddos-guard/js/check.js"></script>
	</body></html>`
)

func newTestOrchestrator(t *testing.T, page Page, solver Solver) *ChallengeOrchestrator {
	o := NewChallengeOrchestrator(page, solver, &testLogger{t: t})
	o.navTimeout = time.Second
	o.postInjectWait = time.Millisecond
	o.cookieWait = 10 * time.Millisecond
	o.cookiePoll = time.Millisecond
	o.redirectWait = time.Millisecond
	o.settleDelay = 0
	o.interceptor.waitTimeout = 5 * time.Millisecond
	o.interceptor.pollInterval = time.Millisecond
	return o
}

func TestRunNoChallenge(t *testing.T) {
	page := &fakePage{html: cleanHTML, title: "Annual Report"}
	solver := &fakeSolver{configured: true}

	outcome, err := newTestOrchestrator(t, page, solver).Run(context.Background(), "https://example.com/report")

	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeNoChallenge {
		t.Errorf("outcome = %s, want no challenge", outcome)
	}
	if len(solver.calls) != 0 {
		t.Errorf("solver called %d times on a clean page", len(solver.calls))
	}
	// Hook registration precedes navigation so the first render call is seen.
	if len(page.initScripts) != 1 || page.initScripts[0] != turnstileHookJS {
		t.Error("widget hook was not registered before navigation")
	}
}

func TestRunNoCredentialSkipsHookAndSolve(t *testing.T) {
	page := &fakePage{html: widgetChallengeHTML, title: "Just a moment..."}
	solver := &fakeSolver{configured: false}

	outcome, err := newTestOrchestrator(t, page, solver).Run(context.Background(), "https://example.com/gate")

	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeUnsolved {
		t.Errorf("outcome = %s, want unsolved", outcome)
	}
	if len(solver.calls) != 0 {
		t.Errorf("unconfigured solver was called %d times", len(solver.calls))
	}
	if len(page.initScripts) != 0 {
		t.Error("hook was installed despite missing credential")
	}
}

func TestRunSolvedFirstRound(t *testing.T) {
	page := &fakePage{html: widgetChallengeHTML, title: "Just a moment..."}
	page.onEvaluate = func(js string) (any, error) {
		if strings.Contains(js, "cf-turnstile-response") {
			page.html = cleanHTML
			page.title = "Annual Report"
			return map[string]any{"submitted": true}, nil
		}
		return nil, nil
	}
	solver := &fakeSolver{configured: true, result: &SolveResult{Token: "tok-1"}}

	outcome, err := newTestOrchestrator(t, page, solver).Run(context.Background(), "https://example.com/gate")

	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeSolved {
		t.Errorf("outcome = %s, want solved", outcome)
	}
	if len(solver.calls) != 1 {
		t.Errorf("solver called %d times, want 1", len(solver.calls))
	}
	if solver.calls[0].Sitekey != "0xROUNDKEY99" {
		t.Errorf("solved sitekey = %q", solver.calls[0].Sitekey)
	}
}

func TestRunChainedChallengeBudget(t *testing.T) {
	// The challenge never clears, so the orchestrator must stop after three
	// solve rounds instead of looping.
	page := &fakePage{html: widgetChallengeHTML, title: "Just a moment..."}
	solver := &fakeSolver{configured: true, result: &SolveResult{Token: "tok"}}

	outcome, err := newTestOrchestrator(t, page, solver).Run(context.Background(), "https://example.com/gate")

	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeUnsolved {
		t.Errorf("outcome = %s, want unsolved", outcome)
	}
	if len(solver.calls) != maxSolveRounds {
		t.Errorf("solver called %d times, want %d", len(solver.calls), maxSolveRounds)
	}
}

func TestRunFatalSolverErrorPropagates(t *testing.T) {
	page := &fakePage{html: widgetChallengeHTML, title: "Just a moment..."}
	solver := &fakeSolver{configured: true, err: NewFatalError(errors.New("solver error: ERROR_ZERO_BALANCE"))}

	outcome, err := newTestOrchestrator(t, page, solver).Run(context.Background(), "https://example.com/gate")

	if err == nil {
		t.Fatal("fatal solver error must propagate")
	}
	if !IsFatalError(err) {
		t.Errorf("err = %v, want fatal", err)
	}
	if outcome != OutcomeUnsolved {
		t.Errorf("outcome = %s, want unsolved", outcome)
	}
	if len(solver.calls) != 1 {
		t.Errorf("solver called %d times after fatal error, want 1", len(solver.calls))
	}
}

func TestRunTransientSolverErrorIsNotFatal(t *testing.T) {
	page := &fakePage{html: widgetChallengeHTML, title: "Just a moment..."}
	solver := &fakeSolver{configured: true, err: errors.New("solver error: ERROR_WRONG_SITEKEY")}

	outcome, err := newTestOrchestrator(t, page, solver).Run(context.Background(), "https://example.com/gate")

	if err != nil {
		t.Fatalf("transient solver error must not propagate, got %v", err)
	}
	if outcome != OutcomeUnsolved {
		t.Errorf("outcome = %s, want unsolved", outcome)
	}
}

func TestRunSolveTimeout(t *testing.T) {
	page := &fakePage{html: widgetChallengeHTML, title: "Just a moment..."}
	solver := &fakeSolver{configured: true} // nil result, nil error: polling budget exhausted

	outcome, err := newTestOrchestrator(t, page, solver).Run(context.Background(), "https://example.com/gate")

	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeUnsolved {
		t.Errorf("outcome = %s, want unsolved", outcome)
	}
	if len(solver.calls) != 1 {
		t.Errorf("solver called %d times after timeout, want 1", len(solver.calls))
	}
}

func TestRunNoSitekeyRecoverable(t *testing.T) {
	page := &fakePage{
		html:     `<html><body><script>window._cf_chl_opt = {};</script></body></html>`,
		title:    "Just a moment...",
		location: "https://unlisted.example.com/gate",
	}
	solver := &fakeSolver{configured: true, result: &SolveResult{Token: "tok"}}

	outcome, err := newTestOrchestrator(t, page, solver).Run(context.Background(), "https://unlisted.example.com/gate")

	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeUnsolved {
		t.Errorf("outcome = %s, want unsolved", outcome)
	}
	if len(solver.calls) != 0 {
		t.Errorf("solver called %d times without a sitekey", len(solver.calls))
	}
}

func TestRunWidgetFamilyNeverUsesCookieFlow(t *testing.T) {
	page := &fakePage{html: widgetChallengeHTML, title: "Just a moment..."}
	solver := &fakeSolver{configured: true, result: &SolveResult{Token: "tok"}}

	if _, err := newTestOrchestrator(t, page, solver).Run(context.Background(), "https://example.com/gate"); err != nil {
		t.Fatal(err)
	}

	if page.cookieCalls != 0 {
		t.Errorf("cookie store polled %d times during widget flow", page.cookieCalls)
	}
	if page.reloads != 0 {
		t.Errorf("page reloaded %d times during widget flow", page.reloads)
	}
}

// reloadClearingPage clears its challenge markup when reloaded, modeling the
// post-clearance refresh.
type reloadClearingPage struct {
	fakePage
}

func (p *reloadClearingPage) Reload() error {
	p.html = cleanHTML
	p.title = "Annual Report"
	return p.fakePage.Reload()
}

func TestRunCookieFlowSolved(t *testing.T) {
	page := &reloadClearingPage{fakePage: fakePage{
		html:    ddgChallengeHTML,
		title:   "DDoS-Guard",
		cookies: []Cookie{{Name: "__ddg1_", Value: "clearance", Domain: ".example.com"}},
	}}
	solver := &fakeSolver{configured: true}

	outcome, err := newTestOrchestrator(t, page, solver).Run(context.Background(), "https://example.com/doc")

	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeSolved {
		t.Errorf("outcome = %s, want solved", outcome)
	}
	if len(solver.calls) != 0 {
		t.Errorf("cookie flow invoked the solver %d times", len(solver.calls))
	}
	if page.reloads != 1 {
		t.Errorf("reloads = %d, want 1 (no redirect arrived)", page.reloads)
	}
}

func TestRunCookieFlowTimeoutIsSoft(t *testing.T) {
	page := &fakePage{html: ddgChallengeHTML, title: "DDoS-Guard"} // cookie never appears
	solver := &fakeSolver{configured: true}

	outcome, err := newTestOrchestrator(t, page, solver).Run(context.Background(), "https://example.com/doc")

	if err != nil {
		t.Fatalf("cookie timeout must be soft, got %v", err)
	}
	if outcome != OutcomeUnsolved {
		t.Errorf("outcome = %s, want unsolved", outcome)
	}
	if page.cookieCalls == 0 {
		t.Error("native cookie jar was never polled")
	}
}

func TestBypassOutcomeString(t *testing.T) {
	if OutcomeNoChallenge.String() != "no challenge" || OutcomeSolved.String() != "solved" || OutcomeUnsolved.String() != "unsolved" {
		t.Error("outcome strings changed")
	}
}
