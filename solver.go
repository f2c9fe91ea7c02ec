package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// TaskStatus tracks the lifecycle of one solve submission. A task
// transitions exactly once, pending -> ready or pending -> error, and is
// never reused.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskReady   TaskStatus = "ready"
	TaskError   TaskStatus = "error"
)

// SolveTask is one submission to the solving service.
type SolveTask struct {
	ID        string
	Status    TaskStatus
	Token     string
	UserAgent string
	Cost      float64
}

// SolveResult carries the solved token plus the user-agent the service
// solved under. Managed challenges may bind the solve to that UA, so the
// page must adopt it before injection.
type SolveResult struct {
	Token     string
	UserAgent string
	Cost      float64
}

const (
	legacySolverBaseURL = "https://2captcha.com"
	taskSolverBaseURL   = "https://api.2captcha.com"

	solverPollInterval = 5 * time.Second
	solverMaxPolls     = 60 // ~5 minutes at the 5s interval

	legacyNotReady = "CAPCHA_NOT_READY"
	legacyOKPrefix = "OK|"
)

var fatalCaptchaCodes = []string{
	"ERROR_ZERO_BALANCE",
	"ERROR_KEY_DOES_NOT_EXIST",
	"ERROR_WRONG_USER_KEY",
	"ERROR_IP_NOT_ALLOWED",
	"ERROR_IP_BANNED",
}

func isFatalCaptchaCode(code string) bool {
	return slices.Contains(fatalCaptchaCodes, code)
}

// ChallengeSolver submits captured widget parameters to the solving service
// and polls to completion. Two wire protocols exist: the legacy query-param
// submit/poll surface for standalone widgets, and the JSON task API for
// managed challenges. The parameter shape picks the protocol.
type ChallengeSolver struct {
	apiKey        string
	legacyBaseURL string
	taskBaseURL   string
	pollInterval  time.Duration
	maxPolls      int
	fastClient    *fasthttp.Client
	httpClient    *http.Client
	logger        Logger
}

func NewChallengeSolver(apiKey string, logger Logger) *ChallengeSolver {
	return &ChallengeSolver{
		apiKey:        apiKey,
		legacyBaseURL: legacySolverBaseURL,
		taskBaseURL:   taskSolverBaseURL,
		pollInterval:  solverPollInterval,
		maxPolls:      solverMaxPolls,
		fastClient:    &fasthttp.Client{ReadTimeout: 30 * time.Second, WriteTimeout: 30 * time.Second},
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
	}
}

// Configured reports whether a solver credential is present.
func (s *ChallengeSolver) Configured() bool {
	return s.apiKey != ""
}

// Solve routes the params to the matching protocol and blocks until a token
// arrives or the polling budget is exhausted. A nil result with a nil error
// means the solve timed out; a non-nil error means the submission was
// rejected (never retried) or the service failed hard.
func (s *ChallengeSolver) Solve(ctx context.Context, pageURL string, params ChallengeParams) (*SolveResult, error) {
	if params.Sitekey == "" {
		return nil, errors.New("refusing to solve without a sitekey")
	}

	if params.IsManaged() {
		s.logger.Log("Solving managed challenge (sitekey %s, action %q)", params.Sitekey, params.Action)
		return s.solveManaged(ctx, pageURL, params)
	}

	s.logger.Log("Solving standalone widget (sitekey %s)", params.Sitekey)
	return s.solveStandalone(ctx, pageURL, params.Sitekey)
}

// =============================================================================
// Legacy query-param protocol (standalone widgets)
// =============================================================================

func (s *ChallengeSolver) solveStandalone(ctx context.Context, pageURL, sitekey string) (*SolveResult, error) {
	task, err := s.submitLegacy(pageURL, sitekey)
	if err != nil {
		return nil, err
	}

	return s.pollLegacy(ctx, task)
}

func (s *ChallengeSolver) submitLegacy(pageURL, sitekey string) (*SolveTask, error) {
	args := url.Values{
		"key":     {s.apiKey},
		"method":  {"turnstile"},
		"sitekey": {sitekey},
		"pageurl": {pageURL},
	}

	body, err := s.legacyGet(s.legacyBaseURL + "/in.php?" + args.Encode())
	if err != nil {
		return nil, fmt.Errorf("solver submit failed: %w", err)
	}

	if !strings.HasPrefix(body, legacyOKPrefix) {
		err := fmt.Errorf("solver rejected submission: %s", body)
		if isFatalCaptchaCode(body) {
			return nil, NewFatalError(err)
		}
		return nil, err
	}

	return &SolveTask{ID: strings.TrimPrefix(body, legacyOKPrefix), Status: TaskPending}, nil
}

func (s *ChallengeSolver) pollLegacy(ctx context.Context, task *SolveTask) (*SolveResult, error) {
	args := url.Values{
		"key":    {s.apiKey},
		"action": {"get"},
		"id":     {task.ID},
	}
	pollURL := s.legacyBaseURL + "/res.php?" + args.Encode()

	for attempt := 0; attempt < s.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			task.Status = TaskError
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}

		body, err := s.legacyGet(pollURL)
		if err != nil {
			continue // transient network error, keep polling
		}

		if body == legacyNotReady {
			continue
		}

		if strings.HasPrefix(body, legacyOKPrefix) {
			task.Status = TaskReady
			task.Token = strings.TrimPrefix(body, legacyOKPrefix)
			return &SolveResult{Token: task.Token}, nil
		}

		task.Status = TaskError
		err = fmt.Errorf("solver error: %s", body)
		if isFatalCaptchaCode(body) {
			return nil, NewFatalError(err)
		}
		return nil, err
	}

	task.Status = TaskError
	s.logger.Log("Solver polling budget exhausted for task %s", task.ID)
	return nil, nil
}

func (s *ChallengeSolver) legacyGet(uri string) (string, error) {
	status, body, err := s.fastClient.GetTimeout(nil, uri, 30*time.Second)
	if err != nil {
		return "", err
	}
	if status != fasthttp.StatusOK {
		return "", fmt.Errorf("unexpected status %d", status)
	}
	return strings.TrimSpace(string(body)), nil
}

// =============================================================================
// JSON task protocol (managed challenges)
// =============================================================================

type taskAPIResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           int64  `json:"taskId"`
	Status           string `json:"status"`
	Cost             string `json:"cost"`
	Solution         struct {
		Token     string `json:"token"`
		UserAgent string `json:"userAgent"`
	} `json:"solution"`
}

func (s *ChallengeSolver) solveManaged(ctx context.Context, pageURL string, params ChallengeParams) (*SolveResult, error) {
	res, err := s.taskRequest(ctx, s.taskBaseURL+"/createTask", map[string]any{
		"clientKey": s.apiKey,
		"task": map[string]any{
			"type":       "TurnstileTaskProxyless",
			"websiteURL": pageURL,
			"websiteKey": params.Sitekey,
			"action":     params.Action,
			"data":       params.CData,
			"pagedata":   params.ChlPageData,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("solver submit failed: %w", err)
	}
	if res.ErrorID != 0 {
		return nil, s.taskError(res)
	}

	task := &SolveTask{ID: strconv.FormatInt(res.TaskID, 10), Status: TaskPending}
	return s.pollTask(ctx, task)
}

func (s *ChallengeSolver) pollTask(ctx context.Context, task *SolveTask) (*SolveResult, error) {
	for attempt := 0; attempt < s.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			task.Status = TaskError
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}

		taskID, _ := strconv.ParseInt(task.ID, 10, 64)
		res, err := s.taskRequest(ctx, s.taskBaseURL+"/getTaskResult", map[string]any{
			"clientKey": s.apiKey,
			"taskId":    taskID,
		})
		if err != nil {
			continue
		}
		if res.ErrorID != 0 {
			task.Status = TaskError
			return nil, s.taskError(res)
		}

		if res.Status == "ready" {
			task.Status = TaskReady
			task.Token = res.Solution.Token
			task.UserAgent = res.Solution.UserAgent
			task.Cost, _ = strconv.ParseFloat(res.Cost, 64)
			s.logger.Log("Managed challenge solved (cost %s)", res.Cost)
			return &SolveResult{Token: task.Token, UserAgent: task.UserAgent, Cost: task.Cost}, nil
		}
	}

	task.Status = TaskError
	s.logger.Log("Solver polling budget exhausted for task %s", task.ID)
	return nil, nil
}

func (s *ChallengeSolver) taskError(res *taskAPIResponse) error {
	err := fmt.Errorf("solver error: %s - %s", res.ErrorCode, res.ErrorDescription)
	if isFatalCaptchaCode(res.ErrorCode) {
		return NewFatalError(err)
	}
	return err
}

func (s *ChallengeSolver) taskRequest(ctx context.Context, uri string, payload any) (*taskAPIResponse, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	responseData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	result := new(taskAPIResponse)
	if err := json.Unmarshal(responseData, result); err != nil {
		return nil, err
	}
	return result, nil
}
