package main

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	workerCount int
	urlSource   string
	engineLog   *log.Logger
)

const workerStaggerDelay = 250 * time.Millisecond

type moduleLogger struct {
	logger *log.Logger
}

func (m *moduleLogger) Log(format string, args ...any) {
	m.logger.Printf("      "+format, args...)
}

func main() {
	parseArgs()

	engineLogFile, moduleLogFile, modLog := setupLogging()
	defer engineLogFile.Close()
	defer moduleLogFile.Close()

	_ = godotenv.Load()

	urls := loadURLs(urlSource)
	if len(urls) == 0 {
		engineLog.Fatal("No URLs to fetch")
	}
	engineLog.Printf("Loaded %d URL(s)", len(urls))

	scheduler := createScheduler(modLog)

	exitCode := run(scheduler, urls)
	os.Exit(exitCode)
}

func parseArgs() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: docfetch <url|urls-file> [worker-count]\nExamples:\n  docfetch https://example.com/report.html\n  docfetch urls.txt 4")
	}

	urlSource = os.Args[1]

	workerCount = 1
	if len(os.Args) >= 3 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil || n <= 0 {
			log.Fatal("worker-count must be a positive integer")
		}
		workerCount = n
	}
}

func setupLogging() (engineLogFile, moduleLogFile *os.File, modLog *log.Logger) {
	var err error

	engineLogFile, err = os.OpenFile("engine.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("Failed to open engine log file: %v", err)
	}
	engineLog = log.New(io.MultiWriter(os.Stdout, engineLogFile), "", log.LstdFlags)

	moduleLogFile, err = os.OpenFile("docfetch.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		engineLog.Fatalf("Failed to open module log file: %v", err)
	}
	modLog = log.New(io.MultiWriter(os.Stdout, moduleLogFile), "", log.LstdFlags)

	return engineLogFile, moduleLogFile, modLog
}

// loadURLs accepts either a single URL or a file with one URL per line.
func loadURLs(source string) []string {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return []string{source}
	}

	file, err := os.Open(source)
	if err != nil {
		engineLog.Fatalf("Failed to open URL file %s: %v", source, err)
	}
	defer file.Close()

	var urls []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		engineLog.Fatalf("Error reading URL file: %v", err)
	}

	return urls
}

func createScheduler(modLog *log.Logger) *Scheduler {
	logger := &moduleLogger{logger: modLog}

	solverKey := GetCaptchaAPIKey()
	if solverKey == "" {
		engineLog.Printf("No solver credential configured (2CAP_KEY); challenge solving disabled")
	}
	solver := NewChallengeSolver(solverKey, logger)

	var proxyManager *ProxySessionManager
	if proxyConfig := LoadProxyConfig(); proxyConfig != nil {
		proxyManager = NewProxySessionManager(proxyConfig)
		engineLog.Printf("Proxy configured: %s:%s (pool size %d)", proxyConfig.Host, proxyConfig.Port, proxyConfig.PoolSize)
	} else {
		engineLog.Printf("No proxy configured, connecting directly")
	}

	return NewScheduler(workerCount, solver, proxyManager, workerStaggerDelay, logger)
}

func run(scheduler *Scheduler, urls []string) int {
	engineLog.Printf("Starting %d worker(s) for %d URL(s)...", workerCount, len(urls))

	ctx := context.Background()
	scheduler.Start(ctx)

	go func() {
		for _, u := range urls {
			scheduler.Submit(u)
		}
	}()

	var successCount, failCount int
	var fatalErr error

	for result := range scheduler.Results() {
		if result.Fatal {
			fatalErr = result.Error
			engineLog.Printf("FATAL ERROR: %v", result.Error)
			break
		}

		if result.Success {
			successCount++
			engineLog.Printf("[%d/%d] SAVED: %s -> %s", successCount+failCount, len(urls), result.URL, result.Path)
		} else {
			failCount++
			engineLog.Printf("[%d/%d] FAILED: %s (%v)", successCount+failCount, len(urls), result.URL, result.Error)
		}

		if successCount+failCount >= len(urls) {
			break
		}
	}

	scheduler.Close()

	if fatalErr != nil {
		engineLog.Printf("=== ABORTED: %d fetched, %d failed (fatal error: %v) ===", successCount, failCount, fatalErr)
		return 1
	}

	engineLog.Printf("=== Complete: %d fetched, %d failed ===", successCount, failCount)
	if failCount > 0 {
		return 1
	}
	return 0
}
