package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/izavyalov-dev/idcache/internal/cistest"
	"github.com/izavyalov-dev/idcache/internal/observability"
)

const defaultListen = ":8091"

func main() {
	flags := flag.NewFlagSet("cis-mock", flag.ExitOnError)
	listen := flags.String("listen", envString("CIS_MOCK_LISTEN", defaultListen), "Listen address")
	username := flags.String("username", envString("CIS_MOCK_USERNAME", cistest.DefaultUsername), "Accepted username")
	password := flags.String("password", envString("CIS_MOCK_PASSWORD", cistest.DefaultPassword), "Accepted password")
	pollsBeforeSuccess := flags.Int("polls-before-success", envInt("CIS_MOCK_POLLS_BEFORE_SUCCESS", 1), "Polls answered as running before a job completes")
	failJobs := flags.Bool("fail-jobs", false, "Report every bulk job as failed")
	neverComplete := flags.Bool("never-complete", false, "Keep every bulk job running")
	_ = flags.Parse(os.Args[1:])

	if strings.TrimSpace(*username) == "" || strings.TrimSpace(*password) == "" {
		fmt.Fprintln(os.Stderr, "username and password required")
		os.Exit(1)
	}

	fake := cistest.NewServer(cistest.Behavior{
		PollsBeforeSuccess: *pollsBeforeSuccess,
		FailJobs:           *failJobs,
		FailureLog:         "bulk job rejected by cis-mock",
		NeverComplete:      *neverComplete,
	})
	fake.Username = *username
	fake.Password = *password

	logger := observability.NewLogger("cis-mock")
	server := &http.Server{
		Addr:              *listen,
		Handler:           fake.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("cis mock listening", "event", "server_started", "listen", *listen)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("cis mock stopped", "event", "server_failed", "error", err)
		os.Exit(1)
	}
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
