// Package testutil provides testing utilities for intakeflow
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/intakeflow/pkg/clients"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout that is
// cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// FastRetry keeps retry loops in tests to a few milliseconds.
func FastRetry() clients.RetryPolicy {
	return clients.RetryPolicy{MaxAttempts: 5, MinWait: time.Millisecond, MaxWait: 5 * time.Millisecond}
}

// Metrics returns metric vectors on a private registry, so tests can run in
// parallel and assert exact values.
func Metrics() (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return metrics.New(reg), reg
}

// HTTPClient builds a client with FastRetry and no authenticator.
func HTTPClient(t *testing.T, m *metrics.Metrics, opts ...clients.HTTPOption) *clients.HTTPClient {
	t.Helper()
	cfg := clients.DefaultHTTPConfig()
	cfg.Retry = FastRetry()
	if m != nil {
		opts = append(opts, clients.WithMetrics(m))
	}
	hc := clients.NewHTTPClient(cfg, zaptest.NewLogger(t), opts...)
	t.Cleanup(func() { _ = hc.Close() })
	return hc
}
