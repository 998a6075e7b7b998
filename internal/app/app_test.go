package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Docflow/internal/cache"
	"github.com/shaiso/Docflow/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Cache.Backend = "badger"
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelay = time.Second
	cfg.Retry.MaxDelay = 10 * time.Second
	cfg.Retry.JitterFraction = 0.2
	cfg.LLM.Model = "test-model"
	return cfg
}

func TestOpsMux_Healthz(t *testing.T) {
	healthy := OpsMux(map[string]Checker{
		"db": func(context.Context) error { return nil },
	})
	rec := httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")

	broken := OpsMux(map[string]Checker{
		"rabbitmq": func(context.Context) error { return errors.New("connection closed") },
	})
	rec = httptest.NewRecorder()
	broken.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "rabbitmq: connection closed")
}

func TestOpsMux_Metrics(t *testing.T) {
	rec := httptest.NewRecorder()
	OpsMux(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestPolicy(t *testing.T) {
	p := Policy(testConfig())
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 10*time.Second, p.MaxDelay)
	assert.InDelta(t, 0.2, p.JitterFraction, 0.0001)
}

func TestOpenCache_Badger(t *testing.T) {
	ctx := context.Background()
	store, closer, err := OpenCache(ctx, testConfig(), slog.Default())
	require.NoError(t, err)
	defer closer.Close()

	ok, err := store.SetIfAbsent(ctx, "k", []byte("v"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, isBadger := store.(*cache.Badger)
	assert.True(t, isBadger)
}

func TestGateways_WithoutOCR(t *testing.T) {
	extraction, ocr, err := Gateways(testConfig(), slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, extraction)
	assert.Nil(t, ocr)
}

func TestGateways_MissingModel(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Model = ""
	_, _, err := Gateways(cfg, slog.Default())
	assert.Error(t, err)
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, 0, OpsMux(nil), slog.Default())
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
