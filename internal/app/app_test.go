package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/kotoba/internal/app"
	"github.com/MrWong99/kotoba/internal/config"
	"github.com/MrWong99/kotoba/internal/history"
	"github.com/MrWong99/kotoba/internal/observe"
	"github.com/MrWong99/kotoba/internal/usage"
	"github.com/MrWong99/kotoba/pkg/provider/llm"
	llmmock "github.com/MrWong99/kotoba/pkg/provider/llm/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// testConfig returns a minimal in-memory config with a local provider.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			Local: config.ProviderEntry{Name: "ollama", Model: "qwen2.5:7b"},
		},
		Processor: config.ProcessorConfig{DefaultTier: "local"},
	}
}

func testProviders() *app.Providers {
	return &app.Providers{
		Local: &llmmock.Provider{
			ModelName:        "qwen2.5:7b",
			CompleteResponse: &llm.CompletionResponse{Content: "いらっしゃいませ！切符売り場はあちらです。"},
		},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func writeProfile(t *testing.T, dir, id, name string) {
	t.Helper()
	body := "profile_id: " + id + "\nname: " + name + "\nrole: station attendant\n"
	if err := os.WriteFile(filepath.Join(dir, id+".yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNew_RequiresProvider(t *testing.T) {
	t.Parallel()

	for _, p := range []*app.Providers{nil, {}} {
		if _, err := app.New(context.Background(), testConfig(), p, app.WithMetrics(testMetrics(t))); err == nil {
			t.Error("New() with no backend provider: expected error")
		}
	}
}

func TestNew_MissingProfilesDir(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Profiles.Dir = filepath.Join(t.TempDir(), "missing")
	backend := history.NewMemoryBackend()

	if _, err := app.New(context.Background(), cfg, testProviders(),
		app.WithMetrics(testMetrics(t)), app.WithHistoryBackend(backend)); err == nil {
		t.Fatal("expected error for missing profiles dir")
	}
}

func TestApp_ChatEndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeProfile(t, dir, "yuki", "Yuki")
	cfg := testConfig()
	cfg.Profiles.Dir = dir

	a := newApp(t, cfg, testProviders())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	body := `{"message":"切符はどこで買えますか？","npc_id":"yuki","player_id":"p1","conversation_id":"c1"}`
	resp, err := http.Post(srv.URL+"/api/v1/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got struct {
		ResponseText   string `json:"response_text"`
		ProcessingTier string `json:"processing_tier"`
		IsFallback     bool   `json:"is_fallback"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.IsFallback || got.ProcessingTier != "local" || !strings.Contains(got.ResponseText, "切符") {
		t.Errorf("unexpected response %+v", got)
	}

	if err := a.Framework().Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	hr, err := http.Get(srv.URL + "/api/v1/conversations/p1/c1")
	if err != nil {
		t.Fatal(err)
	}
	defer hr.Body.Close()
	if hr.StatusCode != http.StatusOK {
		t.Errorf("history status = %d, want 200", hr.StatusCode)
	}

	npcs, err := http.Get(srv.URL + "/api/v1/npcs")
	if err != nil {
		t.Fatal(err)
	}
	defer npcs.Body.Close()
	if npcs.StatusCode != http.StatusOK {
		t.Errorf("npcs status = %d, want 200", npcs.StatusCode)
	}
}

func TestApp_HostedUsesTracker(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Providers.Hosted = config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini", APIKey: "sk-test"}
	cfg.Usage.HourlyRequestLimit = 5
	store := usage.NewMemoryStore()
	providers := testProviders()
	providers.Hosted = &llmmock.Provider{
		ModelName: "gpt-4o-mini",
		CompleteResponse: &llm.CompletionResponse{
			Content: "はい、三番線から出発します。",
			Usage:   llm.Usage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52},
		},
	}

	a := newApp(t, cfg, providers, app.WithUsageStore(store))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	body := `{"message":"電車は何番線ですか？","npc_id":"yuki","player_id":"p1","tier":"hosted"}`
	resp, err := http.Post(srv.URL+"/api/v1/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	u, err := http.Get(srv.URL + "/api/v1/usage")
	if err != nil {
		t.Fatal(err)
	}
	defer u.Body.Close()
	var summary usage.Summary
	if err := json.NewDecoder(u.Body).Decode(&summary); err != nil {
		t.Fatal(err)
	}
	if summary.HourRequests != 1 {
		t.Errorf("HourRequests = %d, want 1", summary.HourRequests)
	}
	if summary.Limits.HourlyRequests != 5 {
		t.Errorf("HourlyRequests limit = %d, want 5", summary.Limits.HourlyRequests)
	}
}

func TestApp_Readiness(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), testProviders())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d, want 200", resp.StatusCode)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeProfile(t, dir, "yuki", "Yuki")
	cfg := testConfig()
	cfg.Profiles.Dir = dir

	var lv slog.LevelVar
	a := newApp(t, cfg, testProviders(), app.WithLogLevel(&lv))

	writeProfile(t, dir, "kenji", "Kenji")
	next := *cfg
	next.Server.LogLevel = config.LogDebug
	next.Usage.DailyTokenLimit = 1000
	next.Profiles.DefaultPersona = "You are a ticket inspector."

	a.ApplyConfig(cfg, &next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/v1/npcs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var npcs struct {
		NPCs []json.RawMessage `json:"npcs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&npcs); err != nil {
		t.Fatal(err)
	}
	if len(npcs.NPCs) != 2 {
		t.Errorf("npcs after reload = %d, want 2", len(npcs.NPCs))
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), testProviders(), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() = %v", err)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), testProviders())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
