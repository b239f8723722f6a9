// Command providers runs lightweight HTTP mock servers that simulate the
// upstream LLM provider APIs the gateway can front. It is used for E2E/load
// testing of credential rotation without real credentials.
//
// Each provider listens on its own port:
//
//	OpenAI     :19001
//	Anthropic  :19002
//	Gemini     :19003
//
// Point the gateway at a mock with UPSTREAM_BASE_URL, e.g.:
//
//	UPSTREAM_PROVIDER=openai UPSTREAM_BASE_URL=http://localhost:19001/v1 ./gateway
//
// Environment overrides (PORT_<PROVIDER>):
//
//	PORT_OPENAI, PORT_ANTHROPIC, PORT_GEMINI
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS     — artificial latency added to every response (default 0)
//	MOCK_FAIL_RATE      — fraction [0,1] of requests that fail (default 0)
//	MOCK_FAIL_STATUS    — HTTP status injected failures return (default 500;
//	                      set 429 to exercise rotation, 401 to exercise token
//	                      refresh, 403 to exercise bans)
//	MOCK_TRUNCATE_RATE  — fraction [0,1] of completions cut short with a
//	                      length finish reason (default 0; exercises the
//	                      gateway's automatic continuation)
//	MOCK_STREAM_WORDS   — words in each generated response (default 10)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across all mock servers.
type Config struct {
	LatencyMS    int
	FailRate     float64
	FailStatus   int
	TruncateRate float64
	StreamWords  int
}

func loadConfig() Config {
	c := Config{StreamWords: 10, FailStatus: http.StatusInternalServerError}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_FAIL_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.FailRate = f
		}
	}
	if v := os.Getenv("MOCK_FAIL_STATUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 400 && n < 600 {
			c.FailStatus = n
		}
	}
	if v := os.Getenv("MOCK_TRUNCATE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.TruncateRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock provider listening", slog.String("provider", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock providers",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("fail_rate", cfg.FailRate),
		slog.Int("fail_status", cfg.FailStatus),
		slog.Float64("truncate_rate", cfg.TruncateRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	servers := []*http.Server{
		startServer("openai", ":"+portFromEnv("PORT_OPENAI", 19001), newOpenAIHandler(cfg), log),
		startServer("anthropic", ":"+portFromEnv("PORT_ANTHROPIC", 19002), newAnthropicHandler(cfg), log),
		startServer("gemini", ":"+portFromEnv("PORT_GEMINI", 19003), newGeminiHandler(cfg), log),
	}

	// Print readiness
	fmt.Println("READY")

	// Wait for signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock providers")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock providers stopped")
}
