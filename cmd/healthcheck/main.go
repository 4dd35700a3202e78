// Command healthcheck checks the relay's readiness endpoint and exits non-zero
// when it is not ready. It is the container HEALTHCHECK.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	os.Exit(run(targetURL()))
}

// targetURL honours HEALTHCHECK_URL, then derives the address from HTTP_ADDR.
func targetURL() string {
	if u := os.Getenv("HEALTHCHECK_URL"); u != "" {
		return u
	}
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/readyz"
}

func run(url string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.Error("bad healthcheck url", slog.String("url", url), slog.Any("err", err))
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Error("healthcheck request failed", slog.Any("err", err))
		return 1
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		slog.Error("not ready", slog.Int("status", resp.StatusCode))
		return 1
	}
	return 0
}
