package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/colla/internal/apierr"
	collaclient "github.com/rzbill/colla/internal/client"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// tokenFromEnv returns the access token from COLLA_TOKEN.
func tokenFromEnv() string { return os.Getenv("COLLA_TOKEN") }

// rpcURL maps the HTTP base URL to the websocket RPC endpoint.
func rpcURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimRight(base, "/") + "/v1/rpc"
}

// dial opens a websocket transport to the node behind baseURL.
func dial(ctx context.Context, baseURL BaseURLFunc) (*collaclient.WS, error) {
	return collaclient.Dial(ctx, rpcURL(baseURL()), collaclient.WSOptions{Logger: cliLogger()})
}

// cliLogger logs client internals only when COLLA_LOG_LEVEL asks for it.
func cliLogger() logpkg.Logger {
	lvl := logpkg.WarnLevel
	if l, err := logpkg.ParseLevel(os.Getenv("COLLA_LOG_LEVEL")); err == nil && os.Getenv("COLLA_LOG_LEVEL") != "" {
		lvl = l
	}
	return logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithOutput(logpkg.NewConsoleOutput()))
}

// doJSON sends an HTTP request with an optional JSON body and decodes a JSON
// response into out. Error bodies become coded errors.
func doJSON(ctx context.Context, method, url, token string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		var e struct {
			Code  apierr.Code `json:"code"`
			Error string      `json:"error"`
		}
		b, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(b, &e) == nil && e.Code != "" {
			return apierr.New(e.Code, "%s", e.Error)
		}
		return fmt.Errorf("http error: %s", resp.Status)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// parseValue reads a flag as JSON, falling back to a plain string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// poll waits until cond holds or ctx ends.
func poll(ctx context.Context, cond func() bool) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
