// Package main hosts the url2image service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes POST /render plus health, readiness, and metrics endpoints. The JSON
//     body is decoded into render.Params, with options as sibling keys of "url".
//   - Broker: internal/broker validates the request before touching the browser, then admits it (drain gate,
//     optional parallelism cap from render.max_parallel, optional per-host rate limit from render.host_rps).
//   - Browser: internal/browser.Manager owns one Chrome process started lazily through chromedp. Concurrent first
//     requests share a single launch. Every render runs in its own tab, and the tab is closed on every path.
//   - Configuration & plumbing: Viper populates config from env/files, zap provides structured logging, and
//     Prometheus metrics are exported via the metrics middleware and /metrics handler.
//   - Tracing: OpenTelemetry server spans wrap each request (incoming traceparent headers are honored) and the
//     broker adds a child span per render. Exporters are attached with server.WithTracerOptions.
//
// Operational notes:
//   - Shutdown: on SIGINT/SIGTERM the listener closes, in-flight HTTP requests finish, the broker drains the
//     renders still holding a tab, and only then is the browser process terminated. The process exits 0.
//     server.shutdown_timeout_seconds and server.drain_timeout_seconds bound those waits when set.
//   - Containers: the browser runs with the sandbox disabled so it can start as root. Point CHROME_BIN at the
//     Chromium binary when it is not on the default path.
//
// Quick checklist:
//   - Configure env vars: PORT or URL2IMAGE_SERVER_PORT, CHROME_BIN or URL2IMAGE_BROWSER_EXEC_PATH,
//     URL2IMAGE_RENDER_MAX_PARALLEL, URL2IMAGE_LOGGING_DEVELOPMENT.
//   - Run locally: go run ./cmd/url2image -config config.yaml (or rely solely on env overrides).
//   - Try it: curl -X POST localhost:3000/render -H 'Content-Type: application/json'
//     -d '{"url":"https://example.com","format":"jpeg","quality":60}' -o page.jpg
package main
