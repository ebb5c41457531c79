// Package api hosts the HTTP server, middleware, and handlers. Routes:
//   - POST /render turns a URL into an image.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
