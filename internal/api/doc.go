// Package api hosts the operational HTTP surface. Routes:
//   - GET /healthz and /readyz for probes; readyz pings the store.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/monitor dispatches every user with a credential.
//   - POST /v1/monitor/{user_id} dispatches a single user.
package api
