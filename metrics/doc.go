// Package metrics holds the agent's Prometheus collectors and the server that exposes them.
package metrics
