/*
Package httpserver serves the agent's local status API.

Endpoints:

  - GET /livez       process liveness
  - GET /readyz      200 once the command channel is up, 503 otherwise or while draining
  - GET /drain       mark the agent not ready
  - GET /undrain     clear a previous drain
  - GET /status      supervisor phase, channel state, update job and partitions as JSON
  - GET /partitions  the partition table as JSON
  - /debug/pprof/*   profiling, when enabled

Prometheus metrics are served by a separate listener (see package metrics).
*/
package httpserver
