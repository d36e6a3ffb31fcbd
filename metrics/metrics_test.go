package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, srv *MetricsServer) string {
	t.Helper()
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsServer(t *testing.T) {
	srv, err := New("github.com/ruteri/device-agent", "127.0.0.1:0")
	require.NoError(t, err)

	// Registering twice is fine.
	_, err = New("github.com/ruteri/device-agent", "127.0.0.1:0")
	require.NoError(t, err)

	RecordProvisionAttempt("success")
	RecordOtaAttempt("committed", 2*time.Second, 4096)
	RecordCommand("ota", true)
	RecordReconnect()
	RecordReassemblyOverflow()
	RecordPublish("/topic/ping", true)
	SetPhase("running", []string{"provisioning", "running"})
	SetChannelState("connected", []string{"connecting", "connected"})
	SetChannelState("connecting", []string{"connecting", "connected"})

	body := scrape(t, srv)
	assert.Contains(t, body, `device_agent_build_info{package="github.com/ruteri/device-agent"} 1`)
	assert.Contains(t, body, `device_agent_provisioning_attempts_total{outcome="success"}`)
	assert.Contains(t, body, `device_agent_ota_bytes_written_total`)
	assert.Contains(t, body, `device_agent_channel_commands_total{accepted="true",command="ota"}`)
	assert.Contains(t, body, `device_agent_channel_reconnects_total`)
	assert.Contains(t, body, `device_agent_channel_reassembly_overflows_total`)
	assert.Contains(t, body, `device_agent_supervisor_phase{phase="running"} 1`)
	assert.Contains(t, body, `device_agent_supervisor_phase{phase="provisioning"} 0`)
	assert.Contains(t, body, `device_agent_channel_state{state="connecting"} 1`)
	assert.Contains(t, body, `device_agent_channel_state{state="connected"} 0`)
}
