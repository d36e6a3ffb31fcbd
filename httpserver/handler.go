package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ruteri/device-agent/channel"
	"github.com/ruteri/device-agent/common"
	"github.com/ruteri/device-agent/interfaces"
	"github.com/ruteri/device-agent/supervisor"
)

// PhaseSource reports the supervisor's progress.
type PhaseSource interface {
	Phase() supervisor.Phase
	LastError() error
}

// ChannelSource reports the command channel's connection state.
type ChannelSource interface {
	State() channel.State
}

// UpdateSource reports the firmware update engine's state.
type UpdateSource interface {
	State() interfaces.OtaState
	CurrentJob() *interfaces.OtaJob
}

// PartitionSource reports the partition table.
type PartitionSource interface {
	Partitions() []interfaces.Partition
	BootTarget() string
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	DeviceID    string                 `json:"device_id"`
	Version     string                 `json:"version"`
	Phase       string                 `json:"phase"`
	LastError   string                 `json:"last_error,omitempty"`
	Provisioned bool                   `json:"provisioned"`
	Channel     string                 `json:"channel"`
	Ota         OtaStatus              `json:"ota"`
	BootTarget  string                 `json:"boot_target,omitempty"`
	Partitions  []interfaces.Partition `json:"partitions"`
}

type OtaStatus struct {
	State string             `json:"state"`
	Job   *interfaces.OtaJob `json:"job,omitempty"`
}

// Handler renders the agent's state. Every source is optional.
type Handler struct {
	deviceID   string
	phase      PhaseSource
	channel    ChannelSource
	updates    UpdateSource
	partitions PartitionSource
	store      interfaces.CredentialStore
	log        *slog.Logger
}

func NewHandler(deviceID string, phase PhaseSource, ch ChannelSource, updates UpdateSource, partitions PartitionSource, store interfaces.CredentialStore, log *slog.Logger) *Handler {
	return &Handler{
		deviceID:   deviceID,
		phase:      phase,
		channel:    ch,
		updates:    updates,
		partitions: partitions,
		store:      store,
		log:        log,
	}
}

// Ready reports whether the agent reached its running phase.
func (h *Handler) Ready() bool {
	return h.phase != nil && h.phase.Phase() == supervisor.PhaseRunning
}

// Status collects the current state.
func (h *Handler) Status(ctx context.Context) StatusResponse {
	resp := StatusResponse{
		DeviceID:   h.deviceID,
		Version:    common.Version,
		Phase:      "unknown",
		Channel:    channel.StateDisconnected.String(),
		Ota:        OtaStatus{State: interfaces.OtaIdle.String()},
		Partitions: []interfaces.Partition{},
	}
	if h.phase != nil {
		resp.Phase = string(h.phase.Phase())
		if err := h.phase.LastError(); err != nil {
			resp.LastError = err.Error()
		}
	}
	if h.store != nil {
		resp.Provisioned = h.store.ExistsAll(ctx, interfaces.CredentialKeys)
	}
	if h.channel != nil {
		resp.Channel = h.channel.State().String()
	}
	if h.updates != nil {
		resp.Ota = OtaStatus{State: h.updates.State().String(), Job: h.updates.CurrentJob()}
	}
	if h.partitions != nil {
		resp.Partitions = h.partitions.Partitions()
		resp.BootTarget = h.partitions.BootTarget()
	}
	return resp
}

// HandleStatus serves GET /status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.Status(r.Context()))
}

// HandlePartitions serves GET /partitions.
func (h *Handler) HandlePartitions(w http.ResponseWriter, r *http.Request) {
	if h.partitions == nil {
		http.Error(w, "partition table not available", http.StatusNotFound)
		return
	}
	h.writeJSON(w, h.partitions.Partitions())
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
}
