package channel

import (
	"encoding/json"
	"runtime"
	"strconv"
	"time"
)

// Telemetry is the payload published on the telemetry topic.
type Telemetry struct {
	CreatedAt int64      `json:"created_at"`
	Device    DeviceInfo `json:"device"`
	Data      []Reading  `json:"data"`
}

type DeviceInfo struct {
	SerialNumber    string `json:"serial_number"`
	FirmwareVersion string `json:"firmware_version"`
}

// Reading is one measured value. Value is rendered as a string.
type Reading struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Unit      string `json:"unit"`
	Series    string `json:"series"`
	Timestamp int64  `json:"timestamp"`
}

// ReadingSource supplies the readings of one telemetry report.
type ReadingSource interface {
	Readings(now time.Time) []Reading
}

// AgentReadings reports the agent process' own health.
type AgentReadings struct {
	Started time.Time
}

func (a AgentReadings) Readings(now time.Time) []Reading {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	ts := now.Unix()
	return []Reading{
		{Name: "uptime", Value: strconv.FormatInt(int64(now.Sub(a.Started).Seconds()), 10), Unit: "s", Series: "u", Timestamp: ts},
		{Name: "heap", Value: strconv.FormatUint(mem.HeapAlloc, 10), Unit: "B", Series: "h", Timestamp: ts},
		{Name: "goroutines", Value: strconv.Itoa(runtime.NumGoroutine()), Unit: "", Series: "g", Timestamp: ts},
	}
}

func encodeTelemetry(device DeviceInfo, readings []Reading, now time.Time) ([]byte, error) {
	if readings == nil {
		readings = []Reading{}
	}
	return json.Marshal(Telemetry{
		CreatedAt: now.Unix(),
		Device:    device,
		Data:      readings,
	})
}

// eventMessage is the payload published for operational events.
type eventMessage struct {
	Time      int64             `json:"time"`
	Component string            `json:"component"`
	Kind      string            `json:"kind"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}
