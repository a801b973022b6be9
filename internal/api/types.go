// Package api holds the JSON payloads served by the publisher and printed by
// gpuctl.
package api

import (
	"github.com/skobkin/gpucontrold/internal/gpu"
	"github.com/skobkin/gpucontrold/internal/schema"
)

// GPU is a discovered device together with the backend that drives it.
type GPU struct {
	gpu.Info
	DeviceType schema.DeviceType `json:"device_type"`
}

// NewGPU constructs a GPU summary.
func NewGPU(info gpu.Info, deviceType schema.DeviceType) GPU {
	return GPU{Info: info, DeviceType: deviceType}
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	GPUId string `json:"gpu_id,omitempty"`
}

// ApplyResult reports the outcome of applying a GPU configuration.
type ApplyResult struct {
	GPUId string `json:"gpu_id"`
	// FailedKnob is set when a knob was rejected; earlier knobs stay applied.
	FailedKnob string `json:"failed_knob,omitempty"`
	Error      string `json:"error,omitempty"`
}
