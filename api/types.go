// Package api holds the request and response types of the diffusion server
// and a client for them.
package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ollama/diffusion/schedule"
)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		return fmt.Sprintf("%d %s", e.StatusCode, strings.ToLower(http.StatusText(e.StatusCode)))
	}
}

// SampleRequest asks the server to generate images. Unset fields take the
// sampler defaults.
type SampleRequest struct {
	// BatchSize is the number of images, default 1.
	BatchSize int `json:"batch_size,omitempty"`

	// ClassLabel selects the class to generate. Nil or -1 is unconditional.
	ClassLabel *int `json:"class_label,omitempty"`

	GuidanceScale float64 `json:"guidance_scale,omitempty"`

	// DDIMScale defaults to 1, full DDPM.
	DDIMScale *float64 `json:"ddim_scale,omitempty"`

	// StepSize strides through the schedule and must divide T, default 1.
	StepSize int `json:"step_size,omitempty"`

	// Seed fixes the initial noise. Zero picks one from the clock.
	Seed uint64 `json:"seed,omitempty"`
}

// SampleResponse carries base64 encoded PNG images.
type SampleResponse struct {
	Images        []string      `json:"images"`
	Steps         int           `json:"steps"`
	Seed          uint64        `json:"seed"`
	TotalDuration time.Duration `json:"total_duration"`
}

// ScheduleResponse is the coefficient table of the loaded model's schedule
// at a stride.
type ScheduleResponse struct {
	Family string                  `json:"family"`
	T      int                     `json:"timesteps"`
	Step   int                     `json:"step"`
	Rows   []schedule.Coefficients `json:"rows"`
}

type VersionResponse struct {
	Version string `json:"version"`
}

// ModelResponse describes the loaded checkpoint.
type ModelResponse struct {
	Path         string `json:"path"`
	Epoch        int    `json:"epoch"`
	RunID        string `json:"run_id,omitempty"`
	Channels     int    `json:"channels"`
	Height       int    `json:"height"`
	Width        int    `json:"width"`
	Classes      int    `json:"classes"`
	Capabilities string `json:"capabilities"`
	Parameters   int    `json:"parameters"`
}
