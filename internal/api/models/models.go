package models

import (
	"github.com/smazurov/framerelay/internal/ffmpeg"
	"github.com/smazurov/framerelay/internal/pipeline"
	"github.com/smazurov/framerelay/internal/relay"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Pipeline models
type PipelineResponse struct {
	Body pipeline.Status
}

type DestinationsData struct {
	Destinations []relay.Stats `json:"destinations" doc:"Preview destinations with send counters"`
	Count        int           `json:"count" example:"2" doc:"Number of destinations"`
}

type DestinationsResponse struct {
	Body DestinationsData
}

// Options models for encoder configuration
type OptionsData struct {
	Options []ffmpeg.Option `json:"options" doc:"All available encoder options with metadata"`
	Active  []string        `json:"active" doc:"Option keys used by the current run"`
}

type OptionsResponse struct {
	Body OptionsData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2024-12-15 14:30" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go compiler version"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}
