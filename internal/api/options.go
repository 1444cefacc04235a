package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/framerelay/internal/api/models"
	"github.com/smazurov/framerelay/internal/ffmpeg"
)

// registerOptionsRoutes exposes the encoder option catalog.
func (s *Server) registerOptionsRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-encoder-options",
		Method:      http.MethodGet,
		Path:        "/api/options",
		Summary:     "Get Encoder Options",
		Description: "All encoder behavior flags with descriptions, categories and exclusive groups, plus the ones the current run uses",
		Tags:        []string{"configuration"},
	}, func(_ context.Context, _ *struct{}) (*models.OptionsResponse, error) {
		active := []string{}
		if s.status != nil {
			active = s.status.Status().EncoderOptions
		}
		return &models.OptionsResponse{
			Body: models.OptionsData{
				Options: ffmpeg.AllOptions,
				Active:  active,
			},
		}, nil
	})
}
