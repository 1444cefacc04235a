package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/framerelay/internal/events"
)

const eventBuffer = 64

// registerSSERoutes streams pipeline lifecycle events.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time stream of state changes, delivered and vanished frames, encoder exit and relay errors",
		Tags:        []string{"events"},
	}, map[string]any{
		"state-changed":   events.StateChangedEvent{},
		"frame-delivered": events.FrameDeliveredEvent{},
		"frame-vanished":  events.FrameVanishedEvent{},
		"encoder-exited":  events.EncoderExitedEvent{},
		"relay-error":     events.RelayErrorEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, eventBuffer)

		// The dispatcher must never block on a slow client.
		forward := func(e any) {
			select {
			case eventCh <- e:
			default:
			}
		}
		unsubscribers := []func(){
			s.eventBus.Subscribe(func(e events.StateChangedEvent) { forward(e) }),
			s.eventBus.Subscribe(func(e events.FrameDeliveredEvent) { forward(e) }),
			s.eventBus.Subscribe(func(e events.FrameVanishedEvent) { forward(e) }),
			s.eventBus.Subscribe(func(e events.EncoderExitedEvent) { forward(e) }),
			s.eventBus.Subscribe(func(e events.RelayErrorEvent) { forward(e) }),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Start every stream with the current state so clients need no
		// separate status request.
		current := events.StateChangedEvent{Timestamp: time.Now()}
		if s.status != nil {
			st := s.status.Status()
			current.To = st.State
			current.Error = st.Error
		}
		if err := send.Data(current); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
