package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/judgedispatch/internal/middleware"
	"github.com/noah-isme/judgedispatch/internal/service"
)

const (
	eventsWriteWait    = 10 * time.Second
	eventsPingInterval = 30 * time.Second
)

// EventsHandler streams judging events to jury clients over a websocket.
type EventsHandler struct {
	events service.EventPublisher
	logger zerolog.Logger
}

// NewEventsHandler constructs the handler.
func NewEventsHandler(events service.EventPublisher, logger zerolog.Logger) *EventsHandler {
	return &EventsHandler{
		events: events,
		logger: logger.With().Str("component", "events_handler").Logger(),
	}
}

// Register binds the websocket upgrade under the provided router group.
func (h *EventsHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("correlation_id", middleware.GetCorrelationID(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/ws", websocket.New(h.handleConnection))
}

func (h *EventsHandler) handleConnection(conn *websocket.Conn) {
	logger := h.logger.With().
		Interface("user_id", conn.Locals("user_id")).
		Interface("correlation_id", conn.Locals("correlation_id")).
		Logger()

	events, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()

	logger.Info().Msg("event stream connected")
	defer logger.Info().Msg("event stream disconnected")

	for {
		select {
		case <-closed:
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				logger.Warn().Err(err).Msg("failed to write event")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
