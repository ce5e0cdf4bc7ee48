package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clocktown/townsync/internal/hub"
	"github.com/clocktown/townsync/internal/town"
	"github.com/clocktown/townsync/internal/ws"
)

func SetupRoutes(log *zap.Logger, s *town.Service, h *hub.Hub) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(log, s, h))

	r.Route("/games", func(r chi.Router) {
		r.Post("/", CreateGame(s))
		r.Route("/{gameID}", func(r chi.Router) {
			r.Delete("/", DeleteGame(s))
			r.Post("/timer", StartTimer(s))
			r.Delete("/timer", CancelTimer(s))
			r.Get("/timer", GetTimer(s))
			r.Post("/time", SetTime(s))
		})
	})

	r.Route("/guilds/{guildID}", func(r chi.Router) {
		r.Put("/layout", SetLayout(s))
		r.Post("/voice-events", VoiceEvent(s))
		r.Get("/occupancy", GetOccupancy(s))
		r.Delete("/", DeleteGuild(s))
	})

	return r
}
