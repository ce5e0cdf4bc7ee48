package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clocktown/townsync/internal/occupancy"
	"github.com/clocktown/townsync/internal/town"
	"github.com/clocktown/townsync/internal/types"
)

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, town.ErrGameNotFound), errors.Is(err, town.ErrGuildNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, town.ErrGameExists):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type createGameRequest struct {
	GameID      string `json:"game_id"`
	GuildID     string `json:"guild_id"`
	Storyteller string `json:"storyteller_id"`
}

func CreateGame(s *town.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createGameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.GuildID == "" {
			http.Error(w, "guild_id required", http.StatusBadRequest)
			return
		}
		if req.GameID == "" {
			code, err := GenerateCode()
			if err != nil {
				http.Error(w, "failed to generate code", http.StatusInternalServerError)
				return
			}
			req.GameID = code
		}

		game, err := s.CreateGame(types.GameID(req.GameID), types.GuildID(req.GuildID), types.UserID(req.Storyteller))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, game)
	}
}

func DeleteGame(s *town.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.RemoveGame(types.GameID(chi.URLParam(r, "gameID"))); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type startTimerRequest struct {
	DurationMs int64  `json:"duration_ms"`
	Label      string `json:"label,omitempty"`
}

func StartTimer(s *town.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startTimerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.DurationMs < 0 {
			http.Error(w, "duration_ms must be >= 0", http.StatusBadRequest)
			return
		}
		st, err := s.StartTimer(types.GameID(chi.URLParam(r, "gameID")), time.Duration(req.DurationMs)*time.Millisecond, req.Label)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func CancelTimer(s *town.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.CancelTimer(types.GameID(chi.URLParam(r, "gameID")))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func GetTimer(s *town.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.GetTimer(types.GameID(chi.URLParam(r, "gameID")))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func SetTime(s *town.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var gt types.GameTime
		if err := json.NewDecoder(r.Body).Decode(&gt); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if gt.Phase != types.PhaseDay && gt.Phase != types.PhaseNight {
			http.Error(w, "phase must be day or night", http.StatusBadRequest)
			return
		}
		if err := s.SetTime(types.GameID(chi.URLParam(r, "gameID")), gt); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, gt)
	}
}

func SetLayout(s *town.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var snap occupancy.Snapshot
		if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		s.SetLayout(types.GuildID(chi.URLParam(r, "guildID")), snap)
		w.WriteHeader(http.StatusNoContent)
	}
}

type voiceEventRequest struct {
	User      occupancy.TownUser `json:"user"`
	ChannelID *string            `json:"channel_id"` // null means left voice
}

func VoiceEvent(s *town.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req voiceEventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.User.ID == "" {
			http.Error(w, "user.id required", http.StatusBadRequest)
			return
		}
		var after *types.ChannelID
		if req.ChannelID != nil {
			c := types.ChannelID(*req.ChannelID)
			after = &c
		}
		s.HandleVoiceEvent(types.GuildID(chi.URLParam(r, "guildID")), req.User, after)
		w.WriteHeader(http.StatusAccepted)
	}
}

func GetOccupancy(s *town.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewer := r.URL.Query().Get("viewer")
		if viewer == "" {
			http.Error(w, "viewer required", http.StatusBadRequest)
			return
		}
		snap, err := s.Occupancy(types.GuildID(chi.URLParam(r, "guildID")), types.UserID(viewer))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func DeleteGuild(s *town.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.RemoveGuild(types.GuildID(chi.URLParam(r, "guildID")))
		w.WriteHeader(http.StatusNoContent)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
