package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"kampus/internal/models"

	"github.com/go-playground/validator/v10"
)

const maxBodySize = 16 << 10

type HistoryReader interface {
	History(chatID string, limit int) ([]models.Message, error)
}

type OnlineLister interface {
	OnlineUsers() []string
}

type SubscriptionWriter interface {
	AddPushSubscription(sub models.PushSubscription) error
}

type API struct {
	log      *slog.Logger
	history  HistoryReader
	online   OnlineLister
	subs     SubscriptionWriter
	validate *validator.Validate
}

// New builds the public handlers. A nil subs disables push subscription
// registration.
func New(log *slog.Logger, history HistoryReader, online OnlineLister, subs SubscriptionWriter) *API {
	return &API{
		log:      log,
		history:  history,
		online:   online,
		subs:     subs,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type MessagesResponse struct {
	ChatID   string           `json:"chatId"`
	Messages []models.Message `json:"messages"`
}

type OnlineResponse struct {
	Users []string `json:"users"`
}

// MessagesHandler serves GET /api/chats/{chatID}/messages?limit=N.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	if chatID == "" {
		http.Error(w, "Chat ID is required", http.StatusBadRequest)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := a.history.History(chatID, limit)
	if err != nil {
		a.log.Error("failed to load history", "chat_id", chatID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	a.writeJSON(w, http.StatusOK, MessagesResponse{ChatID: chatID, Messages: msgs})
}

// OnlineHandler serves GET /api/online.
func (a *API) OnlineHandler(w http.ResponseWriter, r *http.Request) {
	users := a.online.OnlineUsers()
	if users == nil {
		users = []string{}
	}
	a.writeJSON(w, http.StatusOK, OnlineResponse{Users: users})
}

// SubscribeHandler serves POST /api/push/subscriptions.
func (a *API) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	if a.subs == nil {
		http.Error(w, "Push notifications are disabled", http.StatusNotFound)
		return
	}

	var sub models.PushSubscription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&sub); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.validate.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			http.Error(w, "Invalid field: "+verrs[0].Field(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := a.subs.AddPushSubscription(sub); err != nil {
		a.log.Error("failed to save push subscription", "user_id", sub.UserID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("failed to encode response", "error", err)
	}
}
