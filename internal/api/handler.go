package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsdeck/pulse/internal/db"
	"github.com/opsdeck/pulse/internal/metrics"
	"github.com/opsdeck/pulse/internal/redis"
)

// NotificationStore defines the notification log operations the handlers
// need. Every operation is scoped to the calling user.
type NotificationStore interface {
	List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error)
	MarkAsRead(ctx context.Context, userID, notificationID uuid.UUID) error
	MarkAllAsRead(ctx context.Context, userID uuid.UUID) error
	ClearAll(ctx context.Context, userID uuid.UUID) error
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
}

// SubscriptionDirectory defines the push subscription operations.
type SubscriptionDirectory interface {
	Upsert(ctx context.Context, sub *db.PushSubscription) (bool, error)
	Delete(ctx context.Context, userID uuid.UUID, endpoint string) error
}

// Notifier creates and dispatches a notification to a recipient.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, notifType, title, message string, relatedID *uuid.UUID, metadata json.RawMessage) (*db.Notification, bool, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger         *zap.Logger
	store          NotificationStore
	subs           SubscriptionDirectory
	notifier       Notifier
	unread         *redis.UnreadCache // nil if Redis not configured
	vapidPublicKey string             // empty if web push not configured
}

// NewHandler creates a new API handler. unread may be nil.
func NewHandler(logger *zap.Logger, store NotificationStore, subs SubscriptionDirectory, notifier Notifier, unread *redis.UnreadCache, vapidPublicKey string) *Handler {
	return &Handler{
		logger:         logger,
		store:          store,
		subs:           subs,
		notifier:       notifier,
		unread:         unread,
		vapidPublicKey: vapidPublicKey,
	}
}

// ListNotifications handles GET /v1/notifications?limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := CurrentUser(r)
	if !ok {
		writeUnauthorized(w, "")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.store.List(ctx, userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "Failed to list notifications", "")
		return
	}

	if notifications == nil {
		notifications = []*db.Notification{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// UnreadCount handles GET /v1/notifications/unread-count
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := CurrentUser(r)
	if !ok {
		writeUnauthorized(w, "")
		return
	}

	if h.unread != nil {
		count, hit, err := h.unread.Get(ctx, userID)
		if err != nil {
			h.logger.Warn("unread cache lookup failed", zap.Error(err))
		} else {
			metrics.RecordUnreadCacheLookup(hit)
			if hit {
				h.writeCount(w, count)
				return
			}
		}
	}

	count, err := h.store.UnreadCount(ctx, userID)
	if err != nil {
		h.logger.Error("failed to count unread notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "Failed to count notifications", "")
		return
	}

	if h.unread != nil {
		if err := h.unread.Set(ctx, userID, count); err != nil {
			h.logger.Warn("failed to cache unread count", zap.Error(err))
		}
	}

	h.writeCount(w, count)
}

func (h *Handler) writeCount(w http.ResponseWriter, count int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"count": count})
}

// MarkRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := CurrentUser(r)
	if !ok {
		writeUnauthorized(w, "")
		return
	}

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	if err := h.store.MarkAsRead(ctx, userID, notifID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to mark notification as read",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "Failed to update notification", "")
		return
	}

	h.invalidateUnread(ctx, userID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":   idStr,
		"read": true,
	})
}

// MarkAllRead handles POST /v1/notifications/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := CurrentUser(r)
	if !ok {
		writeUnauthorized(w, "")
		return
	}

	if err := h.store.MarkAllAsRead(ctx, userID); err != nil {
		h.logger.Error("failed to mark all notifications as read",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "Failed to update notifications", "")
		return
	}

	h.invalidateUnread(ctx, userID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ClearAll handles DELETE /v1/notifications
func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := CurrentUser(r)
	if !ok {
		writeUnauthorized(w, "")
		return
	}

	if err := h.store.ClearAll(ctx, userID); err != nil {
		h.logger.Error("failed to clear notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "Failed to clear notifications", "")
		return
	}

	h.invalidateUnread(ctx, userID)

	w.WriteHeader(http.StatusNoContent)
}

// NotifyRequest is the producer-facing request body. The target user is the
// notification's recipient; this is the one path where actor and target may
// differ (e.g. assigning a task notifies the assignee).
type NotifyRequest struct {
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	RelatedID string          `json:"related_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// CreateNotification handles POST /v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := CurrentUser(r); !ok {
		writeUnauthorized(w, "")
		return
	}

	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.UserID == "" || req.Type == "" || req.Title == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id, type, and title are required")
		return
	}

	recipient, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	var relatedID *uuid.UUID
	if req.RelatedID != "" {
		id, err := uuid.Parse(req.RelatedID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid related_id", "related_id must be a valid UUID")
			return
		}
		relatedID = &id
	}

	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid metadata", "metadata must be valid JSON")
		return
	}

	notif, delivered, err := h.notifier.Notify(ctx, recipient, req.Type, req.Title, req.Message, relatedID, req.Metadata)
	if err != nil {
		h.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("user_id", req.UserID),
			zap.String("type", req.Type),
		)
		h.writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "Failed to create notification", "")
		return
	}

	if notif == nil {
		// Suppressed by the recipient's preferences.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "suppressed"})
		return
	}

	h.invalidateUnread(ctx, recipient)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":        notif.ID.String(),
		"delivered": delivered,
	})
}

// SubscribeRequest mirrors the browser PushSubscription JSON.
type SubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Subscribe handles POST /v1/push/subscriptions
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := CurrentUser(r)
	if !ok {
		writeUnauthorized(w, "")
		return
	}

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "endpoint, keys.p256dh, and keys.auth are required")
		return
	}

	sub := &db.PushSubscription{
		ID:       uuid.New(),
		UserID:   userID,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if req.UserAgent != "" {
		sub.UserAgent = &req.UserAgent
	}

	created, err := h.subs.Upsert(ctx, sub)
	if err != nil {
		h.logger.Error("failed to store push subscription",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "Failed to store subscription", "")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      sub.ID.String(),
		"created": created,
	})
}

// UnsubscribeRequest carries the endpoint to remove.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe handles DELETE /v1/push/subscriptions. Removing an endpoint
// that was never subscribed is still success.
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := CurrentUser(r)
	if !ok {
		writeUnauthorized(w, "")
		return
	}

	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Endpoint == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing endpoint", "endpoint is required")
		return
	}

	if err := h.subs.Delete(ctx, userID, req.Endpoint); err != nil {
		h.logger.Error("failed to delete push subscription",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "Failed to delete subscription", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// VAPIDPublicKey handles GET /v1/push/vapid-public-key, used by the client
// to call pushManager.subscribe.
func (h *Handler) VAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		h.writeError(w, http.StatusNotFound, "not_found", "Web push not configured", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"key": h.vapidPublicKey})
}

func (h *Handler) invalidateUnread(ctx context.Context, userID uuid.UUID) {
	if h.unread == nil {
		return
	}
	if err := h.unread.Invalidate(ctx, userID); err != nil {
		h.logger.Warn("failed to invalidate unread cache",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
