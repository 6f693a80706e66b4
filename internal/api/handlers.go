// Ember - Scheduled Motivational Email Engine
// Copyright 2026 Ember Mail Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/embermail/ember

// handlers.go - HTTP handlers for health probes and user management

package api

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/embermail/ember/internal/models"
	"github.com/embermail/ember/internal/store"
)

// UserStore is the persistence surface the handlers need.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, address string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, address string) error
	ListActiveUsers(ctx context.Context) ([]models.User, error)
	SetPaused(ctx context.Context, address string, paused bool) error
	SetSkipNext(ctx context.Context, address string, skip bool) error
	ListMessageHistory(ctx context.Context, address string, limit int) ([]models.MessageHistory, error)
	ListDeliveryAttempts(ctx context.Context, address string, limit int) ([]models.DeliveryAttempt, error)
	Ping(ctx context.Context) error
}

// Runner triggers one send invocation for a user.
type Runner interface {
	RunUser(ctx context.Context, address string)
}

// SchedulerControl is the scheduler surface the handlers need to keep the
// job registry consistent with user mutations.
type SchedulerControl interface {
	Schedule(user *models.User) (string, error)
	Cancel(address string)
	JobCount() int
	IsRunning() bool
}

// Handler holds the dependencies shared by all HTTP handlers.
type Handler struct {
	store     UserStore
	runner    Runner
	scheduler SchedulerControl
	logger    zerolog.Logger
}

// NewHandler creates the handler set. runner and scheduler may be nil when
// the corresponding subsystem is disabled.
func NewHandler(st UserStore, runner Runner, scheduler SchedulerControl, logger *zerolog.Logger) *Handler {
	return &Handler{
		store:     st,
		runner:    runner,
		scheduler: scheduler,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// addressParam extracts and unescapes the {address} URL parameter.
func addressParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "address")
	if raw == "" {
		return "", errors.New("address required")
	}
	addr, err := url.PathUnescape(raw)
	if err != nil {
		return "", err
	}
	if _, err := mail.ParseAddress(addr); err != nil {
		return "", err
	}
	return addr, nil
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HealthReady reports readiness: the database answers and, when a scheduler
// is configured, its loop is running.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "database not ready")
		return
	}
	if h.scheduler != nil && !h.scheduler.IsRunning() {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "scheduler not running")
		return
	}

	status := map[string]interface{}{"status": "ready"}
	if h.scheduler != nil {
		status["scheduled_jobs"] = h.scheduler.JobCount()
	}
	writeData(w, http.StatusOK, status)
}

// ListUsers returns all active users, paused included.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListActiveUsers(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list users")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    users,
		Meta:    &APIMeta{Timestamp: time.Now().UTC(), Count: len(users)},
	})
}

// CreateUser registers a new user and installs its schedule.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var user models.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if _, err := mail.ParseAddress(user.Address); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid email address")
		return
	}
	if err := user.Schedule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error())
		return
	}
	if len(user.Personalities) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, "at least one personality required")
		return
	}

	if err := h.store.CreateUser(r.Context(), &user); err != nil {
		h.logger.Error().Err(err).Str("address", user.Address).Msg("Failed to create user")
		writeError(w, http.StatusConflict, ErrCodeConflict, "user already exists or could not be created")
		return
	}

	// Paused users get a job too; their fires stop at the eligibility
	// check, so pause and resume never touch the registry.
	if h.scheduler != nil && user.Active {
		if _, err := h.scheduler.Schedule(&user); err != nil {
			h.logger.Warn().Err(err).Str("address", user.Address).Msg("User created but scheduling failed")
		}
	}

	writeData(w, http.StatusCreated, user)
}

// GetUser returns a single user by address.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid address")
		return
	}

	user, err := h.store.GetUser(r.Context(), addr)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "user not found")
			return
		}
		h.logger.Error().Err(err).Str("address", addr).Msg("Failed to get user")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to get user")
		return
	}
	writeData(w, http.StatusOK, user)
}

// UpdateUser replaces a user's profile and reinstalls its schedule.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid address")
		return
	}

	var user models.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	// The path is authoritative for identity.
	user.Address = addr
	if err := user.Schedule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.store.UpdateUser(r.Context(), &user); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "user not found")
			return
		}
		h.logger.Error().Err(err).Str("address", addr).Msg("Failed to update user")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to update user")
		return
	}

	if h.scheduler != nil {
		if user.Active {
			if _, err := h.scheduler.Schedule(&user); err != nil {
				h.logger.Warn().Err(err).Str("address", addr).Msg("User updated but rescheduling failed")
			}
		} else {
			h.scheduler.Cancel(addr)
		}
	}

	writeData(w, http.StatusOK, user)
}

// DeleteUser removes a user and cancels its scheduled job.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid address")
		return
	}

	if err := h.store.DeleteUser(r.Context(), addr); err != nil {
		h.logger.Error().Err(err).Str("address", addr).Msg("Failed to delete user")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to delete user")
		return
	}
	if h.scheduler != nil {
		h.scheduler.Cancel(addr)
	}
	writeData(w, http.StatusOK, map[string]string{"address": addr, "status": "deleted"})
}

// SendNow triggers an immediate send invocation for a user. The run happens
// asynchronously; eligibility rules (paused, skip flags, streaks) still
// apply exactly as they do for scheduled fires.
func (h *Handler) SendNow(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid address")
		return
	}
	if h.runner == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "delivery not configured")
		return
	}

	if _, err := h.store.GetUser(r.Context(), addr); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to get user")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		h.runner.RunUser(ctx, addr)
	}()

	writeData(w, http.StatusAccepted, map[string]string{"address": addr, "status": "queued"})
}

// PauseUser suspends scheduled sends for a user.
func (h *Handler) PauseUser(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, "paused", func(ctx context.Context, addr string) error {
		return h.store.SetPaused(ctx, addr, true)
	})
}

// ResumeUser re-enables scheduled sends for a user.
func (h *Handler) ResumeUser(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, "resumed", func(ctx context.Context, addr string) error {
		return h.store.SetPaused(ctx, addr, false)
	})
}

// SkipNext marks the user's next scheduled send to be skipped once.
func (h *Handler) SkipNext(w http.ResponseWriter, r *http.Request) {
	h.setFlag(w, r, "skip_next", func(ctx context.Context, addr string) error {
		return h.store.SetSkipNext(ctx, addr, true)
	})
}

func (h *Handler) setFlag(w http.ResponseWriter, r *http.Request, status string, apply func(context.Context, string) error) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid address")
		return
	}
	if err := apply(r.Context(), addr); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "user not found")
			return
		}
		h.logger.Error().Err(err).Str("address", addr).Msg("Failed to update user flag")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to update user")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"address": addr, "status": status})
}

// ListHistory returns a user's message history, newest first.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid address")
		return
	}
	items, err := h.store.ListMessageHistory(r.Context(), addr, limitParam(r))
	if err != nil {
		h.logger.Error().Err(err).Str("address", addr).Msg("Failed to list message history")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    items,
		Meta:    &APIMeta{Timestamp: time.Now().UTC(), Count: len(items)},
	})
}

// ListAttempts returns a user's delivery attempt log, newest first.
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid address")
		return
	}
	items, err := h.store.ListDeliveryAttempts(r.Context(), addr, limitParam(r))
	if err != nil {
		h.logger.Error().Err(err).Str("address", addr).Msg("Failed to list delivery attempts")
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list attempts")
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    items,
		Meta:    &APIMeta{Timestamp: time.Now().UTC(), Count: len(items)},
	})
}
