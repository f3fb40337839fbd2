package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/nlgrowth/traffic-engine/internal/domain"
	"github.com/nlgrowth/traffic-engine/internal/service/fleet"
)

// AccountReader is the account surface the admin API consumes.
type AccountReader interface {
	Get(ctx context.Context, id string) (*domain.Account, error)
	CountByStatus(ctx context.Context) (map[domain.AccountStatus]int, error)
}

// ActionReader is the action-log surface the admin API consumes.
type ActionReader interface {
	ListRecent(ctx context.Context, accountID string, limit int) ([]domain.ActionRecord, error)
	ErrorDigest(ctx context.Context, since time.Time, limit, offset int) ([]fleet.ErrorGroup, error)
	CountByOutcome(ctx context.Context, since time.Time) (map[domain.ActionOutcome]int, error)
}

// ProxyReader is the proxy surface the admin API consumes.
type ProxyReader interface {
	CountInCooldown(ctx context.Context, now time.Time) (int, error)
}

// Handlers holds the read-only admin endpoints.
type Handlers struct {
	accounts AccountReader
	actions  ActionReader
	proxies  ProxyReader

	db        *sql.DB
	redis     *redis.Client
	startTime time.Time
}

// NewHandlers creates the admin handler set. db and redis may be nil; the
// health endpoint reports them as not configured.
func NewHandlers(accounts AccountReader, actions ActionReader, proxies ProxyReader, db *sql.DB, rdb *redis.Client) *Handlers {
	return &Handlers{
		accounts:  accounts,
		actions:   actions,
		proxies:   proxies,
		db:        db,
		redis:     rdb,
		startTime: time.Now(),
	}
}

// FleetOverview returns fleet-wide counters: accounts by status, today's
// action outcomes, proxies in cooldown.
//
//	GET /api/fleet/overview
func (h *Handlers) FleetOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	statuses, err := h.accounts.CountByStatus(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "count accounts: "+err.Error())
		return
	}
	outcomes, err := h.actions.CountByOutcome(ctx, midnight)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "count outcomes: "+err.Error())
		return
	}
	cooling, err := h.proxies.CountInCooldown(ctx, now)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "count proxies: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"accounts_by_status":  statuses,
		"actions_today":       outcomes,
		"proxies_in_cooldown": cooling,
		"generated_at":        now,
	})
}

// AccountDetail returns one account with its most recent action records.
//
//	GET /api/accounts/{id}
func (h *Handlers) AccountDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	acct, err := h.accounts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	recent, err := h.actions.ListRecent(ctx, id, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list actions: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"account":        acct,
		"recent_actions": recent,
	})
}

// ErrorDigest returns error outcomes grouped by kind over the requested
// window, newest groups first.
//
//	GET /api/errors/digest?hours=24&page=1&limit=20
func (h *Handlers) ErrorDigest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	if hours < 1 {
		hours = 24
	}
	params := ParsePagination(r, 20, 100)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	groups, err := h.actions.ErrorDigest(ctx, since, params.Limit, params.Offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "error digest: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, NewPageResponse(groups, params, len(groups)))
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
