package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/mintscope/service/config"
	"github.com/brojonat/mintscope/service/db"
	"github.com/brojonat/mintscope/service/metadata"
	"github.com/brojonat/mintscope/service/temporal"
)

const (
	maxRequestBodySize = 1 << 16 // watch requests are tiny
	maxAddressLength   = 64      // Solana addresses are at most 44 chars
	maxRefreshInterval = 24 * time.Hour
	defaultListLimit   = 100
	maxListLimit       = 1000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// handleGetActivity returns a handler that runs a full activity query.
// GET /api/v1/tokens/{mint}/activity
//
// The response is always the query result; a failed query is reported
// with "failed": true and HTTP 200.
func handleGetActivity(query ActivityQuerier, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mint := r.PathValue("mint")
		if err := validateAddress(mint); err != nil {
			logger.Debug("invalid mint", "mint", mint, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		result := query.QueryToken(r.Context(), mint)
		if result.Failed {
			logger.WarnContext(r.Context(), "activity query failed", "mint", mint)
		}
		writeJSON(w, result, http.StatusOK)
	})
}

// handleGetMetadata returns a handler that resolves token metadata.
// GET /api/v1/tokens/{mint}/metadata
func handleGetMetadata(resolver MetadataResolver, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mint := r.PathValue("mint")
		if err := validateAddress(mint); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		md, err := resolver.Resolve(r.Context(), mint)
		if err != nil {
			if errors.Is(err, metadata.ErrNoMetadata) {
				writeError(w, "metadata not found", http.StatusNotFound)
				return
			}
			logger.ErrorContext(r.Context(), "failed to resolve metadata", "mint", mint, "error", err)
			writeError(w, "failed to resolve metadata", http.StatusBadGateway)
			return
		}
		writeJSON(w, md, http.StatusOK)
	})
}

// handleListStoredEvents returns a handler that lists stored events of a mint.
// GET /api/v1/tokens/{mint}/events?limit={n}
func handleListStoredEvents(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mint := r.PathValue("mint")
		if err := validateAddress(mint); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit, err := parseLimit(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		events, err := store.ListEvents(r.Context(), mint, limit)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list events", "mint", mint, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"mint":   mint,
			"events": nonNil(events),
		}, http.StatusOK)
	})
}

// handleListClassificationFailures returns a handler that lists recorded
// classification failures.
// GET /api/v1/classification-failures?mint={mint}&reason={reason}&limit={n}
func handleListClassificationFailures(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mint := q.Get("mint")
		if mint != "" {
			if err := validateAddress(mint); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		limit, err := parseLimit(q.Get("limit"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		failures, err := store.ListClassificationFailures(r.Context(), db.ListClassificationFailuresParams{
			Mint:   mint,
			Reason: q.Get("reason"),
			Limit:  limit,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list classification failures", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"failures": nonNil(failures),
		}, http.StatusOK)
	})
}

// handleWatch returns a handler that watches a mint and schedules its refresh.
// POST /api/v1/watches/{mint}
// Body (optional): {"refresh_interval": "15m"}
func handleWatch(store Store, scheduler temporal.Scheduler, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mint := r.PathValue("mint")
		if err := validateAddress(mint); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			RefreshInterval string `json:"refresh_interval"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		interval := cfg.DefaultRefreshInterval
		if req.RefreshInterval != "" {
			parsed, err := time.ParseDuration(req.RefreshInterval)
			if err != nil {
				writeError(w, "invalid refresh_interval: must be a duration like 15m", http.StatusBadRequest)
				return
			}
			interval = parsed
		}
		if err := validateRefreshInterval(interval, cfg.MinRefreshInterval); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		watch, err := store.UpsertWatch(r.Context(), mint, interval)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to save watch", "mint", mint, "error", err)
			writeError(w, "failed to save watch", http.StatusInternalServerError)
			return
		}

		if err := scheduler.UpsertWatchSchedule(r.Context(), mint, interval); err != nil {
			logger.ErrorContext(r.Context(), "failed to schedule watch", "mint", mint, "error", err)
			if delErr := store.DeleteWatch(r.Context(), mint); delErr != nil {
				logger.ErrorContext(r.Context(), "failed to roll back watch", "mint", mint, "error", delErr)
			}
			writeError(w, "failed to schedule watch", http.StatusInternalServerError)
			return
		}

		if err := scheduler.TriggerWatchSchedule(r.Context(), mint); err != nil {
			logger.WarnContext(r.Context(), "failed to trigger initial refresh", "mint", mint, "error", err)
		}

		logger.InfoContext(r.Context(), "mint watched", "mint", mint, "refresh_interval", interval)
		writeJSON(w, watchToResponse(watch), http.StatusCreated)
	})
}

// handleUnwatch returns a handler that stops watching a mint.
// DELETE /api/v1/watches/{mint}
func handleUnwatch(store Store, scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mint := r.PathValue("mint")
		if err := validateAddress(mint); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if _, err := store.GetWatch(r.Context(), mint); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "watch not found", http.StatusNotFound)
				return
			}
			logger.ErrorContext(r.Context(), "failed to get watch", "mint", mint, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		// A missing schedule must not keep the watch row alive.
		if err := scheduler.DeleteWatchSchedule(r.Context(), mint); err != nil {
			logger.WarnContext(r.Context(), "failed to delete watch schedule", "mint", mint, "error", err)
		}

		if err := store.DeleteWatch(r.Context(), mint); err != nil && !errors.Is(err, db.ErrNotFound) {
			logger.ErrorContext(r.Context(), "failed to delete watch", "mint", mint, "error", err)
			writeError(w, "failed to delete watch", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "mint unwatched", "mint", mint)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleGetWatch returns a handler that retrieves a single watch.
// GET /api/v1/watches/{mint}
func handleGetWatch(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mint := r.PathValue("mint")
		if err := validateAddress(mint); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		watch, err := store.GetWatch(r.Context(), mint)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "watch not found", http.StatusNotFound)
				return
			}
			logger.ErrorContext(r.Context(), "failed to get watch", "mint", mint, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, watchToResponse(watch), http.StatusOK)
	})
}

// handleListWatches returns a handler that lists all watches.
// GET /api/v1/watches
func handleListWatches(store Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		watches, err := store.ListWatches(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list watches", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]watchResponse, len(watches))
		for i, watch := range watches {
			resp[i] = watchToResponse(watch)
		}
		writeJSON(w, map[string]interface{}{
			"watches": resp,
		}, http.StatusOK)
	})
}

// watchResponse is the API representation of a watch.
type watchResponse struct {
	Mint            string     `json:"mint"`
	RefreshInterval string     `json:"refresh_interval"`
	CreatedAt       time.Time  `json:"created_at"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	LastEventCount  int        `json:"last_event_count"`
}

func watchToResponse(w *db.Watch) watchResponse {
	return watchResponse{
		Mint:            w.Mint,
		RefreshInterval: w.RefreshInterval.String(),
		CreatedAt:       w.CreatedAt,
		LastRefreshedAt: w.LastRefreshedAt,
		LastEventCount:  w.LastEventCount,
	}
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress validates a mint address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// validateRefreshInterval validates a refresh interval for reasonable bounds.
func validateRefreshInterval(interval, minInterval time.Duration) error {
	if interval <= 0 {
		return errorf("refresh_interval must be positive")
	}
	if interval < minInterval {
		return errorf("refresh_interval must be at least %v", minInterval)
	}
	if interval > maxRefreshInterval {
		return errorf("refresh_interval cannot exceed %v", maxRefreshInterval)
	}
	return nil
}

func parseLimit(raw string) (int32, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errorf("invalid limit: must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return int32(n), nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
