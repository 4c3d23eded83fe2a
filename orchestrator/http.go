package orchestrator

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/izavyalov-dev/idcache/identifier"
	"github.com/izavyalov-dev/idcache/internal/observability"
)

// MaxHTTPQuantity bounds a single reservation over HTTP.
const MaxHTTPQuantity = 10000

// NewHTTPHandler wires the operational endpoints and metrics.
func NewHTTPHandler(service *Service, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = observability.NewLogger("orchestrator.http")
	}

	r := mux.NewRouter()
	r.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1/identifiers").Subrouter()
	api.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := service.Status()
		writeJSON(w, http.StatusOK, StatusResponse{
			Running:              status.Running,
			Version:              status.Version,
			ReservationAvailable: service.IsReservationAvailable(),
			Streams:              len(service.Snapshot()),
		})
	}).Methods(http.MethodGet)

	api.HandleFunc("/caches", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, service.Snapshot())
	}).Methods(http.MethodGet)

	api.HandleFunc("/reserve", func(w http.ResponseWriter, r *http.Request) {
		var req ReserveRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Quantity > MaxHTTPQuantity {
			writeError(w, http.StatusBadRequest, "quantity exceeds maximum per request")
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = service.ids.RequestID()
		}
		ctx := identifier.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)

		ids, err := service.ReserveIDs(ctx, req.Namespace, req.PartitionID, req.Quantity)
		if err != nil {
			status, message := httpError(err)
			if status >= http.StatusInternalServerError {
				observability.WithRequest(logger, requestID).Error("reserve failed", "event", "reserve_request_failed",
					"kind", identifier.KindOf(err).String(), "error", err)
			}
			writeError(w, status, message)
			return
		}
		writeJSON(w, http.StatusOK, ReserveResponse{RequestID: requestID, Identifiers: ids})
	}).Methods(http.MethodPost)

	return r
}

// httpError maps an error kind to a status code and a message safe to show
// callers. Remote diagnostics stay in the logs.
func httpError(err error) (int, string) {
	switch identifier.KindOf(err) {
	case identifier.KindInvalidRequest:
		return http.StatusBadRequest, err.Error()
	case identifier.KindUnavailable, identifier.KindBackoff:
		return http.StatusServiceUnavailable, "identifier allocation unavailable"
	case identifier.KindTimeout:
		return http.StatusGatewayTimeout, "identifier allocation failed"
	case identifier.KindCanceled:
		return http.StatusRequestTimeout, "request canceled"
	default:
		return http.StatusBadGateway, "identifier allocation failed"
	}
}

func decodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
