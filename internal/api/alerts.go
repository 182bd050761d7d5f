package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"vitalmesh/internal/alert"
	"vitalmesh/internal/fault"
	"vitalmesh/internal/notify"
)

// AlertsAPI serves the alert lifecycle, subscription management, and
// notification surfaces of the alert service.
type AlertsAPI struct {
	Service       *alert.Service
	Notifications *notify.Store
	Dispatcher    *notify.Dispatcher
}

// Router builds the alert service's route table.
func (a *AlertsAPI) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/alerts", a.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/alerts", a.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/alerts/{alertId}", a.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/api/alerts/{alertId}/acknowledge", a.handleAcknowledge).Methods(http.MethodPut)
	r.HandleFunc("/api/alerts/{alertId}/resolve", a.handleResolve).Methods(http.MethodPut)
	r.HandleFunc("/api/alerts/{alertId}/escalate", a.handleEscalate).Methods(http.MethodPut)
	r.HandleFunc("/api/alerts/{alertId}/notifications", a.handleAlertNotifications).Methods(http.MethodGet)
	r.HandleFunc("/api/subscriptions", a.handleCreateSubscription).Methods(http.MethodPost)
	r.HandleFunc("/api/subscriptions", a.handleListSubscriptions).Methods(http.MethodGet)
	r.HandleFunc("/api/subscriptions/{subscriptionId}", a.handleUpdateSubscription).Methods(http.MethodPut)
	r.HandleFunc("/api/subscriptions/{subscriptionId}", a.handleDeleteSubscription).Methods(http.MethodDelete)
	r.HandleFunc("/api/notifications", a.handleListNotifications).Methods(http.MethodGet)
	r.HandleFunc("/api/notifications/{notificationId}/resend", a.handleResend).Methods(http.MethodPost)
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	return r
}

type createAlertRequest struct {
	PatientID     string          `json:"patientId"`
	SourceService string          `json:"sourceService"`
	AlertType     alert.Type      `json:"alertType"`
	AlertSeverity alert.Severity  `json:"alertSeverity"`
	Message       string          `json:"message"`
	Timestamp     time.Time       `json:"timestamp"`
	SensorData    json.RawMessage `json:"sensorData,omitempty"`
	EWSData       json.RawMessage `json:"ewsData,omitempty"`
}

func (a *AlertsAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createAlertRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := a.Service.Create(r.Context(), alert.CreateCommand{
		PatientID:     req.PatientID,
		SourceService: req.SourceService,
		Type:          req.AlertType,
		Severity:      req.AlertSeverity,
		Message:       req.Message,
		ObservedAt:    req.Timestamp,
		SensorData:    req.SensorData,
		EWSData:       req.EWSData,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *AlertsAPI) handleList(w http.ResponseWriter, r *http.Request) {
	filter := alert.Filter{
		PatientID: r.URL.Query().Get("patientId"),
		Status:    alert.Status(r.URL.Query().Get("status")),
		Severity:  alert.Severity(r.URL.Query().Get("severity")),
	}
	var err error
	if filter.From, err = parseTimeParam(r, "from"); err != nil {
		writeError(w, err)
		return
	}
	if filter.To, err = parseTimeParam(r, "to"); err != nil {
		writeError(w, err)
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, fault.Invalid("limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, fault.Invalid("offset must be a non-negative integer"))
			return
		}
		filter.Offset = offset
	}
	alerts, err := a.Service.Store.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, fault.Storage("query alerts", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *AlertsAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["alertId"]
	got, ok, err := a.Service.Store.GetAlert(r.Context(), alertID)
	if err != nil {
		writeError(w, fault.Storage("load alert", err))
		return
	}
	if !ok {
		writeError(w, fault.NotFound("alert %s not found", alertID))
		return
	}
	writeJSON(w, http.StatusOK, got)
}

type lifecycleRequest struct {
	UserID string `json:"userId"`
}

func (a *AlertsAPI) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, fault.Invalid("userId is required"))
		return
	}
	updated, err := a.Service.Acknowledge(r.Context(), mux.Vars(r)["alertId"], req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *AlertsAPI) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, fault.Invalid("userId is required"))
		return
	}
	updated, err := a.Service.Resolve(r.Context(), mux.Vars(r)["alertId"], req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *AlertsAPI) handleEscalate(w http.ResponseWriter, r *http.Request) {
	updated, err := a.Service.Escalate(r.Context(), mux.Vars(r)["alertId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *AlertsAPI) handleAlertNotifications(w http.ResponseWriter, r *http.Request) {
	if a.Notifications == nil {
		writeError(w, fault.NotFound("notifications are not enabled"))
		return
	}
	notifications, err := a.Notifications.ListByAlert(r.Context(), mux.Vars(r)["alertId"])
	if err != nil {
		writeError(w, fault.Storage("list notifications", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

func (a *AlertsAPI) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var sub alert.Subscription
	if err := decodeBody(r, &sub); err != nil {
		writeError(w, err)
		return
	}
	if err := sub.Validate(); err != nil {
		writeError(w, err)
		return
	}
	sub.SubscriptionID = uuid.NewString()
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()
	if err := a.Service.Store.UpsertSubscription(r.Context(), sub); err != nil {
		writeError(w, fault.Storage("create subscription", err))
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (a *AlertsAPI) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := a.Service.Store.ListSubscriptions(r.Context(), false)
	if err != nil {
		writeError(w, fault.Storage("list subscriptions", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (a *AlertsAPI) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["subscriptionId"]
	existing, ok, err := a.Service.Store.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, fault.Storage("load subscription", err))
		return
	}
	if !ok {
		writeError(w, fault.NotFound("subscription %s not found", id))
		return
	}

	var sub alert.Subscription
	if err := decodeBody(r, &sub); err != nil {
		writeError(w, err)
		return
	}
	sub.SubscriptionID = id
	sub.CreatedAt = existing.CreatedAt
	if err := sub.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := a.Service.Store.UpsertSubscription(r.Context(), sub); err != nil {
		writeError(w, fault.Storage("update subscription", err))
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *AlertsAPI) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["subscriptionId"]
	deleted, err := a.Service.Store.DeleteSubscription(r.Context(), id)
	if err != nil {
		writeError(w, fault.Storage("delete subscription", err))
		return
	}
	if !deleted {
		writeError(w, fault.NotFound("subscription %s not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *AlertsAPI) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	if a.Notifications == nil {
		writeError(w, fault.NotFound("notifications are not enabled"))
		return
	}
	filter := notify.Filter{
		AlertID: r.URL.Query().Get("alertId"),
		Status:  notify.Status(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, fault.Invalid("limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, fault.Invalid("offset must be a non-negative integer"))
			return
		}
		filter.Offset = offset
	}
	notifications, err := a.Notifications.List(r.Context(), filter)
	if err != nil {
		writeError(w, fault.Storage("list notifications", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

func (a *AlertsAPI) handleResend(w http.ResponseWriter, r *http.Request) {
	if a.Dispatcher == nil {
		writeError(w, fault.NotFound("notifications are not enabled"))
		return
	}
	n, err := a.Dispatcher.Resend(r.Context(), mux.Vars(r)["notificationId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (a *AlertsAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
