package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"vitalmesh/internal/alert"
	"vitalmesh/internal/eventstore"
	"vitalmesh/internal/ingest"
	"vitalmesh/internal/notify"
	"vitalmesh/internal/readmodel"
	"vitalmesh/internal/scoring"
	"vitalmesh/internal/vitals"
)

var baseTime = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func newIngestAPI(t *testing.T) *IngestAPI {
	t.Helper()
	store, err := ingest.OpenStore(filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return &IngestAPI{Engine: &ingest.Engine{Store: store, Clock: &fakeClock{now: baseTime}}}
}

func sensorReading(node string, value float64) vitals.SensorReading {
	return vitals.SensorReading{
		PatientID:  "P1",
		SensorType: vitals.SensorHeartRate,
		Value:      value,
		Unit:       "bpm",
		ObservedAt: baseTime,
		NodeID:     node,
	}
}

func TestIngestAPI_Sensor(t *testing.T) {
	api := newIngestAPI(t)
	router := api.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/data/sensor", sensorReading("node-1", 72))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Consensus vitals.SensorConsensus `json:"consensus"`
	}
	decode(t, rec, &resp)
	if resp.Consensus.Method != vitals.MethodSingle || resp.Consensus.ConsensusValue != 72 {
		t.Errorf("consensus = %+v, want single 72", resp.Consensus)
	}

	// Missing nodeId.
	bad := sensorReading("", 72)
	rec = doJSON(t, router, http.MethodPost, "/api/data/sensor", bad)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing nodeId", rec.Code)
	}
}

func TestIngestAPI_BatchPartialSuccess(t *testing.T) {
	api := newIngestAPI(t)
	router := api.Router()

	bad := sensorReading("node-2", 74)
	bad.SensorType = "bloodGlucose"
	body := map[string]any{"readings": []vitals.SensorReading{sensorReading("node-1", 72), bad}}

	rec := doJSON(t, router, http.MethodPost, "/api/data/batch", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 for partial success: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []vitals.SensorConsensus `json:"results"`
		Errors  []batchItemError         `json:"errors"`
	}
	decode(t, rec, &resp)
	if len(resp.Results) != 1 || len(resp.Errors) != 1 {
		t.Errorf("results=%d errors=%d, want 1 and 1", len(resp.Results), len(resp.Errors))
	}
	if len(resp.Errors) == 1 && resp.Errors[0].Index != 1 {
		t.Errorf("error index = %d, want 1", resp.Errors[0].Index)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/data/batch", map[string]any{"readings": []any{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for empty batch", rec.Code)
	}
}

func TestIngestAPI_PatientData(t *testing.T) {
	api := newIngestAPI(t)
	router := api.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/data/patient/P1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before any data", rec.Code)
	}

	if rec := doJSON(t, router, http.MethodPost, "/api/data/sensor", sensorReading("node-1", 72)); rec.Code != http.StatusCreated {
		t.Fatalf("seed reading: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/data/patient/P1?sensorType=heartRate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data []vitals.SensorConsensus `json:"data"`
	}
	decode(t, rec, &resp)
	if len(resp.Data) != 1 {
		t.Errorf("data = %d records, want 1", len(resp.Data))
	}

	rec = doJSON(t, router, http.MethodGet, "/api/data/patient/P1?sensorType=bloodGlucose", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown sensorType", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/data/patient/P1?from=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for malformed from", rec.Code)
	}
}

func newScoringAPI(t *testing.T) *ScoringAPI {
	t.Helper()
	dir := t.TempDir()
	events, err := eventstore.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { events.Close() })
	models, err := readmodel.Open(filepath.Join(dir, "readmodel.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { models.Close() })
	engine := scoring.NewEngine(events, nil, readmodel.NewProjector(models), &fakeClock{now: baseTime})
	return &ScoringAPI{Engine: engine, ReadModels: models}
}

func calculateBody(node string) map[string]any {
	return map[string]any{
		"patientId": "P1",
		"nodeId":    node,
		"vitalSigns": map[string]any{
			"respiratoryRate":  24,
			"oxygenSaturation": 93,
			"temperature":      38.5,
			"systolicBP":       100,
			"heartRate":        115,
			"consciousness":    "Alert",
		},
		"timestamp": baseTime.Format(time.RFC3339),
	}
}

func TestScoringAPI_CalculateAndQuery(t *testing.T) {
	api := newScoringAPI(t)
	router := api.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/query/patient/P1/latest", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before any score", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/command/calculate-ews", calculateBody("node-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var calcResp struct {
		EventID      string                    `json:"eventId"`
		TotalScore   int                       `json:"totalScore"`
		ClinicalRisk string                    `json:"clinicalRisk"`
		Consensus    eventstore.ScoreConsensus `json:"consensus"`
	}
	decode(t, rec, &calcResp)
	// RR 24 (+2), SpO2 93 (+2), temp 38.5 (+1), BP 100 (+2), HR 115 (+2).
	if calcResp.TotalScore != 9 || calcResp.ClinicalRisk != "High" {
		t.Errorf("got total=%d risk=%q, want 9 High", calcResp.TotalScore, calcResp.ClinicalRisk)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/query/patient/P1/latest", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after calculation", rec.Code)
	}
	var model readmodel.PatientReadModel
	decode(t, rec, &model)
	if model.CurrentScore != 9 {
		t.Errorf("CurrentScore = %d, want 9", model.CurrentScore)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/query/consensus/"+calcResp.Consensus.ConsensusID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("consensus lookup status = %d, want 200", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/query/consensus/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing consensus status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/query/events?patientId=P1&eventType=EWS_CALCULATED", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events status = %d, want 200", rec.Code)
	}
	var eventsResp struct {
		Events []eventstore.ScoreEvent `json:"events"`
	}
	decode(t, rec, &eventsResp)
	if len(eventsResp.Events) != 1 {
		t.Errorf("events = %d, want 1", len(eventsResp.Events))
	}

	rec = doJSON(t, router, http.MethodGet, "/api/query/stats/overview", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", rec.Code)
	}
	var stats struct {
		Patients         int `json:"patients"`
		Events           int `json:"events"`
		ConsensusRecords int `json:"consensusRecords"`
	}
	decode(t, rec, &stats)
	if stats.Patients != 1 || stats.Events != 1 || stats.ConsensusRecords != 1 {
		t.Errorf("stats = %+v, want 1/1/1", stats)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/query/high-risk-patients?minScore=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("high-risk status = %d, want 200", rec.Code)
	}
	var highRisk struct {
		Patients []readmodel.PatientReadModel `json:"patients"`
	}
	decode(t, rec, &highRisk)
	if len(highRisk.Patients) != 1 || highRisk.Patients[0].PatientID != "P1" {
		t.Errorf("high risk = %v, want P1", highRisk.Patients)
	}
}

func TestScoringAPI_CalculateValidation(t *testing.T) {
	api := newScoringAPI(t)
	router := api.Router()

	body := calculateBody("node-1")
	delete(body["vitalSigns"].(map[string]any), "heartRate")
	rec := doJSON(t, router, http.MethodPost, "/api/command/calculate-ews", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing vital", rec.Code)
	}

	body = calculateBody("node-1")
	body["vitalSigns"].(map[string]any)["consciousness"] = "Sleepy"
	rec = doJSON(t, router, http.MethodPost, "/api/command/calculate-ews", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for invalid consciousness", rec.Code)
	}
}

func TestScoringAPI_BatchCalculate(t *testing.T) {
	api := newScoringAPI(t)
	router := api.Router()

	bad := calculateBody("node-2")
	delete(bad["vitalSigns"].(map[string]any), "temperature")
	body := map[string]any{"calculations": []any{calculateBody("node-1"), bad}}

	rec := doJSON(t, router, http.MethodPost, "/api/command/batch-calculate-ews", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []calculateResult `json:"results"`
		Errors  []batchItemError  `json:"errors"`
	}
	decode(t, rec, &resp)
	if len(resp.Results) != 1 || len(resp.Errors) != 1 {
		t.Errorf("results=%d errors=%d, want 1 and 1", len(resp.Results), len(resp.Errors))
	}
}

func TestScoringAPI_History(t *testing.T) {
	api := newScoringAPI(t)
	router := api.Router()

	for i := 0; i < 3; i++ {
		body := calculateBody("node-1")
		body["timestamp"] = baseTime.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		if rec := doJSON(t, router, http.MethodPost, "/api/command/calculate-ews", body); rec.Code != http.StatusCreated {
			t.Fatalf("seed calculation %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, router, http.MethodGet, "/api/query/patient/P1/history?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		History []readmodel.HistoryEntry `json:"history"`
	}
	decode(t, rec, &resp)
	if len(resp.History) != 2 {
		t.Fatalf("history = %d entries, want 2", len(resp.History))
	}
	if !resp.History[0].Timestamp.After(resp.History[1].Timestamp) {
		t.Error("expected newest-first ordering")
	}
}

func newAlertsAPI(t *testing.T) *AlertsAPI {
	t.Helper()
	dir := t.TempDir()
	store, err := alert.OpenStore(filepath.Join(dir, "alerts.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	notifications, err := notify.OpenStore(filepath.Join(dir, "notifications.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { notifications.Close() })

	clock := &fakeClock{now: baseTime}
	dispatcher := notify.NewDispatcher(notifications,
		map[alert.Channel]notify.Sender{alert.ChannelLog: notify.LogSender{}}, clock)
	svc := alert.NewService(store, nil, dispatcher, clock)
	return &AlertsAPI{Service: svc, Notifications: notifications, Dispatcher: dispatcher}
}

func TestAlertsAPI_CreateAndLifecycle(t *testing.T) {
	api := newAlertsAPI(t)
	router := api.Router()

	observed := baseTime.Add(-2 * time.Minute)
	rec := doJSON(t, router, http.MethodPost, "/api/alerts", map[string]any{
		"patientId":     "P1",
		"sourceService": "sensor-gateway",
		"alertType":     "SENSOR_CRITICAL",
		"alertSeverity": "HIGH",
		"message":       "heart rate sensor offline",
		"timestamp":     observed.Format(time.RFC3339),
		"sensorData":    map[string]any{"sensorType": "heartRate", "value": 190},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var created alert.Alert
	decode(t, rec, &created)
	if created.Priority != 98 || created.Status != alert.StatusNew {
		t.Errorf("alert = %+v, want priority 98 NEW", created)
	}
	if created.SourceService != "sensor-gateway" || !created.ObservedAt.Equal(observed) {
		t.Errorf("alert = %+v, want sourceService and timestamp preserved", created)
	}
	if len(created.SensorData) == 0 {
		t.Error("sensorData payload not carried on the alert")
	}

	rec = doJSON(t, router, http.MethodPost, "/api/alerts", map[string]any{
		"patientId":     "P1",
		"alertType":     "SENSOR_CRITICAL",
		"alertSeverity": "HIGH",
		"message":       "x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing sourceService", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/alerts", map[string]any{
		"patientId":     "P1",
		"sourceService": "sensor-gateway",
		"alertType":     "SENSOR_CRITICAL",
		"alertSeverity": "SEVERE",
		"message":       "x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for invalid severity", rec.Code)
	}

	path := fmt.Sprintf("/api/alerts/%s/acknowledge", created.AlertID)
	rec = doJSON(t, router, http.MethodPut, path, map[string]any{"userId": "nurse-7"})
	if rec.Code != http.StatusOK {
		t.Fatalf("acknowledge status = %d: %s", rec.Code, rec.Body.String())
	}

	path = fmt.Sprintf("/api/alerts/%s/resolve", created.AlertID)
	rec = doJSON(t, router, http.MethodPut, path, map[string]any{"userId": "nurse-7"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d: %s", rec.Code, rec.Body.String())
	}

	// Resolved is terminal: escalating it is a bad request.
	path = fmt.Sprintf("/api/alerts/%s/escalate", created.AlertID)
	rec = doJSON(t, router, http.MethodPut, path, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("escalate status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPut, "/api/alerts/missing/acknowledge", map[string]any{"userId": "x"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown alert", rec.Code)
	}
}

func TestAlertsAPI_ListFilters(t *testing.T) {
	api := newAlertsAPI(t)
	router := api.Router()

	for i, sev := range []string{"HIGH", "LOW"} {
		rec := doJSON(t, router, http.MethodPost, "/api/alerts", map[string]any{
			"patientId":     fmt.Sprintf("P%d", i+1),
			"sourceService": "sensor-gateway",
			"alertType":     "SENSOR_WARNING",
			"alertSeverity": sev,
			"message":       "m",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("seed alert: %d %s", rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, router, http.MethodGet, "/api/alerts?severity=HIGH", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Alerts []alert.Alert `json:"alerts"`
	}
	decode(t, rec, &resp)
	if len(resp.Alerts) != 1 || resp.Alerts[0].PatientID != "P1" {
		t.Errorf("alerts = %v, want just P1's high-severity alert", resp.Alerts)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/alerts?from="+baseTime.Add(time.Hour).Format(time.RFC3339), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &resp)
	if len(resp.Alerts) != 0 {
		t.Errorf("alerts = %v, want none created after the from bound", resp.Alerts)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/alerts?offset=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &resp)
	if len(resp.Alerts) != 1 {
		t.Errorf("alerts = %d, want 1 after skipping the newest", len(resp.Alerts))
	}

	rec = doJSON(t, router, http.MethodGet, "/api/alerts?offset=-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for negative offset", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/alerts?from=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for malformed from", rec.Code)
	}
}

func TestAlertsAPI_Subscriptions(t *testing.T) {
	api := newAlertsAPI(t)
	router := api.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/subscriptions", map[string]any{
		"subscriberType": "STAFF",
		"subscriberId":   "icu-charge",
		"minSeverity":    "MEDIUM",
		"channels": []map[string]any{
			{"kind": "LOG", "enabled": true},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var sub alert.Subscription
	decode(t, rec, &sub)
	if sub.SubscriptionID == "" || !sub.Active {
		t.Errorf("subscription = %+v, want active with id", sub)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/subscriptions", map[string]any{
		"subscriberType": "STAFF",
		"subscriberId":   "bad",
		"minSeverity":    "LOW",
		"channels": []map[string]any{
			{"kind": "CARRIER_PIGEON", "enabled": true},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unknown channel", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/subscriptions", map[string]any{
		"subscriberType": "STAFF",
		"subscriberId":   "no-channels",
		"minSeverity":    "LOW",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing channels", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPut, "/api/subscriptions/"+sub.SubscriptionID, map[string]any{
		"subscriberType": "STAFF",
		"subscriberId":   "icu-charge",
		"minSeverity":    "HIGH",
		"channels": []map[string]any{
			{"kind": "LOG", "enabled": true},
		},
		"active": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/subscriptions", nil)
	var listResp struct {
		Subscriptions []alert.Subscription `json:"subscriptions"`
	}
	decode(t, rec, &listResp)
	if len(listResp.Subscriptions) != 1 || listResp.Subscriptions[0].MinSeverity != alert.SeverityHigh {
		t.Errorf("subscriptions = %v, want one with minSeverity HIGH", listResp.Subscriptions)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/subscriptions/"+sub.SubscriptionID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	rec = doJSON(t, router, http.MethodDelete, "/api/subscriptions/"+sub.SubscriptionID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestAlertsAPI_NotificationsForAlert(t *testing.T) {
	api := newAlertsAPI(t)
	router := api.Router()

	// Subscribe first so the alert fans out.
	rec := doJSON(t, router, http.MethodPost, "/api/subscriptions", map[string]any{
		"subscriberType": "STAFF",
		"subscriberId":   "audit",
		"minSeverity":    "LOW",
		"channels": []map[string]any{
			{"kind": "LOG", "enabled": true},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed subscription: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/alerts", map[string]any{
		"patientId":     "P1",
		"sourceService": "sensor-gateway",
		"alertType":     "SENSOR_CRITICAL",
		"alertSeverity": "HIGH",
		"message":       "sensor offline",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed alert: %d %s", rec.Code, rec.Body.String())
	}
	var created alert.Alert
	decode(t, rec, &created)

	rec = doJSON(t, router, http.MethodGet, "/api/alerts/"+created.AlertID+"/notifications", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Notifications []notify.Notification `json:"notifications"`
	}
	decode(t, rec, &resp)
	if len(resp.Notifications) != 1 || resp.Notifications[0].Status != notify.StatusDelivered {
		t.Fatalf("notifications = %v, want one delivered log notification", resp.Notifications)
	}
	deliveredID := resp.Notifications[0].NotificationID

	rec = doJSON(t, router, http.MethodGet, "/api/notifications?alertId="+created.AlertID+"&status=DELIVERED", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &resp)
	if len(resp.Notifications) != 1 {
		t.Errorf("filtered notifications = %d, want 1", len(resp.Notifications))
	}
	rec = doJSON(t, router, http.MethodGet, "/api/notifications?status=FAILED", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &resp)
	if len(resp.Notifications) != 0 {
		t.Errorf("failed notifications = %d, want 0", len(resp.Notifications))
	}

	// Delivered notifications cannot be resent.
	rec = doJSON(t, router, http.MethodPost, "/api/notifications/"+deliveredID+"/resend", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("resend status = %d, want 400", rec.Code)
	}
}
