package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"vitalmesh/internal/fault"
	"vitalmesh/internal/ingest"
	"vitalmesh/internal/ntp"
	"vitalmesh/internal/vitals"
)

// IngestAPI serves the sensor-data surface of the ingestion service.
type IngestAPI struct {
	Engine *ingest.Engine
	NTP    *ntp.Checker
}

// Router builds the ingestion service's route table.
func (a *IngestAPI) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/data/sensor", a.handleSensor).Methods(http.MethodPost)
	r.HandleFunc("/api/data/batch", a.handleBatch).Methods(http.MethodPost)
	r.HandleFunc("/api/data/patient/{patientId}", a.handlePatientData).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	return r
}

func (a *IngestAPI) handleSensor(w http.ResponseWriter, r *http.Request) {
	var reading vitals.SensorReading
	if err := decodeBody(r, &reading); err != nil {
		writeError(w, err)
		return
	}
	cons, err := a.Engine.Ingest(r.Context(), reading)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"reading":   reading,
		"consensus": cons,
	})
}

type batchReadingsRequest struct {
	Readings []vitals.SensorReading `json:"readings"`
}

type batchItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

func (a *IngestAPI) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchReadingsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Readings) == 0 {
		writeError(w, fault.Invalid("readings must be a non-empty array"))
		return
	}

	// Each reading runs the full pipeline independently; one bad element
	// never aborts the rest.
	results := make([]vitals.SensorConsensus, 0, len(req.Readings))
	errors := make([]batchItemError, 0)
	for i, reading := range req.Readings {
		cons, err := a.Engine.Ingest(r.Context(), reading)
		if err != nil {
			errors = append(errors, batchItemError{Index: i, Error: err.Error()})
			continue
		}
		results = append(results, cons)
	}

	status := http.StatusCreated
	if len(results) == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{
		"results": results,
		"errors":  errors,
	})
}

func (a *IngestAPI) handlePatientData(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["patientId"]
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, err)
		return
	}
	sensorType := vitals.SensorType(r.URL.Query().Get("sensorType"))
	if sensorType != "" && !sensorType.Valid() {
		writeError(w, fault.Invalid("unknown sensorType %q", sensorType))
		return
	}

	records, err := a.Engine.Store.QueryConsensus(r.Context(), patientID, sensorType, from, to)
	if err != nil {
		writeError(w, fault.Storage("query sensor consensus", err))
		return
	}
	if len(records) == 0 {
		writeError(w, fault.NotFound("no sensor data for patient %s", patientID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": records})
}

func (a *IngestAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.NTP != nil {
		body["clock"] = a.NTP.Status()
	}
	writeJSON(w, http.StatusOK, body)
}
