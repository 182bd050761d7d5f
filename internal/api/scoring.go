package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"vitalmesh/internal/eventstore"
	"vitalmesh/internal/fault"
	"vitalmesh/internal/readmodel"
	"vitalmesh/internal/scoring"
)

const (
	defaultHistoryLimit = 20
	defaultHighRiskMin  = 5
)

// ScoringAPI serves the command and query surfaces of the scoring service.
type ScoringAPI struct {
	Engine     *scoring.Engine
	ReadModels *readmodel.Store
}

// Router builds the scoring service's route table.
func (a *ScoringAPI) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/command/calculate-ews", a.handleCalculate).Methods(http.MethodPost)
	r.HandleFunc("/api/command/batch-calculate-ews", a.handleBatchCalculate).Methods(http.MethodPost)
	r.HandleFunc("/api/query/patient/{patientId}/latest", a.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/api/query/patient/{patientId}/history", a.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/query/consensus/{consensusId}", a.handleConsensus).Methods(http.MethodGet)
	r.HandleFunc("/api/query/events", a.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/query/stats/overview", a.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/query/high-risk-patients", a.handleHighRisk).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	return r
}

func (a *ScoringAPI) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var cmd scoring.CalculateCommand
	if err := decodeBody(r, &cmd); err != nil {
		writeError(w, err)
		return
	}
	event, sc, err := a.Engine.Calculate(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"eventId":      event.EventID,
		"totalScore":   event.TotalScore,
		"clinicalRisk": event.ClinicalRisk,
		"consensus":    sc,
	})
}

type batchCalculateRequest struct {
	Calculations []scoring.CalculateCommand `json:"calculations"`
}

type calculateResult struct {
	Index        int    `json:"index"`
	EventID      string `json:"eventId"`
	TotalScore   int    `json:"totalScore"`
	ClinicalRisk string `json:"clinicalRisk"`
}

func (a *ScoringAPI) handleBatchCalculate(w http.ResponseWriter, r *http.Request) {
	var req batchCalculateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Calculations) == 0 {
		writeError(w, fault.Invalid("calculations must be a non-empty array"))
		return
	}

	results := make([]calculateResult, 0, len(req.Calculations))
	errors := make([]batchItemError, 0)
	for i, cmd := range req.Calculations {
		event, _, err := a.Engine.Calculate(r.Context(), cmd)
		if err != nil {
			errors = append(errors, batchItemError{Index: i, Error: err.Error()})
			continue
		}
		results = append(results, calculateResult{
			Index:        i,
			EventID:      event.EventID,
			TotalScore:   event.TotalScore,
			ClinicalRisk: string(event.ClinicalRisk),
		})
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

func (a *ScoringAPI) handleLatest(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["patientId"]
	model, ok, err := a.ReadModels.Get(r.Context(), patientID)
	if err != nil {
		writeError(w, fault.Storage("load read model", err))
		return
	}
	if !ok {
		writeError(w, fault.NotFound("no scores for patient %s", patientID))
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (a *ScoringAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
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
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, fault.Invalid("limit must be a positive integer"))
			return
		}
	}

	model, ok, err := a.ReadModels.Get(r.Context(), patientID)
	if err != nil {
		writeError(w, fault.Storage("load read model", err))
		return
	}
	if !ok {
		writeError(w, fault.NotFound("no scores for patient %s", patientID))
		return
	}

	// History is stored ascending; serve the most recent entries first.
	entries := make([]readmodel.HistoryEntry, 0, limit)
	for i := len(model.History) - 1; i >= 0 && len(entries) < limit; i-- {
		e := model.History[i]
		if !from.IsZero() && e.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && e.Timestamp.After(to) {
			continue
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"patientId": patientID,
		"history":   entries,
	})
}

func (a *ScoringAPI) handleConsensus(w http.ResponseWriter, r *http.Request) {
	consensusID := mux.Vars(r)["consensusId"]
	sc, ok, err := a.Engine.Store.GetConsensus(r.Context(), consensusID)
	if err != nil {
		writeError(w, fault.Storage("load score consensus", err))
		return
	}
	if !ok {
		writeError(w, fault.NotFound("consensus %s not found", consensusID))
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (a *ScoringAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
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
	filter := eventstore.EventFilter{
		PatientID: r.URL.Query().Get("patientId"),
		Kind:      eventstore.EventKind(r.URL.Query().Get("eventType")),
		From:      from,
		To:        to,
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		writeError(w, fault.Invalid("unknown eventType %q", filter.Kind))
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		filter.Limit, err = strconv.Atoi(raw)
		if err != nil || filter.Limit < 1 {
			writeError(w, fault.Invalid("limit must be a positive integer"))
			return
		}
	}

	events, err := a.Engine.Store.QueryEvents(r.Context(), filter)
	if err != nil {
		writeError(w, fault.Storage("query score events", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *ScoringAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patients, byRisk, err := a.ReadModels.Stats(ctx)
	if err != nil {
		writeError(w, fault.Storage("read model stats", err))
		return
	}
	events, err := a.Engine.Store.CountEvents(ctx)
	if err != nil {
		writeError(w, fault.Storage("count score events", err))
		return
	}
	records, err := a.Engine.Store.CountConsensus(ctx)
	if err != nil {
		writeError(w, fault.Storage("count score consensus", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"patients":         patients,
		"events":           events,
		"consensusRecords": records,
		"riskDistribution": byRisk,
	})
}

func (a *ScoringAPI) handleHighRisk(w http.ResponseWriter, r *http.Request) {
	minScore := defaultHighRiskMin
	if raw := r.URL.Query().Get("minScore"); raw != "" {
		var err error
		minScore, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, fault.Invalid("minScore must be an integer"))
			return
		}
	}
	patients, err := a.ReadModels.ListHighRisk(r.Context(), minScore)
	if err != nil {
		writeError(w, fault.Storage("list high risk patients", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"minScore": minScore,
		"patients": patients,
	})
}

func (a *ScoringAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
