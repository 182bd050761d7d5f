package ingest

import (
	"context"
	"log/slog"
	"math"
	"time"

	"vitalmesh/internal/fault"
	"vitalmesh/internal/vitals"
)

// FreshnessWindow bounds how old a sensor consensus may be and still count
// towards a complete vital vector.
const FreshnessWindow = 5 * time.Minute

// Completeness decides whether a complete, fresh vital-sign vector exists
// for a patient.
//
// A missing consciousness consensus leaves the vector incomplete; there is
// deliberately no substitution of a default level, since inventing "Alert"
// for an unmeasured patient changes the score. The missing vitals are
// logged so the gap is observable.
type Completeness struct {
	Store *Store
	Clock vitals.Clock
}

// Assemble fetches the freshest valid consensus per sensor type and builds
// the vital vector. The returned time is the newest contributing consensus
// timestamp. complete is false when any of the six vitals is missing or
// stale.
func (c Completeness) Assemble(ctx context.Context, patientID string) (vitals.VitalSigns, time.Time, bool, error) {
	clock := c.Clock
	if clock == nil {
		clock = vitals.RealClock{}
	}
	cutoff := clock.Now().Add(-FreshnessWindow)

	latest, err := c.Store.LatestValidPerType(ctx, patientID, cutoff)
	if err != nil {
		return vitals.VitalSigns{}, time.Time{}, false, fault.Storage("load latest consensus per type", err)
	}

	var missing []string
	for _, st := range vitals.SensorTypes {
		if _, ok := latest[st]; !ok {
			missing = append(missing, st.VitalName())
		}
	}
	if len(missing) > 0 {
		slog.Debug("vital vector incomplete", "patient", patientID, "missing", missing)
		return vitals.VitalSigns{}, time.Time{}, false, nil
	}

	// The consensus value may be a mean of integer codes; round to the
	// nearest level rather than truncating toward Alert.
	avpu, err := vitals.AVPUFromCode(int(math.Round(latest[vitals.SensorConsciousness].ConsensusValue)))
	if err != nil {
		return vitals.VitalSigns{}, time.Time{}, false, err
	}

	vs := vitals.VitalSigns{
		RespiratoryRate:  latest[vitals.SensorRespRate].ConsensusValue,
		OxygenSaturation: latest[vitals.SensorSpO2].ConsensusValue,
		Temperature:      latest[vitals.SensorTemperature].ConsensusValue,
		SystolicBP:       latest[vitals.SensorBPSystolic].ConsensusValue,
		HeartRate:        latest[vitals.SensorHeartRate].ConsensusValue,
		Consciousness:    avpu,
	}

	var newest time.Time
	for _, cons := range latest {
		if cons.ConsensusAt.After(newest) {
			newest = cons.ConsensusAt
		}
	}
	return vs, newest, true, nil
}
