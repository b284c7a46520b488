package ingestion

import (
	"encoding/json"
	"time"

	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/model"
)

// rawSignal is the event_data shape a producer emits: either a single
// observation, or a batch under "signals". entity_id and type are the only
// required fields; everything else defaults from the envelope or from a
// neutral value.
type rawSignal struct {
	Type       string            `json:"type"`
	EntityID   string            `json:"entity_id"`
	Confidence *float64          `json:"confidence,omitempty"`
	Timestamp  *time.Time        `json:"timestamp,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type rawBatch struct {
	Signals []rawSignal `json:"signals"`
}

// normalizeSignals decodes an envelope's event_data into one or more
// model.Signal, defaulting confidence to 1.0 and the timestamp to the
// envelope's own when a producer omits them. It rejects a payload carrying zero
// signals, or any signal missing entity_id or type, fail-closed rather than
// correlating a half-formed observation.
func normalizeSignals(envelope *model.EventEnvelope) ([]model.Signal, error) {
	raws, err := decodeEventData(envelope.EventData)
	if err != nil {
		return nil, coreerr.Contract("ingestion.normalize", "event_data is not a valid signal payload: "+err.Error())
	}
	if len(raws) == 0 {
		return nil, coreerr.Contract("ingestion.normalize", "event_data carries no signals")
	}

	signals := make([]model.Signal, 0, len(raws))
	for _, r := range raws {
		if r.EntityID == "" {
			return nil, coreerr.Contract("ingestion.normalize", "signal is missing entity_id")
		}
		if r.Type == "" {
			return nil, coreerr.Contract("ingestion.normalize", "signal is missing type")
		}

		confidence := 1.0
		if r.Confidence != nil {
			confidence = *r.Confidence
		}
		ts := envelope.Timestamp
		if r.Timestamp != nil {
			ts = *r.Timestamp
		}

		signals = append(signals, model.Signal{
			Type:       r.Type,
			Timestamp:  ts,
			EntityID:   r.EntityID,
			Confidence: confidence,
			Metadata:   r.Metadata,
		})
	}
	return signals, nil
}

func decodeEventData(data string) ([]rawSignal, error) {
	var batch rawBatch
	if err := json.Unmarshal([]byte(data), &batch); err == nil && len(batch.Signals) > 0 {
		return batch.Signals, nil
	}

	var single rawSignal
	if err := json.Unmarshal([]byte(data), &single); err != nil {
		return nil, err
	}
	return []rawSignal{single}, nil
}
