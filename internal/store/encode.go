package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datasheet-cli/internal/model"
)

// encodedRecord holds the JSON columns of a golden record.
type encodedRecord struct {
	fields      []byte
	confidences []byte
	notes       []byte
	strategies  []byte
}

func recordColumns(rec *model.GoldenRecord) (encodedRecord, error) {
	var (
		out encodedRecord
		err error
	)
	if out.fields, err = json.Marshal(rec.Fields); err != nil {
		return out, eris.Wrap(err, "marshal fields")
	}
	if out.confidences, err = json.Marshal(rec.FieldConfidences); err != nil {
		return out, eris.Wrap(err, "marshal field confidences")
	}
	if out.notes, err = json.Marshal(rec.Notes); err != nil {
		return out, eris.Wrap(err, "marshal notes")
	}
	if out.strategies, err = json.Marshal(rec.StrategiesUsed); err != nil {
		return out, eris.Wrap(err, "marshal strategies")
	}
	return out, nil
}

func (e encodedRecord) decode(rec *model.GoldenRecord) error {
	if err := json.Unmarshal(e.fields, &rec.Fields); err != nil {
		return eris.Wrap(err, "unmarshal fields")
	}
	if err := json.Unmarshal(e.confidences, &rec.FieldConfidences); err != nil {
		return eris.Wrap(err, "unmarshal field confidences")
	}
	if len(e.notes) > 0 {
		if err := json.Unmarshal(e.notes, &rec.Notes); err != nil {
			return eris.Wrap(err, "unmarshal notes")
		}
	}
	if len(e.strategies) > 0 {
		if err := json.Unmarshal(e.strategies, &rec.StrategiesUsed); err != nil {
			return eris.Wrap(err, "unmarshal strategies")
		}
	}
	return nil
}
