package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/record"
)

type recordModel struct {
	ID                     string     `bson:"_id"`
	JobName                string     `bson:"job_name"`
	DedupKey               string     `bson:"dedup_key"`
	Payload                bson.Raw   `bson:"payload,omitempty"`
	RunAt                  time.Time  `bson:"run_at"`
	Status                 string     `bson:"status"`
	Attempts               int        `bson:"attempts"`
	MaxAttempts            int        `bson:"max_attempts"`
	Priority               int        `bson:"priority"`
	PromotionWindowMinutes int        `bson:"promotion_window_minutes"`
	LastError              string     `bson:"last_error"`
	LastAttemptAt          *time.Time `bson:"last_attempt_at"`
	Result                 bson.Raw   `bson:"result,omitempty"`
	CompletedAt            *time.Time `bson:"completed_at"`
	CreatedAt              time.Time  `bson:"created_at"`
	UpdatedAt              time.Time  `bson:"updated_at"`
}

func toRecordModel(r *record.Record) (*recordModel, error) {
	payload, err := encodeMap(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("courier/mongo: encode payload: %w", err)
	}
	result, err := encodeMap(r.Result)
	if err != nil {
		return nil, fmt.Errorf("courier/mongo: encode result: %w", err)
	}
	return &recordModel{
		ID:                     r.ID.String(),
		JobName:                r.JobName,
		DedupKey:               r.DedupKey,
		Payload:                payload,
		RunAt:                  r.RunAt.UTC(),
		Status:                 string(r.Status),
		Attempts:               r.Attempts,
		MaxAttempts:            r.MaxAttempts,
		Priority:               r.Priority,
		PromotionWindowMinutes: r.PromotionWindowMinutes,
		LastError:              r.LastError,
		LastAttemptAt:          utcPtr(r.LastAttemptAt),
		Result:                 result,
		CompletedAt:            utcPtr(r.CompletedAt),
		CreatedAt:              r.CreatedAt.UTC(),
		UpdatedAt:              r.UpdatedAt.UTC(),
	}, nil
}

func fromRecordModel(m *recordModel) (*record.Record, error) {
	parsedID, err := id.ParseRecordID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("courier/mongo: parse record id %q: %w", m.ID, err)
	}
	payload, err := decodeMap(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("courier/mongo: decode payload: %w", err)
	}
	result, err := decodeMap(m.Result)
	if err != nil {
		return nil, fmt.Errorf("courier/mongo: decode result: %w", err)
	}
	return &record.Record{
		Entity: courier.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:                     parsedID,
		JobName:                m.JobName,
		DedupKey:               m.DedupKey,
		Payload:                payload,
		RunAt:                  m.RunAt.UTC(),
		Status:                 record.Status(m.Status),
		Attempts:               m.Attempts,
		MaxAttempts:            m.MaxAttempts,
		Priority:               m.Priority,
		PromotionWindowMinutes: m.PromotionWindowMinutes,
		LastError:              m.LastError,
		LastAttemptAt:          utcPtr(m.LastAttemptAt),
		Result:                 result,
		CompletedAt:            utcPtr(m.CompletedAt),
	}, nil
}

// encodeMap stores a payload or result as an embedded document.
func encodeMap(m map[string]any) (bson.Raw, error) {
	if m == nil {
		return nil, nil
	}
	return bson.Marshal(m)
}

// decodeMap goes through relaxed extended JSON so payloads read back with
// the same shapes (float64 numbers, nested maps) as the SQL stores.
func decodeMap(raw bson.Raw) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	b, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
