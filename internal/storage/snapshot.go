package storage

import (
	"encoding/json"
	"fmt"

	"fxledger/internal/core"
)

// SnapshotPayload is the JSON document stored in fx_snapshots.payload.
// Unknown keys are ignored so older and newer rows decode alike.
type SnapshotPayload struct {
	Base  string             `json:"base"`
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

func EncodeSnapshotPayload(s core.RateSnapshot) (string, error) {
	rates := s.Rates
	if rates == nil {
		rates = map[string]float64{}
	}
	b, err := json.Marshal(SnapshotPayload{Base: s.Base, Date: s.ProviderDate, Rates: rates})
	if err != nil {
		return "", fmt.Errorf("encode snapshot payload: %w", err)
	}
	return string(b), nil
}

func DecodeSnapshotPayload(raw string) (SnapshotPayload, error) {
	var p SnapshotPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return SnapshotPayload{}, fmt.Errorf("decode snapshot payload: %w", err)
	}
	if p.Rates == nil {
		p.Rates = map[string]float64{}
	}
	return p, nil
}
