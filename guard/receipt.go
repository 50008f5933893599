package guard

import (
	"encoding/json"
	"fmt"
	"time"
)

// Receipt is the result of a committed transition. Replays of the same
// operation id return the identical receipt with Replayed set.
type Receipt struct {
	OperationID string    `json:"operation_id"`
	ResourceID  string    `json:"resource_id"`
	Previous    int64     `json:"previous"`
	Value       int64     `json:"value"`
	Version     uint64    `json:"version"`
	CommittedAt time.Time `json:"committed_at"`

	// Replayed marks a receipt served from the idempotency cache
	// instead of a fresh commit. It is not part of the stored record.
	Replayed bool `json:"-"`
}

func encodeReceipt(receipt *Receipt) ([]byte, error) {
	payload, err := json.Marshal(receipt)
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}

	return payload, nil
}

func decodeReceipt(payload []byte) (*Receipt, error) {
	receipt := &Receipt{}
	if err := json.Unmarshal(payload, receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}

	return receipt, nil
}
