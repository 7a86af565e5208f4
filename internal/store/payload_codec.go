package store

import (
	"encoding/json"
	"fmt"

	"github.com/riskcore/engine/internal/domain"
)

// encodePayload serializes a domain.Payload to the opaque structured
// format the position_events table stores (a JSONB column): an envelope
// of {type, data} so decodePayload can dispatch back to the right
// concrete struct. This is the storage-format half of the Event Store's
// tagged-union payload design.
func encodePayload(p domain.Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	envelope := struct {
		Type domain.EventType `json:"type"`
		Data json.RawMessage  `json:"data"`
	}{Type: p.Type(), Data: data}
	return json.Marshal(envelope)
}

func decodePayload(raw []byte) (domain.Payload, error) {
	var envelope struct {
		Type domain.EventType `json:"type"`
		Data json.RawMessage  `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}

	var p domain.Payload
	switch envelope.Type {
	case domain.EventPositionCreated:
		var v domain.CreatedPayload
		if err := json.Unmarshal(envelope.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case domain.EventOrderFilled, domain.EventPartialFill, domain.EventPositionOpened:
		var v domain.FillPayload
		if err := json.Unmarshal(envelope.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case domain.EventPositionUpdated:
		var v domain.UpdatePayload
		if err := json.Unmarshal(envelope.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case domain.EventStopLossTriggered, domain.EventTakeProfitTriggered:
		var v domain.TriggerPayload
		if err := json.Unmarshal(envelope.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case domain.EventPositionClosed, domain.EventPositionLiquidated:
		var v domain.ClosurePayload
		if err := json.Unmarshal(envelope.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case domain.EventPositionArchived:
		var v domain.ArchivedPayload
		if err := json.Unmarshal(envelope.Data, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("decode payload: unknown event type %q", envelope.Type)
	}
	return p, nil
}
