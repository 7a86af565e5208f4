package store

import (
	"testing"

	"github.com/govalues/decimal"

	"github.com/riskcore/engine/internal/domain"
)

// The envelope carries the payload family's tag (Payload.Type()), and
// decode dispatches on it — several event types share one payload struct,
// so the dispatch table is what keeps a trigger marker from decoding as a
// closure.
func TestPayloadCodecDispatchesSharedPayloadFamilies(t *testing.T) {
	price := decimal.MustParse("1990.00")

	cases := []struct {
		name    string
		payload domain.Payload
	}{
		{"trigger", domain.TriggerPayload{Price: price}},
		{"closure", domain.ClosurePayload{
			ClosePrice:    price,
			RealizedPnL:   decimal.MustParse("-1.00"),
			ExecutionType: domain.ExecutionStopLoss,
			Reason:        "stop_loss",
		}},
		{"fill", domain.FillPayload{
			OrderID:     "ord_1",
			IsEntry:     true,
			NewSize:     decimal.MustParse("0.1"),
			NewAvgEntry: decimal.MustParse("2000.00"),
		}},
	}

	for _, c := range cases {
		raw, err := encodePayload(c.payload)
		if err != nil {
			t.Fatalf("%s: encode failed: %v", c.name, err)
		}
		decoded, err := decodePayload(raw)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", c.name, err)
		}
		if decoded.Type() != c.payload.Type() {
			t.Errorf("%s: decoded payload family %s, want %s", c.name, decoded.Type(), c.payload.Type())
		}
	}

	if _, err := decodePayload([]byte(`{"type":"NOT_A_TYPE","data":{}}`)); err == nil {
		t.Error("expected decode to reject an unknown event type")
	}
}

func TestPayloadCodecTriggerRoundTripsPrice(t *testing.T) {
	raw, err := encodePayload(domain.TriggerPayload{Price: decimal.MustParse("1990.00")})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := decodePayload(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	trig, ok := decoded.(domain.TriggerPayload)
	if !ok {
		t.Fatalf("expected TriggerPayload, got %T", decoded)
	}
	if trig.Price.Cmp(decimal.MustParse("1990.00")) != 0 {
		t.Errorf("expected price 1990.00 back, got %s", trig.Price)
	}
}
