package domain

import "encoding/json"

// Value sources. Anything outside this list is treated as untrusted.
const (
	SourceProvider = "provider"
	SourceCache    = "cache"
	SourceEnriched = "enrichment"
	// Historic placeholder sources. A Known value attributed to one of
	// these combined with a banned default is treated as corruption.
	SourceSectorFallback = "sector_fallback"
	SourceDefault        = "default"
)

// Value represents an optional scoring input: either a number that was
// actually observed (with its source), or missing with a reason. Subscores
// compute from known values only and contribute zero when missing; there is
// no default-filling path.
type Value struct {
	known      bool
	val        float64
	source     string
	confidence float64
	reason     string
}

// Known constructs an observed value with source attribution.
func Known(v float64, source string, confidence float64) Value {
	return Value{known: true, val: v, source: source, confidence: confidence}
}

// Missing constructs an absent value carrying the reason it is absent.
func Missing(reason string) Value {
	return Value{reason: reason}
}

// IsKnown reports whether the value was observed.
func (v Value) IsKnown() bool { return v.known }

// Get returns the observed number and true, or 0 and false when missing.
func (v Value) Get() (float64, bool) {
	if !v.known {
		return 0, false
	}
	return v.val, true
}

// Source returns the attribution of a known value, "" when missing.
func (v Value) Source() string { return v.source }

// Confidence returns the observation confidence of a known value.
func (v Value) Confidence() float64 { return v.confidence }

// MissingReason returns why the value is absent, "" when known.
func (v Value) MissingReason() string { return v.reason }

// FromFallbackSource reports whether a known value is attributed to a
// historic placeholder source.
func (v Value) FromFallbackSource() bool {
	return v.known && (v.source == SourceSectorFallback || v.source == SourceDefault)
}

type valueJSON struct {
	Known      bool    `json:"known"`
	Value      float64 `json:"value,omitempty"`
	Source     string  `json:"source,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(valueJSON{
		Known:      v.known,
		Value:      v.val,
		Source:     v.source,
		Confidence: v.confidence,
		Reason:     v.reason,
	})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw valueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = Value{
		known:      raw.Known,
		val:        raw.Value,
		source:     raw.Source,
		confidence: raw.Confidence,
		reason:     raw.Reason,
	}
	return nil
}
