package reading

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ParseError is returned when constructing a Reading from malformed JSON.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return fmt.Sprintf("reading: parse error: %s", e.Reason) }

// Reading is one observation: an asset, two timestamps, and an ordered
// list of datapoints. Id is absent (zero, HasID false) until the storage
// engine assigns one on append.
type Reading struct {
	ID         uint64
	HasID      bool
	UUID       string
	Asset      string
	UserTS     time.Time
	SystemTS   time.Time
	Datapoints []Datapoint
}

// New constructs a Reading from a single datapoint.
func New(asset string, dp Datapoint) *Reading {
	return NewMulti(asset, []Datapoint{dp})
}

// NewMulti constructs a Reading from a list of datapoints.
func NewMulti(asset string, dps []Datapoint) *Reading {
	now := time.Now().UTC()
	return &Reading{
		UUID:       uuid.NewString(),
		Asset:      asset,
		UserTS:     now,
		SystemTS:   now,
		Datapoints: append([]Datapoint(nil), dps...),
	}
}

// AddDatapoint appends a datapoint to the reading.
func (r *Reading) AddDatapoint(dp Datapoint) {
	r.Datapoints = append(r.Datapoints, dp)
}

// DeepCopy returns an independent copy of the Reading.
func (r *Reading) DeepCopy() *Reading {
	cp := *r
	cp.Datapoints = make([]Datapoint, len(r.Datapoints))
	for i, d := range r.Datapoints {
		cp.Datapoints[i] = Datapoint{Name: d.Name, Value: d.Value.DeepCopy()}
	}
	return &cp
}

const isoMicro = "2006-01-02T15:04:05.000000Z07:00"

// jsonEnvelope is the wire shape: {"asset":..,"user_ts":ISO8601,"readings":{…}}.
type jsonEnvelope struct {
	Asset    string                 `json:"asset"`
	UserTS   string                 `json:"user_ts"`
	Readings map[string]interface{} `json:"readings"`
}

// ToJSON renders the Reading as {"asset":..,"user_ts":ISO8601,"readings":{…}}.
// forOMF controls how image/buffer datapoints are represented: elided for
// OMF transport, base64-embedded otherwise. Warnings produced by lossy
// numeric coercions (NaN/Inf -> null) are returned for the caller to log,
// matching the one-line-warning semantics of §4.1.
func (r *Reading) ToJSON(forOMF bool) ([]byte, []string, error) {
	body := make(map[string]interface{}, len(r.Datapoints))
	var warnings []string
	for _, dp := range r.Datapoints {
		val, ok, warn := dp.Value.marshalJSONValue(forOMF)
		if warn != "" {
			warnings = append(warnings, fmt.Sprintf("%s.%s: %s", r.Asset, dp.Name, warn))
		}
		if !ok {
			if !forOMF {
				// HTTP-forward fallback: emit a type-name marker instead of eliding.
				body[dp.Name] = fmt.Sprintf("<%s>", dp.Value.Kind())
			}
			continue
		}
		body[dp.Name] = val
	}
	env := jsonEnvelope{
		Asset:    r.Asset,
		UserTS:   r.UserTS.UTC().Format(isoMicro),
		Readings: body,
	}
	out, err := json.Marshal(env)
	return out, warnings, err
}

// FromJSON parses a Reading from the wire envelope shape. Unsupported or
// malformed payloads return a *ParseError.
func FromJSON(data []byte) (*Reading, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	if env.Asset == "" {
		return nil, &ParseError{Reason: "missing asset"}
	}
	ts, err := time.Parse(isoMicro, env.UserTS)
	if err != nil {
		ts, err = time.Parse(time.RFC3339Nano, env.UserTS)
		if err != nil {
			return nil, &ParseError{Reason: "invalid user_ts: " + err.Error()}
		}
	}
	dps := make([]Datapoint, 0, len(env.Readings))
	for name, raw := range env.Readings {
		dps = append(dps, Datapoint{Name: name, Value: valueFromJSON(raw)})
	}
	return &Reading{
		UUID:       uuid.NewString(),
		Asset:      env.Asset,
		UserTS:     ts,
		SystemTS:   time.Now().UTC(),
		Datapoints: dps,
	}, nil
}

func valueFromJSON(raw interface{}) DatapointValue {
	switch t := raw.(type) {
	case string:
		return NewString(t)
	case float64:
		if t == float64(int64(t)) {
			return NewInteger(int64(t))
		}
		return NewFloat(t)
	case []interface{}:
		arr := make([]float64, 0, len(t))
		allFloat := true
		for _, e := range t {
			f, ok := e.(float64)
			if !ok {
				allFloat = false
				break
			}
			arr = append(arr, f)
		}
		if allFloat {
			return NewFloatArray(arr)
		}
		children := make([]Datapoint, len(t))
		for i, e := range t {
			children[i] = Datapoint{Name: fmt.Sprintf("%d", i), Value: valueFromJSON(e)}
		}
		v, _ := NewList(children)
		return v
	case map[string]interface{}:
		children := make([]Datapoint, 0, len(t))
		for k, e := range t {
			children = append(children, Datapoint{Name: k, Value: valueFromJSON(e)})
		}
		v, _ := NewDict(children)
		return v
	default:
		return NewString(fmt.Sprintf("%v", t))
	}
}

// Set is an ordered batch of Readings carrying the maximum id seen, used
// to drive north cursors.
type Set struct {
	Readings []*Reading
	LastID   uint64
}

// NewSet wraps readings into a Set, computing LastID from any readings
// that already carry an id (i.e. a set returned from storage).
func NewSet(readings []*Reading) *Set {
	s := &Set{Readings: readings}
	for _, r := range readings {
		if r.HasID && r.ID > s.LastID {
			s.LastID = r.ID
		}
	}
	return s
}

// DeepCopy returns an independent copy of the set and its readings.
func (s *Set) DeepCopy() *Set {
	cp := &Set{Readings: make([]*Reading, len(s.Readings)), LastID: s.LastID}
	for i, r := range s.Readings {
		cp.Readings[i] = r.DeepCopy()
	}
	return cp
}

// Len reports the number of readings in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Readings)
}
