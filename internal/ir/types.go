package ir

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Record is one stored entity: a type name, an ID and its fields.
//
// Reference fields are stored under their identifier column (`author_id`),
// list relations as an Array of ID strings, and shared-dict denormalized
// values inside the `denorm_data` object field.
type Record struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Fields Object `json:"fields"`
}

// NewRecord creates a record. A nil fields map is replaced with an empty one.
func NewRecord(typ, id string, fields Object) *Record {
	if fields == nil {
		fields = Object{}
	}
	return &Record{Type: typ, ID: id, Fields: fields}
}

// Get returns the field value, or Null if the field is absent.
func (r *Record) Get(field string) Value {
	if v, ok := r.Fields[field]; ok && v != nil {
		return v
	}
	return Null{}
}

// Set assigns a field value, allocating the field map if needed.
func (r *Record) Set(field string, v Value) {
	if r.Fields == nil {
		r.Fields = Object{}
	}
	r.Fields[field] = v
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	return &Record{Type: r.Type, ID: r.ID, Fields: r.Fields.Clone()}
}

// Actor identifies who triggered a save. It is passed explicitly through
// the save path and only consulted for throttle labelling.
type Actor struct {
	ID string `json:"id"`

	// Privileged actors (operators, superusers) are never throttled.
	Privileged bool `json:"privileged,omitempty"`
}

// StorageMode selects how denormalized values are laid out on a target.
type StorageMode int

const (
	// Scalar stores one synthesized field per (relation, source field),
	// named relation_field.
	Scalar StorageMode = iota + 1

	// SharedDict stores values for many sources in the target's
	// denorm_data document, keyed by relation then source ID.
	SharedDict
)

// String returns the configuration name of the mode.
func (m StorageMode) String() string {
	switch m {
	case Scalar:
		return "scalar"
	case SharedDict:
		return "shared_dict"
	default:
		return fmt.Sprintf("StorageMode(%d)", int(m))
	}
}

// ParseStorageMode parses a configuration name. Empty means Scalar.
func ParseStorageMode(s string) (StorageMode, error) {
	switch s {
	case "", "scalar":
		return Scalar, nil
	case "shared_dict":
		return SharedDict, nil
	default:
		return 0, fmt.Errorf("unknown storage mode %q (want scalar or shared_dict)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m StorageMode) MarshalText() ([]byte, error) {
	switch m {
	case Scalar, SharedDict:
		return []byte(m.String()), nil
	default:
		return nil, fmt.Errorf("invalid storage mode %d", int(m))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *StorageMode) UnmarshalText(text []byte) error {
	parsed, err := ParseStorageMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Strategy selects the execution topology for a propagation request.
type Strategy int

const (
	// Cursor pages through targets in one process, deferring a
	// continuation per full page.
	Cursor Strategy = iota + 1

	// Sharded starts a parallel job partitioned across shards.
	Sharded
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case Cursor:
		return "cursor"
	case Sharded:
		return "sharded"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses a configuration name. Empty means Cursor.
// "mapreduce" is accepted as an alias of sharded.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "cursor":
		return Cursor, nil
	case "sharded", "mapreduce":
		return Sharded, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q (want cursor or sharded)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	switch s {
	case Cursor, Sharded:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("invalid strategy %d", int(s))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PropagationRequest is the unit of asynchronous work: copy Fields from one
// source instance onto every target of TargetType related to it through
// Relation.
type PropagationRequest struct {
	Tag        string      `json:"tag"`
	CreatedAt  time.Time   `json:"created"`
	Strategy   Strategy    `json:"strategy"`
	Storage    StorageMode `json:"storage"`
	SourceType string      `json:"source_type"`
	SourceID   string      `json:"source_id"`
	TargetType string      `json:"target_type"`
	Relation   string      `json:"relation"`

	// Fields maps payload keys to new values. For Scalar storage the keys
	// are target columns (relation_field); for SharedDict they are the
	// source columns stored inside the per-source entry.
	Fields Object `json:"fields"`

	// Shards is the shard count for the Sharded strategy, zero otherwise.
	Shards int `json:"shards,omitempty"`

	// Depth counts the propagation hops behind this request: 1 for a
	// request caused by a direct save.
	Depth int `json:"depth,omitempty"`
}

// Tag returns the deduplication key for (source type, source ID, target type).
func Tag(sourceType, sourceID, targetType string) string {
	return "DENORM_" + sourceType + "_" + sourceID + "_" + targetType
}

// EncodeRequest serializes a request for the queue.
func EncodeRequest(req PropagationRequest) ([]byte, error) {
	if req.Fields == nil {
		req.Fields = Object{}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", req.Tag, err)
	}
	return data, nil
}

// DecodeRequest parses a queued request payload. A payload that parses
// but does not describe a runnable request is an error too.
func DecodeRequest(data []byte) (PropagationRequest, error) {
	var req PropagationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return PropagationRequest{}, fmt.Errorf("decode request: %w", err)
	}
	if req.Fields == nil {
		req.Fields = Object{}
	}
	if err := req.Validate(); err != nil {
		return PropagationRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// Validate checks that req names a known strategy and storage mode and
// identifies its source, target type and relation.
func (req PropagationRequest) Validate() error {
	switch req.Strategy {
	case Cursor, Sharded:
	default:
		return fmt.Errorf("request %q: invalid strategy %s", req.Tag, req.Strategy)
	}
	switch req.Storage {
	case Scalar, SharedDict:
	default:
		return fmt.Errorf("request %q: invalid storage mode %s", req.Tag, req.Storage)
	}
	switch {
	case req.Tag == "":
		return errors.New("request has no tag")
	case req.SourceID == "":
		return fmt.Errorf("request %q: source_id is required", req.Tag)
	case req.TargetType == "":
		return fmt.Errorf("request %q: target_type is required", req.Tag)
	case req.Relation == "":
		return fmt.Errorf("request %q: relation is required", req.Tag)
	}
	return nil
}

// MergeRequests folds requests sharing a tag into one.
//
// Requests are ordered by CreatedAt (stable, so ties keep the given order),
// their Fields are unioned with later requests overriding earlier ones key
// by key, and the most recent request supplies every other attribute.
// reqs must not be empty.
func MergeRequests(reqs []PropagationRequest) PropagationRequest {
	sorted := slices.Clone(reqs)
	slices.SortStableFunc(sorted, func(a, b PropagationRequest) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	fields := Object{}
	for _, r := range sorted {
		for k, v := range r.Fields {
			fields[k] = Clone(v)
		}
	}

	merged := sorted[len(sorted)-1]
	merged.Fields = fields
	return merged
}
