// Package record defines the two record shapes carried by a live feed and the
// rules used to tell them apart.
//
// A feed interleaves data records (application payloads such as geolocated
// posts) with control records: provider notifications reporting how many
// records were withheld since the current connection was opened.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// ErrUnclassifiable is matched by every classification failure.
var ErrUnclassifiable = errors.New("unclassifiable record")

// ControlKey is the top-level key that tags a control record.
const ControlKey = "limit"

// ControlCounterKey is the field under ControlKey holding the undelivered count.
const ControlCounterKey = "track"

var codec = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Kind tells which variant a Record holds.
type Kind uint8

const (
	KindData Kind = iota + 1
	KindControl
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// ControlRecord carries the provider's cumulative count of undelivered records
// since the provider-side connection was (re)established.
type ControlRecord struct {
	ReportedUndelivered int64 `json:"reported_undelivered"`
}

// DataRecord is a well-formed application record. Payload is opaque to the
// ingestion core.
type DataRecord struct {
	Payload    map[string]any `json:"payload"`
	Raw        []byte         `json:"-"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Record is the union of the two variants. Exactly one of Control or Data is
// meaningful, as told by Kind.
type Record struct {
	Kind    Kind
	Control ControlRecord
	Data    DataRecord
}

// ClassificationError reports why a raw record matched neither variant.
type ClassificationError struct {
	Reason string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrUnclassifiable, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrUnclassifiable, e.Reason)
}

func (e *ClassificationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUnclassifiable, e.Err}
	}
	return []error{ErrUnclassifiable}
}

func unclassifiable(reason string, err error) error {
	return &ClassificationError{Reason: reason, Err: err}
}

// Classify decodes raw JSON and classifies it.
func Classify(raw []byte) (Record, error) {
	if len(raw) == 0 {
		return Record{}, unclassifiable("empty input", nil)
	}

	var v any
	if err := codec.Unmarshal(raw, &v); err != nil {
		return Record{}, unclassifiable("invalid json", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return Record{}, unclassifiable(fmt.Sprintf("expected json object, got %T", v), nil)
	}

	rec, err := ClassifyMap(obj)
	if err != nil {
		return Record{}, err
	}
	if rec.Kind == KindData {
		rec.Data.Raw = raw
	}
	return rec, nil
}

// ClassifyMap classifies an already decoded object.
func ClassifyMap(obj map[string]any) (Record, error) {
	if obj == nil {
		return Record{}, unclassifiable("nil object", nil)
	}

	limit, isControl := obj[ControlKey]
	if !isControl {
		return Record{Kind: KindData, Data: DataRecord{Payload: obj}}, nil
	}

	fields, ok := limit.(map[string]any)
	if !ok {
		return Record{}, unclassifiable(fmt.Sprintf("%q is %T, not an object", ControlKey, limit), nil)
	}
	n, err := toCount(fields[ControlCounterKey])
	if err != nil {
		return Record{}, unclassifiable(fmt.Sprintf("%s.%s", ControlKey, ControlCounterKey), err)
	}
	return Record{Kind: KindControl, Control: ControlRecord{ReportedUndelivered: n}}, nil
}

// FromPayload classifies whatever a source put in an envelope payload.
func FromPayload(p any) (Record, error) {
	switch v := p.(type) {
	case []byte:
		return Classify(v)
	case string:
		return Classify([]byte(v))
	case json.RawMessage:
		return Classify(v)
	case map[string]any:
		return ClassifyMap(v)
	case Record:
		if v.Kind != KindData && v.Kind != KindControl {
			return Record{}, unclassifiable("record without kind", nil)
		}
		return v, nil
	case DataRecord:
		return Record{Kind: KindData, Data: v}, nil
	case ControlRecord:
		if v.ReportedUndelivered < 0 {
			return Record{}, unclassifiable("negative undelivered count", nil)
		}
		return Record{Kind: KindControl, Control: v}, nil
	case nil:
		return Record{}, unclassifiable("nil payload", nil)
	default:
		return Record{}, unclassifiable(fmt.Sprintf("unsupported payload type %T", p), nil)
	}
}

func toCount(v any) (int64, error) {
	var n int64
	switch x := v.(type) {
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", x.String())
		}
		n = i
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt64 {
			return 0, fmt.Errorf("not an integer: %v", x)
		}
		n = int64(x)
	case int:
		n = int64(x)
	case int64:
		n = x
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("out of range: %d", x)
		}
		n = int64(x)
	case nil:
		return 0, errors.New("missing")
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative: %d", n)
	}
	return n, nil
}

// Marshal encodes a data record payload, reusing Raw when present.
func (d DataRecord) Marshal() ([]byte, error) {
	if len(d.Raw) > 0 {
		return d.Raw, nil
	}
	return codec.Marshal(d.Payload)
}
