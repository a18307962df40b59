package transformer

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/baldanca/firehose-ingestor/record"
)

// Keep projects each payload onto the given attributes. Dotted names reach
// into nested objects and keep their parents:
//
//	Keep("text", "user.screen_name")
//	{"text": "hi", "lang": "en", "user": {"screen_name": "jd", "id": 1}}
//	=> {"text": "hi", "user": {"screen_name": "jd"}}
//
// Missing attributes are kept as null. The original bytes are dropped.
func Keep(attrs ...string) Transformer[record.DataRecord, record.DataRecord] {
	paths := make([][]string, 0, len(attrs))
	for _, a := range attrs {
		paths = append(paths, strings.Split(a, "."))
	}
	return Func[record.DataRecord, record.DataRecord](func(ctx context.Context, in record.DataRecord) (record.DataRecord, error) {
		out := make(map[string]any)
		for _, p := range paths {
			mergeInto(out, find(p, in.Payload))
		}
		return record.DataRecord{Payload: out, ReceivedAt: in.ReceivedAt}, nil
	})
}

// find returns {keys[0]: {keys[1]: ... value}} for the deepest object found
// along keys.
func find(keys []string, obj map[string]any) map[string]any {
	v, ok := obj[keys[0]]
	if !ok {
		return map[string]any{keys[0]: nil}
	}
	if child, isObj := v.(map[string]any); isObj && len(keys) > 1 {
		return map[string]any{keys[0]: find(keys[1:], child)}
	}
	return map[string]any{keys[0]: v}
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		sub, srcObj := v.(map[string]any)
		cur, dstObj := dst[k].(map[string]any)
		if srcObj && dstObj {
			mergeInto(cur, sub)
			continue
		}
		if srcObj {
			cp := make(map[string]any, len(sub))
			mergeInto(cp, sub)
			dst[k] = cp
			continue
		}
		dst[k] = v
	}
}

// Coordinates drops records without a non-null "coordinates" attribute.
func Coordinates() Transformer[record.DataRecord, record.DataRecord] {
	return Func[record.DataRecord, record.DataRecord](func(ctx context.Context, in record.DataRecord) (record.DataRecord, error) {
		if v, ok := in.Payload["coordinates"]; !ok || v == nil {
			return in, ErrSkip
		}
		return in, nil
	})
}

// Row is the columnar form of a data record.
type Row struct {
	ID           string `parquet:"id"`
	ReceivedAtMs int64  `parquet:"received_at_ms"`
	Payload      string `parquet:"payload"`
}

// RowTransformer turns data records into Rows. The ID comes from the
// "id_str" attribute, or a random UUID when absent.
type RowTransformer struct {
	NewID func() string
}

func (t RowTransformer) Transform(ctx context.Context, in record.DataRecord) (Row, error) {
	body, err := in.Marshal()
	if err != nil {
		return Row{}, err
	}
	id, _ := in.Payload["id_str"].(string)
	if id == "" {
		if t.NewID != nil {
			id = t.NewID()
		} else {
			id = uuid.NewString()
		}
	}
	var ts int64
	if !in.ReceivedAt.IsZero() {
		ts = in.ReceivedAt.UnixMilli()
	}
	return Row{ID: id, ReceivedAtMs: ts, Payload: string(body)}, nil
}

// ReceivedAt returns the row timestamp.
func (r Row) ReceivedAt() time.Time { return time.UnixMilli(r.ReceivedAtMs).UTC() }
