package record

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_DataRecord(t *testing.T) {
	raw := []byte(`{"id_str":"42","text":"hello","coordinates":{"type":"Point"}}`)

	rec, err := Classify(raw)
	require.NoError(t, err)
	assert.Equal(t, KindData, rec.Kind)
	assert.Equal(t, "hello", rec.Data.Payload["text"])
	assert.Equal(t, raw, rec.Data.Raw)
}

func TestClassify_ControlRecord(t *testing.T) {
	rec, err := Classify([]byte(`{"limit":{"track":1426307}}`))
	require.NoError(t, err)
	assert.Equal(t, KindControl, rec.Kind)
	assert.Equal(t, int64(1426307), rec.Control.ReportedUndelivered)
}

func TestClassify_Unclassifiable(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"invalid json":   `{"text":`,
		"array":          `[1,2,3]`,
		"scalar":         `17`,
		"limit scalar":   `{"limit":12}`,
		"missing track":  `{"limit":{}}`,
		"negative track": `{"limit":{"track":-3}}`,
		"float track":    `{"limit":{"track":1.5}}`,
		"string track":   `{"limit":{"track":"10"}}`,
	}

	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Classify([]byte(in))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnclassifiable), "got %v", err)

			var ce *ClassificationError
			assert.True(t, errors.As(err, &ce))
		})
	}
}

func TestFromPayload_Carriers(t *testing.T) {
	rec, err := FromPayload(`{"limit":{"track":5}}`)
	require.NoError(t, err)
	assert.Equal(t, KindControl, rec.Kind)

	rec, err = FromPayload(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, KindData, rec.Kind)

	// maps decoded by encoding/json carry float64 numbers
	rec, err = FromPayload(map[string]any{"limit": map[string]any{"track": float64(250)}})
	require.NoError(t, err)
	assert.Equal(t, int64(250), rec.Control.ReportedUndelivered)

	rec, err = FromPayload(ControlRecord{ReportedUndelivered: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.Control.ReportedUndelivered)

	_, err = FromPayload(ControlRecord{ReportedUndelivered: -1})
	assert.ErrorIs(t, err, ErrUnclassifiable)

	_, err = FromPayload(nil)
	assert.ErrorIs(t, err, ErrUnclassifiable)

	_, err = FromPayload(3.14)
	assert.ErrorIs(t, err, ErrUnclassifiable)

	_, err = FromPayload(Record{})
	assert.ErrorIs(t, err, ErrUnclassifiable)
}

func TestDataRecord_Marshal(t *testing.T) {
	d := DataRecord{Raw: []byte(`{"x":1}`)}
	b, err := d.Marshal()
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(b))

	d = DataRecord{Payload: map[string]any{"b": 2, "a": "z"}}
	b, err = d.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"z","b":2}`, string(b))
}

func TestNewMetadata_FillsMissingCounters(t *testing.T) {
	md := NewMetadata(map[string]int64{CounterStream: 10}, 4)

	assert.Equal(t, map[string]int64{
		CounterStream:    10,
		CounterFirehose:  0,
		CounterDetection: 0,
		CounterCached:    4,
	}, md.Counts)

	b, err := json.Marshal(md)
	require.NoError(t, err)
	assert.JSONEq(t, `{"counts":{"stream":10,"firehose":0,"detection":0,"cached":4}}`, string(b))
}
