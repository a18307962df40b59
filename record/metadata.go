package record

// Counter names visible in a metadata snapshot.
const (
	CounterStream    = "stream"
	CounterFirehose  = "firehose"
	CounterDetection = "detection"
	CounterCached    = "cached"
)

// Counters lists the persistent counters, in snapshot order.
var Counters = []string{CounterStream, CounterFirehose, CounterDetection}

// Metadata is the periodic snapshot handed to the metadata sink:
//
//	{"counts": {"stream": 122900, "firehose": 1426307, "detection": 4403, "cached": 4}}
type Metadata struct {
	Counts map[string]int64 `json:"counts"`
}

// NewMetadata builds a snapshot from persisted counts and the number of
// records currently buffered. Missing persistent counters read as zero.
func NewMetadata(counts map[string]int64, cached int) Metadata {
	out := make(map[string]int64, len(counts)+2)
	for _, name := range Counters {
		out[name] = 0
	}
	for k, v := range counts {
		out[k] = v
	}
	out[CounterCached] = int64(cached)
	return Metadata{Counts: out}
}
