// Package statuspush delivers build status events to external HTTP
// listeners, buffering through a persistent queue so that listener or
// network outages never lose events.
package statuspush

// Event names use the receiving listener's wire vocabulary, which predates
// the agent terminology used elsewhere in this codebase.
const (
	EventStart               = "start"
	EventShutdown            = "shutdown"
	EventBuilderAdded        = "builderAdded"
	EventBuilderChangedState = "builderChangedState"
	EventSlaveConnected      = "slaveConnected"
	EventSlaveDisconnected   = "slaveDisconnected"
	EventChangeAdded         = "changeAdded"
	EventRequestSubmitted    = "requestSubmitted"
	EventRequestCancelled    = "requestCancelled"
	EventBuildsetSubmitted   = "buildsetSubmitted"
	EventBuildStarted        = "buildStarted"
	EventBuildETAUpdate      = "buildETAUpdate"
	EventStepStarted         = "stepStarted"
	EventStepTextChanged     = "stepTextChanged"
	EventStepText2Changed    = "stepText2Changed"
	EventStepETAUpdate       = "stepETAUpdate"
	EventLogStarted          = "logStarted"
	EventLogFinished         = "logFinished"
	EventStepFinished        = "stepFinished"
	EventBuildFinished       = "buildFinished"
	EventBuilderRemoved      = "builderRemoved"
)

// Packet is one queued event. ID is a per-master monotonic sequence number;
// Started is the timestamp of the master process that generated the event,
// so listeners can detect restarts.
// Timestamps are ISO-8601 strings on the wire.
type Packet struct {
	ID        int64          `json:"id"`
	Timestamp string         `json:"timestamp"`
	Project   string         `json:"project"`
	Started   string         `json:"started"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Scrub recursively drops empty strings, false booleans, nils, and empty
// containers from a payload, shrinking packets for listeners that only care
// about populated fields.
func Scrub(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if cleaned := Scrub(item); !isEmpty(cleaned) {
				out[k] = cleaned
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if cleaned := Scrub(item); !isEmpty(cleaned) {
				out = append(out, cleaned)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return v
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	default:
		return false
	}
}
