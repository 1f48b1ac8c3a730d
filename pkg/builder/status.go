package builder

import "github.com/loomci/loom/pkg/results"

// StatusSink receives build lifecycle events. The build master's
// implementation fans these out to status targets and the history store;
// tests use a recorder.
type StatusSink interface {
	BuilderChangedState(builder, state string)
	RequestSubmitted(builder string, req *Request)
	RequestCancelled(builder string, req *Request)
	BuildStarted(b *Build)
	StepStarted(b *Build, step string)
	LogStarted(b *Build, step, log string)
	StepLog(b *Build, step, stream, text string)
	LogFinished(b *Build, step, log string)
	StepFinished(b *Build, step string, result results.Code, text []string)
	BuildFinished(b *Build, result results.Code, text []string)
}

// NopStatus discards every event.
type NopStatus struct{}

func (NopStatus) BuilderChangedState(string, string)                  {}
func (NopStatus) RequestSubmitted(string, *Request)                   {}
func (NopStatus) RequestCancelled(string, *Request)                   {}
func (NopStatus) BuildStarted(*Build)                                 {}
func (NopStatus) StepStarted(*Build, string)                          {}
func (NopStatus) LogStarted(*Build, string, string)                   {}
func (NopStatus) StepLog(*Build, string, string, string)              {}
func (NopStatus) LogFinished(*Build, string, string)                  {}
func (NopStatus) StepFinished(*Build, string, results.Code, []string) {}
func (NopStatus) BuildFinished(*Build, results.Code, []string)        {}

var _ StatusSink = NopStatus{}
