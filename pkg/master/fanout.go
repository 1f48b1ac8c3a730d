package master

import (
	"time"

	"github.com/loomci/loom/pkg/builder"
	"github.com/loomci/loom/pkg/results"
	"github.com/loomci/loom/pkg/statuspush"
	"github.com/loomci/loom/pkg/store"
)

// statusFanout receives every build lifecycle event and forwards it to the
// history store and the status push pipelines.
type statusFanout struct {
	m *Master
}

var _ builder.StatusSink = (*statusFanout)(nil)

func (f *statusFanout) BuilderChangedState(builderName, state string) {
	f.m.pushEvent(statuspush.EventBuilderChangedState, map[string]any{
		"builder": builderName,
		"state":   state,
	})
}

func (f *statusFanout) RequestSubmitted(builderName string, req *builder.Request) {
	f.m.pushEvent(statuspush.EventRequestSubmitted, map[string]any{
		"builder": builderName,
		"request": req.ID,
		"branch":  req.Source.Branch,
		"reason":  req.Reason,
	})
}

func (f *statusFanout) RequestCancelled(builderName string, req *builder.Request) {
	f.m.pushEvent(statuspush.EventRequestCancelled, map[string]any{
		"builder": builderName,
		"request": req.ID,
	})
}

func (f *statusFanout) BuildStarted(b *builder.Build) {
	rec := buildRecord(b)
	rec.StartedAt = time.Now().UTC()
	if err := f.m.deps.Store.StartBuild(rec); err != nil {
		f.m.deps.Logger.Error("record build start", "builder", b.BuilderName, "number", b.Number, "error", err)
	}
	f.m.pushEvent(statuspush.EventBuildStarted, buildPayload(b))
}

func (f *statusFanout) StepStarted(b *builder.Build, step string) {
	if err := f.m.deps.Store.StartStep(b.BuilderName, b.Number, step); err != nil {
		f.m.deps.Logger.Error("record step start", "builder", b.BuilderName, "step", step, "error", err)
	}
	payload := buildPayload(b)
	payload["step"] = step
	f.m.pushEvent(statuspush.EventStepStarted, payload)
}

func (f *statusFanout) LogStarted(b *builder.Build, step, log string) {
	payload := buildPayload(b)
	payload["step"] = step
	payload["log"] = log
	f.m.pushEvent(statuspush.EventLogStarted, payload)
}

func (f *statusFanout) StepLog(b *builder.Build, step, stream, text string) {
	if err := f.m.deps.Store.AppendLog(b.BuilderName, b.Number, step, stream, text); err != nil {
		f.m.deps.Logger.Error("record step log", "builder", b.BuilderName, "step", step, "error", err)
	}
}

func (f *statusFanout) LogFinished(b *builder.Build, step, log string) {
	payload := buildPayload(b)
	payload["step"] = step
	payload["log"] = log
	f.m.pushEvent(statuspush.EventLogFinished, payload)
}

func (f *statusFanout) StepFinished(b *builder.Build, step string, result results.Code, text []string) {
	if err := f.m.deps.Store.FinishStep(b.BuilderName, b.Number, step, result, text); err != nil {
		f.m.deps.Logger.Error("record step finish", "builder", b.BuilderName, "step", step, "error", err)
	}
	payload := buildPayload(b)
	payload["step"] = step
	payload["results"] = int(result)
	payload["text"] = text
	f.m.pushEvent(statuspush.EventStepFinished, payload)
}

func (f *statusFanout) BuildFinished(b *builder.Build, result results.Code, text []string) {
	if err := f.m.deps.Store.FinishBuild(b.BuilderName, b.Number, result, text, time.Now().UTC()); err != nil {
		f.m.deps.Logger.Error("record build finish", "builder", b.BuilderName, "number", b.Number, "error", err)
	}
	payload := buildPayload(b)
	payload["results"] = int(result)
	payload["text"] = text
	f.m.pushEvent(statuspush.EventBuildFinished, payload)
}

func buildRecord(b *builder.Build) store.BuildRecord {
	rec := store.BuildRecord{
		Builder: b.BuilderName,
		Number:  b.Number,
		Branch:  b.Source.Branch,
	}
	if b.Source.Revision != nil {
		rec.Revision = *b.Source.Revision
	}
	if len(b.Requests) > 0 {
		rec.Reason = b.Requests[0].Reason
	}
	return rec
}

func buildPayload(b *builder.Build) map[string]any {
	payload := map[string]any{
		"builder": b.BuilderName,
		"number":  b.Number,
		"branch":  b.Source.Branch,
	}
	if len(b.Requests) > 0 {
		payload["reason"] = b.Requests[0].Reason
	}
	return payload
}
