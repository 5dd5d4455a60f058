package bus

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tendant/proof-converter/pkg/schema"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) PublishJSON(string, any) error {
	f.calls++
	return errors.New("no responders")
}

func (f *failingPublisher) Close() {}

func TestEventsSubjects(t *testing.T) {
	mem := &Memory{}
	ev := NewEvents(mem, "proofs.converted", nil)

	ev.Lifecycle(schema.JobLifecycleEvent{JobID: "j1", Stage: schema.StageAccepted})
	ev.Lifecycle(schema.JobLifecycleEvent{JobID: "j1", Stage: schema.StageWritten})
	ev.Completed(schema.ProofConverted{ID: "j1", OriginalFile: "1-2.proof"})

	lifecycle := mem.Messages("proofs.converted.lifecycle")
	if len(lifecycle) != 2 {
		t.Fatalf("lifecycle events = %d, want 2", len(lifecycle))
	}
	var first schema.JobLifecycleEvent
	if err := json.Unmarshal(lifecycle[0].Data, &first); err != nil || first.Stage != schema.StageAccepted {
		t.Fatalf("unexpected first lifecycle event %s (%v)", lifecycle[0].Data, err)
	}

	done := mem.Messages("proofs.converted")
	if len(done) != 1 {
		t.Fatalf("completion events = %d, want 1", len(done))
	}
	var got schema.ProofConverted
	if err := json.Unmarshal(done[0].Data, &got); err != nil || got.OriginalFile != "1-2.proof" {
		t.Fatalf("unexpected completion event %s (%v)", done[0].Data, err)
	}
}

func TestEventsSwallowPublishErrors(t *testing.T) {
	pub := &failingPublisher{}
	ev := NewEvents(pub, "proofs.converted", nil)
	ev.Lifecycle(schema.JobLifecycleEvent{JobID: "j1"})
	ev.Completed(schema.ProofConverted{ID: "j1"})
	if pub.calls != 2 {
		t.Fatalf("publish calls = %d, want 2", pub.calls)
	}
}

func TestNilPublisherIsNop(t *testing.T) {
	ev := NewEvents(nil, "s", nil)
	ev.Completed(schema.ProofConverted{ID: "x"})
}

func TestConnectUnreachable(t *testing.T) {
	if _, err := Connect("nats://127.0.0.1:1", nil); err == nil {
		t.Fatal("expected connect error for unreachable server")
	}
}
