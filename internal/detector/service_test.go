package detector

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/jerga/internal/bus"
	"github.com/loqalabs/jerga/internal/config"
	"github.com/loqalabs/jerga/internal/dictionary"
	"github.com/loqalabs/jerga/internal/eventstore"
	"github.com/loqalabs/jerga/internal/natsserver"
	"github.com/loqalabs/jerga/internal/protocol"
	"github.com/loqalabs/jerga/internal/slang"
	"github.com/nats-io/nats.go"
)

type fakeRecorder struct {
	mu         sync.Mutex
	utterances []eventstore.Utterance
}

func (f *fakeRecorder) RecordUtterance(_ context.Context, u eventstore.Utterance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utterances = append(f.utterances, u)
	return nil
}

func (f *fakeRecorder) snapshot() []eventstore.Utterance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]eventstore.Utterance(nil), f.utterances...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSet() *slang.Set {
	return slang.Build([]dictionary.Entry{
		{Term: "shipear", Definition: "emparejar a dos personas", Generation: dictionary.GenZ},
		{Term: "bro", Definition: "amigo", Generation: dictionary.Millennial},
	})
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := testLogger()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func receive(t *testing.T, ch <-chan *nats.Msg) protocol.FlaggedTranscript {
	t.Helper()
	select {
	case msg := <-ch:
		var out protocol.FlaggedTranscript
		if err := json.Unmarshal(msg.Data, &out); err != nil {
			t.Fatalf("decode flags: %v", err)
		}
		return out
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for slang.flags")
	}
	return protocol.FlaggedTranscript{}
}

func TestDetectBuildsFinalMessage(t *testing.T) {
	svc := NewService(context.Background(), config.DetectorConfig{Enabled: true}, nil, testSet(), nil, testLogger())
	out := svc.Detect(context.Background(), protocol.Transcript{SessionID: "s1", Text: "La gente chipea a ese bro"})

	if out.Type != protocol.TypeFinal || out.UtteranceID == "" || out.Timestamp.IsZero() {
		t.Fatalf("unexpected envelope %+v", out)
	}
	if len(out.Flags) != 2 {
		t.Fatalf("expected 2 flags, got %+v", out.Flags)
	}
	if out.Flags[0].Term != "shipear" || out.Flags[0].Start != 9 || out.Flags[0].End != 15 || out.Flags[0].Generation != "gen_z" {
		t.Fatalf("unexpected first flag %+v", out.Flags[0])
	}
	if out.Flags[1].Term != "bro" || out.Flags[1].Generation != "millennial" {
		t.Fatalf("unexpected second flag %+v", out.Flags[1])
	}
}

func TestFlagsNeverNil(t *testing.T) {
	if flags := Flags(nil); flags == nil || len(flags) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", flags)
	}
}

func TestServiceFlagsFinalsAndForwardsInterims(t *testing.T) {
	client := startBus(t)

	out := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectSlangFlags, out)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	recorder := &fakeRecorder{}
	svc := NewService(context.Background(), config.DetectorConfig{Enabled: true, ForwardInterim: true}, client, testSet(), recorder, testLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatal("expected healthy detector")
	}

	if err := client.PublishJSON(protocol.SubjectTranscriptPartial, protocol.Transcript{SessionID: "s1", Text: "la gente chipea", Partial: true}); err != nil {
		t.Fatalf("publish partial: %v", err)
	}
	interim := receive(t, out)
	if interim.Type != protocol.TypeInterim || interim.Text != "la gente chipea" || interim.Flags == nil || len(interim.Flags) != 0 {
		t.Fatalf("unexpected interim %+v", interim)
	}

	if err := client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "s1", Text: "la gente chipea mucho"}); err != nil {
		t.Fatalf("publish final: %v", err)
	}
	final := receive(t, out)
	if final.Type != protocol.TypeFinal || len(final.Flags) != 1 || final.Flags[0].Term != "shipear" {
		t.Fatalf("unexpected final %+v", final)
	}

	recorded := recorder.snapshot()
	if len(recorded) != 1 || recorded[0].ID != final.UtteranceID || recorded[0].SessionID != "s1" {
		t.Fatalf("unexpected recorded utterances %+v", recorded)
	}
}

func TestServiceSkipsInterimsWhenNotForwarding(t *testing.T) {
	client := startBus(t)

	out := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectSlangFlags, out)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	svc := NewService(context.Background(), config.DetectorConfig{Enabled: true}, client, testSet(), nil, testLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()

	_ = client.PublishJSON(protocol.SubjectTranscriptPartial, protocol.Transcript{SessionID: "s1", Text: "bro", Partial: true})
	_ = client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "s1", Text: "hola bro"})

	first := receive(t, out)
	if first.Type != protocol.TypeFinal || first.Text != "hola bro" {
		t.Fatalf("expected only the final to be published, got %+v", first)
	}
}
