package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/dejabot/deja/internal/gate"
	"github.com/dejabot/deja/internal/ingest"
	"github.com/dejabot/deja/internal/storage"
	"github.com/dejabot/deja/internal/transport"
)

type fakeMessages map[string]storage.Message

func (m fakeMessages) GetMessage(id string) (storage.Message, error) {
	msg, ok := m[id]
	if !ok {
		return storage.Message{}, storage.ErrNotFound
	}
	return msg, nil
}

type fakeIngestor struct {
	got ingest.InboundMessage
	err error
}

func (f *fakeIngestor) Ingest(ctx context.Context, in ingest.InboundMessage) (storage.Message, error) {
	f.got = in
	return storage.Message{ID: in.MessageID}, f.err
}

type fakeUpdater struct {
	got string
	err error
}

func (f *fakeUpdater) HandleBufferUpdate(ctx context.Context, messageID string) error {
	f.got = messageID
	return f.err
}

type fakeDecider struct {
	out gate.Outcome
	err error
	got storage.Message
}

func (f *fakeDecider) Decide(ctx context.Context, msg storage.Message) (gate.Outcome, error) {
	f.got = msg
	return f.out, f.err
}

type fakePayloader struct {
	payload transport.OutboundMessage
	gotMsg  storage.Message
	gotOut  gate.Outcome
	called  bool
}

func (f *fakePayloader) Compose(trigger storage.Message, out gate.Outcome) transport.OutboundMessage {
	f.called = true
	f.gotMsg = trigger
	f.gotOut = out
	return f.payload
}

type fakeSender struct {
	sent []transport.OutboundMessage
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg transport.OutboundMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type dispatchEnv struct {
	messages fakeMessages
	ingestor *fakeIngestor
	updater  *fakeUpdater
	decider  *fakeDecider
	composer *fakePayloader
	sender   *fakeSender
}

func newDispatchEnv() *dispatchEnv {
	return &dispatchEnv{
		messages: fakeMessages{},
		ingestor: &fakeIngestor{},
		updater:  &fakeUpdater{},
		decider:  &fakeDecider{},
		composer: &fakePayloader{},
		sender:   &fakeSender{},
	}
}

func (e *dispatchEnv) dispatcher() *Dispatcher {
	return NewDispatcher(e.messages, e.ingestor, e.updater, e.decider, e.composer, e.sender)
}

func job(jobType, payload string) *storage.Job {
	return &storage.Job{ID: "j1", Type: jobType, GroupID: "g1", PayloadJSON: payload}
}

func TestDispatchIngest(t *testing.T) {
	env := newDispatchEnv()
	payload := `{"message_id": "m1", "group_id": "g1", "sender": "+155501", "text": "hello"}`

	if err := env.dispatcher().Handle(context.Background(), job(storage.JobIngest, payload)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if env.ingestor.got.MessageID != "m1" || env.ingestor.got.GroupID != "g1" || env.ingestor.got.Text != "hello" {
		t.Fatalf("ingestor got %+v", env.ingestor.got)
	}
}

func TestDispatchBufferUpdate(t *testing.T) {
	env := newDispatchEnv()

	if err := env.dispatcher().Handle(context.Background(), job(storage.JobBufferUpdate, `{"message_id": "m7"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if env.updater.got != "m7" {
		t.Fatalf("updater got %q, want m7", env.updater.got)
	}
}

func TestDispatchMaybeRespondSendsReply(t *testing.T) {
	env := newDispatchEnv()
	env.messages["m3"] = storage.Message{ID: "m3", GroupID: "g1", SenderFP: "fp-asker"}
	env.decider.out = gate.Outcome{State: gate.StateResponded, Reason: gate.ReasonGrounded, Text: "do Y", Citations: []string{"c1"}}
	env.composer.payload = transport.OutboundMessage{GroupID: "g1", Text: "do Y", QuoteMessageID: "m2", MentionSenderFP: "fp-asker"}

	if err := env.dispatcher().Handle(context.Background(), job(storage.JobMaybeRespond, `{"message_id": "m3"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if env.decider.got.ID != "m3" {
		t.Fatalf("decider got message %q, want m3", env.decider.got.ID)
	}
	if !env.composer.called || env.composer.gotOut.Text != "do Y" {
		t.Fatal("composer should receive the responded outcome")
	}
	if len(env.sender.sent) != 1 || env.sender.sent[0].QuoteMessageID != "m2" {
		t.Fatalf("sent = %+v, want the composed payload", env.sender.sent)
	}
}

func TestDispatchMaybeRespondSilentOutcome(t *testing.T) {
	for _, state := range []string{gate.StateIgnored, gate.StateDeclined} {
		env := newDispatchEnv()
		env.messages["m3"] = storage.Message{ID: "m3", GroupID: "g1"}
		env.decider.out = gate.Outcome{State: state, Reason: gate.ReasonNotConsidered}

		if err := env.dispatcher().Handle(context.Background(), job(storage.JobMaybeRespond, `{"message_id": "m3"}`)); err != nil {
			t.Fatalf("Handle(%s): %v", state, err)
		}
		if env.composer.called {
			t.Fatalf("composer called on %s outcome", state)
		}
		if len(env.sender.sent) != 0 {
			t.Fatalf("sender called on %s outcome", state)
		}
	}
}

func TestDispatchMaybeRespondSendFailureFailsJob(t *testing.T) {
	env := newDispatchEnv()
	env.messages["m3"] = storage.Message{ID: "m3", GroupID: "g1"}
	env.decider.out = gate.Outcome{State: gate.StateResponded, Text: "do Y"}
	env.sender.err = errors.New("bridge down")

	if err := env.dispatcher().Handle(context.Background(), job(storage.JobMaybeRespond, `{"message_id": "m3"}`)); err == nil {
		t.Fatal("send failure should fail the job for retry")
	}
}

func TestDispatchMaybeRespondGateErrorFailsJob(t *testing.T) {
	env := newDispatchEnv()
	env.messages["m3"] = storage.Message{ID: "m3", GroupID: "g1"}
	env.decider.err = errors.New("embedder down")

	if err := env.dispatcher().Handle(context.Background(), job(storage.JobMaybeRespond, `{"message_id": "m3"}`)); err == nil {
		t.Fatal("gate infrastructure errors should fail the job")
	}
}

func TestDispatchUnknownType(t *testing.T) {
	env := newDispatchEnv()
	if err := env.dispatcher().Handle(context.Background(), job("REPORT", `{}`)); err == nil {
		t.Fatal("unknown job type should error")
	}
}

func TestDispatchMalformedPayload(t *testing.T) {
	env := newDispatchEnv()
	for _, jobType := range []string{storage.JobIngest, storage.JobBufferUpdate, storage.JobMaybeRespond} {
		if err := env.dispatcher().Handle(context.Background(), job(jobType, `{not json`)); err == nil {
			t.Fatalf("malformed %s payload should error", jobType)
		}
	}
}
