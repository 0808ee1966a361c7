package pubsub

import (
	"errors"
	"testing"
)

func TestSealParseOpen(t *testing.T) {
	type toast struct {
		Title string `json:"title"`
	}
	env, err := Seal(KindToast, "doc1", "proc-a", toast{Title: "New appointment"})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if env.SentAt.IsZero() || !env.From("proc-a") || env.From("proc-b") || env.From("") {
		t.Fatalf("envelope = %+v", env)
	}

	wire := []byte(`{"kind":"toast","specialist":"doc1","origin":"proc-a","body":{"title":"New appointment"}}`)
	got, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var body toast
	if err := got.Open(&body); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got.Specialist != "doc1" || body.Title != "New appointment" {
		t.Errorf("parsed = %+v / %+v", got, body)
	}
}

func TestParseRejects(t *testing.T) {
	if _, err := Parse([]byte(`{"specialist":"doc1"}`)); !errors.Is(err, ErrNoKind) {
		t.Errorf("missing kind err = %v", err)
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Error("expected error for garbage")
	}
}

func TestSubscriptionCloseOnce(t *testing.T) {
	calls := 0
	sub := NewSubscription(make(chan *Envelope), func() error {
		calls++
		return errors.New("closed")
	})
	first := sub.Close()
	second := sub.Close()
	if calls != 1 || first == nil || first != second {
		t.Errorf("calls = %d, errs = %v / %v", calls, first, second)
	}
}

func TestAlertsChannel(t *testing.T) {
	if got := AlertsChannel("derma", "doc1"); got != "derma:specialist:doc1:alerts" {
		t.Errorf("got %q", got)
	}
	if got := AlertsChannel("derma", ""); got != "derma:specialist:anonymous:alerts" {
		t.Errorf("got %q", got)
	}
}
