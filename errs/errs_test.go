package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesContext(t *testing.T) {
	err := New(
		"bybit-stream",
		CodeProtocol,
		WithMessage("decode order frame"),
		WithTopic("order"),
		WithOrderID("1321003749386327552"),
		WithRawCode("10004"),
		WithRawMessage("error sign"),
		WithField("req_id", "req-123"),
		WithField("conn_id", "c-1"),
		WithCause(errors.New("unexpected end of JSON input")),
	)

	out := err.Error()
	for _, want := range []string{
		"component=bybit-stream",
		"code=protocol",
		"topic=order",
		"order_id=1321003749386327552",
		"message=\"decode order frame\"",
		"raw_code=\"10004\"",
		"meta=conn_id=\"c-1\",req_id=\"req-123\"",
		"cause=\"unexpected end of JSON input\"",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in error string: %s", want, out)
		}
	}
}

func TestErrorDefaultsUnknownComponent(t *testing.T) {
	err := New("  ", "")
	if got := err.Error(); got != "component=unknown code=unknown" {
		t.Fatalf("unexpected formatting: %s", got)
	}
	var nilErr *E
	if nilErr.Error() != "<nil>" {
		t.Fatalf("nil envelope should format as <nil>")
	}
}

func TestWithFieldIgnoresBlankKeys(t *testing.T) {
	err := New("store", CodeStorage, WithField(" ", "x"), WithField(" table ", " orders "))
	if len(err.Metadata) != 1 || err.Metadata["table"] != "orders" {
		t.Fatalf("unexpected metadata: %#v", err.Metadata)
	}
}

func TestCodeClassificationThroughWrapping(t *testing.T) {
	auth := New("bybit-stream", CodeAuth, WithMessage("invalid api key"))
	wrapped := fmt.Errorf("connect: %w", auth)

	if !Is(wrapped, CodeAuth) {
		t.Fatalf("expected wrapped error to carry auth code")
	}
	if IsTransient(wrapped) {
		t.Fatalf("auth failures must not be transient")
	}
	if !IsTransient(New("bybit-stream", CodeTransport)) {
		t.Fatalf("transport failures must be transient")
	}
	if !IsTransient(errors.New("connection reset")) {
		t.Fatalf("unclassified errors default to transient")
	}
	if IsTransient(nil) || Is(nil, CodeAuth) {
		t.Fatalf("nil error must not classify")
	}
	if !errors.Is(wrapped, auth) {
		t.Fatalf("errors.Is should see the envelope")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("pool closed")
	err := New("order-store", CodeStorage, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
}
