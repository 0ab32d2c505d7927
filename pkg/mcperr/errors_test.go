package mcperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", New(KindNotFound, "server \"x\" is not connected"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("errors.Is(ErrNotFound) = false for %v", err)
	}
	if errors.Is(err, ErrConnection) {
		t.Fatalf("not-found error should not match ErrConnection")
	}
	if got := KindOf(err); got != KindNotFound {
		t.Fatalf("KindOf = %s, want %s", got, KindNotFound)
	}
}

func TestWrapKeepsExistingKind(t *testing.T) {
	t.Parallel()

	inner := New(KindAuthentication, "credential rejected")
	wrapped := Wrap(KindConnection, "connect", inner)
	if got := KindOf(wrapped); got != KindAuthentication {
		t.Fatalf("Wrap changed kind to %s", got)
	}
	if Wrap(KindConnection, "connect", nil) != nil {
		t.Fatalf("Wrap(nil) should be nil")
	}
	if got := KindOf(Wrap(KindProcess, "spawn", errors.New("boom"))); got != KindProcess {
		t.Fatalf("foreign error kind = %s", got)
	}
}

func TestKindOfForeignError(t *testing.T) {
	t.Parallel()

	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Fatalf("KindOf(plain) = %s", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %q", got)
	}
	if Is(nil, KindInternal) {
		t.Fatalf("Is(nil) should be false")
	}
}

func TestErrorText(t *testing.T) {
	t.Parallel()

	e := &Error{Kind: KindInstallation, Op: "install", Stage: "downloading", Message: "npm install failed", Err: errors.New("exit status 1")}
	if got, want := e.Error(), "install: npm install failed: exit status 1"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if got, want := Message(e), "npm install failed: exit status 1"; got != want {
		t.Fatalf("Message() = %q, want %q", got, want)
	}
	if got := (&Error{Kind: KindInternal}).Error(); got != "InternalError" {
		t.Fatalf("empty error text = %q", got)
	}
}

func TestMessageSkipsOperationPrefixes(t *testing.T) {
	t.Parallel()

	err := Wrap(KindConnection, "connect fs", New(KindAuthentication, "token rejected"))
	if got := Message(err); got != "token rejected" {
		t.Fatalf("Message() = %q", got)
	}
	if got := Message(errors.New("plain")); got != "plain" {
		t.Fatalf("Message(plain) = %q", got)
	}
}
