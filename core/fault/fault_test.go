package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	err := New(CodeValidation, "expiry must be positive, got %d", -5)
	if CodeOf(err) != CodeValidation {
		t.Errorf("CodeOf = %q, want %q", CodeOf(err), CodeValidation)
	}
	if CodeOf(nil) != "" {
		t.Errorf("CodeOf(nil) = %q, want empty", CodeOf(nil))
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Errorf("plain error should map to %q", CodeInternal)
	}
}

func TestCodeOf_Wrapped(t *testing.T) {
	inner := Wrap(CodeDatabase, errors.New("disk full"))
	outer := fmt.Errorf("saving grant: %w", inner)

	if CodeOf(outer) != CodeDatabase {
		t.Errorf("CodeOf through wrap = %q, want %q", CodeOf(outer), CodeDatabase)
	}
	if !IsCode(outer, CodeDatabase) {
		t.Error("IsCode should see through fmt.Errorf wrapping")
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(CodeCrypto, nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestUnwrap(t *testing.T) {
	sentinel := errors.New("not a contact")
	f := Wrap(CodeUnauthorized, sentinel)
	if !errors.Is(f, sentinel) {
		t.Error("errors.Is should find the wrapped sentinel")
	}
}

func TestError_Message(t *testing.T) {
	f := New(CodeNotFound, "grant %s", "abc")
	if f.Error() != "NOT_FOUND: grant abc" {
		t.Errorf("Error() = %q", f.Error())
	}
	w := Wrap(CodeCrypto, errors.New("bad signature"))
	if w.Error() != "CRYPTO_ERROR: bad signature" {
		t.Errorf("Error() = %q", w.Error())
	}
}

func TestCode_Critical(t *testing.T) {
	if !CodeDatabase.Critical() {
		t.Error("DATABASE_ERROR should be critical")
	}
	if !CodeInternal.Critical() {
		t.Error("INTERNAL_ERROR should be critical")
	}
	if CodeNetworkTimeout.Critical() {
		t.Error("network timeout should be recoverable")
	}
	if CodeCrypto.Critical() {
		t.Error("crypto errors drop the message, they do not halt the subsystem")
	}
}
