package domain

import (
	"errors"
	"testing"
)

func TestWrapErrorKeepsKindAndCause(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := WrapError(ErrInvalidImage, "decode", cause)

	if !IsKind(err, ErrInvalidImage) {
		t.Fatalf("expected ErrInvalidImage kind, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if IsKind(err, ErrInference) {
		t.Fatalf("did not expect ErrInference kind")
	}
	if got, want := err.Error(), "decode: invalid image: unexpected EOF"; got != want {
		t.Fatalf("unexpected message %q, want %q", got, want)
	}
}

func TestWrapErrorNil(t *testing.T) {
	if err := WrapError(ErrInvalidInput, "op", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
