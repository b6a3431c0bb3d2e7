package main

import "testing"

func TestRunActivateRequiresExactlyOneArg(t *testing.T) {
	if err := runActivate(nil); err == nil {
		t.Error("expected an error with no arguments")
	}
	if err := runActivate([]string{"a", "b"}); err == nil {
		t.Error("expected an error with more than one argument")
	}
}

func TestRunActivateRejectsInvalidKey(t *testing.T) {
	if err := runActivate([]string{"not-a-valid-license-key"}); err == nil {
		t.Error("expected an error for a malformed license key")
	}
}
