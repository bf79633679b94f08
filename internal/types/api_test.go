package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestManufacturerJSONFieldNames(t *testing.T) {
	m := Manufacturer{
		Code:       "PT_CAT1095",
		Name:       "Henny Penny",
		URI:        "henny-penny",
		ModelCount: 42,
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Failed to marshal manufacturer: %v", err)
	}

	jsonStr := string(data)
	for _, field := range []string{`"code"`, `"name"`, `"uri"`, `"modelCount"`} {
		if !strings.Contains(jsonStr, field) {
			t.Errorf("Expected field %s in JSON output: %s", field, jsonStr)
		}
	}
}

func TestManufacturerModelCountOmitted(t *testing.T) {
	data, err := json.Marshal(Manufacturer{Code: "X", Name: "X", URI: "x"})
	if err != nil {
		t.Fatalf("Failed to marshal manufacturer: %v", err)
	}
	if strings.Contains(string(data), "modelCount") {
		t.Errorf("Expected modelCount omitted when zero: %s", data)
	}
}

func TestRecordKeysFoldCase(t *testing.T) {
	if (Manufacturer{URI: "Henny-Penny"}).Key() != (Manufacturer{URI: "henny-penny"}).Key() {
		t.Error("Manufacturer keys should be case-insensitive")
	}
	if (Model{Code: "PF500"}).Key() != (Model{Code: "pf500"}).Key() {
		t.Error("Model keys should be case-insensitive")
	}
	if (Manual{Link: "/modelManual/A_spm.pdf"}).Key() != (Manual{Link: "/modelmanual/a_spm.pdf"}).Key() {
		t.Error("Manual keys should be case-insensitive")
	}
}

func TestValidStrategy(t *testing.T) {
	for _, s := range []string{StrategyAuto, StrategyDirect, StrategyRendered} {
		if !ValidStrategy(s) {
			t.Errorf("ValidStrategy(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "browser", "AUTO", "render"} {
		if ValidStrategy(s) {
			t.Errorf("ValidStrategy(%q) = true, want false", s)
		}
	}
}

func TestFetchErrorUnwrapping(t *testing.T) {
	cases := []struct {
		err      *FetchError
		sentinel error
		reason   FailReason
	}{
		{NewTimeoutError("https://x/parts", StrategyDirect), ErrFetchTimeout, ReasonTimeout},
		{NewBotChallengeError("https://x/parts"), ErrBotChallenge, ReasonBotChallenge},
		{NewNotFoundError("https://x/parts", StrategyRendered), ErrNotFound, ReasonNotFound},
		{NewMalformedContentError("https://x/parts", StrategyDirect, "empty body"), ErrMalformedContent, ReasonMalformedContent},
	}

	for _, c := range cases {
		if !errors.Is(c.err, c.sentinel) {
			t.Errorf("%v: errors.Is sentinel check failed", c.reason)
		}
		var fe *FetchError
		if !errors.As(error(c.err), &fe) {
			t.Fatalf("%v: errors.As failed", c.reason)
		}
		if fe.Reason != c.reason {
			t.Errorf("Reason = %v, want %v", fe.Reason, c.reason)
		}
		if fe.Error() == "" {
			t.Errorf("%v: empty error message", c.reason)
		}
	}
}

func TestPoolErrorUnwrapping(t *testing.T) {
	err := NewPoolAcquireError("timed out", ErrPoolTimeout)
	if !errors.Is(err, ErrPoolTimeout) {
		t.Error("expected ErrPoolTimeout in chain")
	}
	if err.Operation != "acquire" {
		t.Errorf("Operation = %q", err.Operation)
	}
}

func TestErrorResponseShape(t *testing.T) {
	data, err := json.Marshal(ErrorResponse{Status: StatusError, Message: "nope"})
	if err != nil {
		t.Fatalf("Failed to marshal error response: %v", err)
	}
	jsonStr := string(data)
	if !strings.Contains(jsonStr, `"status":"error"`) {
		t.Errorf("Expected error status: %s", jsonStr)
	}
	if strings.Contains(jsonStr, "reason") {
		t.Errorf("Expected reason omitted when empty: %s", jsonStr)
	}
}
