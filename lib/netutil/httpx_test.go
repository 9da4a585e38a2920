// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"strings"
	"testing"
)

func TestReadResponse(t *testing.T) {
	data, err := ReadResponse(strings.NewReader(`{"session_id":"s-1"}`))
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if string(data) != `{"session_id":"s-1"}` {
		t.Errorf("ReadResponse = %q", data)
	}
}

func TestDecodeResponse(t *testing.T) {
	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := DecodeResponse(strings.NewReader(`{"session_id":"s-1"}`), &result); err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if result.SessionID != "s-1" {
		t.Errorf("SessionID = %q, want %q", result.SessionID, "s-1")
	}
}

func TestDecodeResponseInvalidJSON(t *testing.T) {
	var result map[string]any
	if err := DecodeResponse(strings.NewReader("not json"), &result); err == nil {
		t.Error("DecodeResponse should reject invalid JSON")
	}
}

func TestErrorBody(t *testing.T) {
	if got := ErrorBody(strings.NewReader("capacity exhausted")); got != "capacity exhausted" {
		t.Errorf("ErrorBody = %q", got)
	}
	if got := ErrorBody(strings.NewReader("")); got != "" {
		t.Errorf("ErrorBody on empty = %q", got)
	}
}
