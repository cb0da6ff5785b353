package main

import (
	"context"
	"testing"
)

func TestParseVarFlags(t *testing.T) {
	vars, err := parseVarFlags([]string{"tenant=acme", "note=a=b"})
	if err != nil {
		t.Fatalf("parseVarFlags: %v", err)
	}
	if vars["tenant"] != "acme" {
		t.Errorf("tenant = %q, want acme", vars["tenant"])
	}
	// Only the first '=' splits.
	if vars["note"] != "a=b" {
		t.Errorf("note = %q, want a=b", vars["note"])
	}

	if _, err := parseVarFlags([]string{"malformed"}); err == nil {
		t.Error("expected error for flag without '='")
	}
}

func TestEnvVault(t *testing.T) {
	v := envVault{}
	t.Setenv("REPRISE_SECRET_API_TOKEN", "tok-123")

	val, found, err := v.Load(context.Background(), "r1", "api-token")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found || val != "tok-123" {
		t.Errorf("Load = %q, %v; want tok-123, true", val, found)
	}

	_, found, err = v.Load(context.Background(), "r1", "missing")
	if err != nil || found {
		t.Errorf("Load missing = found=%v err=%v, want absent", found, err)
	}

	if err := v.Save(context.Background(), "r1", "other", "s3cret"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	val, found, _ = v.Load(context.Background(), "r1", "other")
	if !found || val != "s3cret" {
		t.Errorf("round-trip = %q, %v", val, found)
	}
}
