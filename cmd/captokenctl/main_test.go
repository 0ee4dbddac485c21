package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRun_BadInvocationExitsTwo(t *testing.T) {
	got := run([]string{"issue", "--unknown-flag", "x"})
	if got != exitUsage {
		t.Fatalf("expected exit code %d, got %d", exitUsage, got)
	}
}

func TestRun_MissingRequiredFlagExitsFailure(t *testing.T) {
	// --subject is required by issue's RunE, not by cobra's own flag
	// parser, so this is an operational failure (exit 1), not a bad
	// invocation (exit 2).
	got := run([]string{"issue", "--tenant", "t1", "--capability", "c1", "--server", "http://127.0.0.1:0"})
	if got != exitFailure {
		t.Fatalf("expected exit code %d, got %d", exitFailure, got)
	}
}

func TestRun_UnknownCommandExitsUsage(t *testing.T) {
	got := run([]string{"frobnicate"})
	if got != exitUsage {
		t.Fatalf("expected exit code %d, got %d", exitUsage, got)
	}
}

func TestRun_VersionSucceeds(t *testing.T) {
	got := run([]string{"version"})
	if got != exitSuccess {
		t.Fatalf("expected exit code %d, got %d", exitSuccess, got)
	}
}

func TestRun_IssueAgainstFakeServerSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tokens" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(IssueResponse{Token: "tok_abc", TokenID: "id_abc"})
	}))
	defer srv.Close()

	got := run([]string{"issue", "--server", srv.URL, "--tenant", "t1", "--subject", "svc-a", "--capability", "payments.execute"})
	if got != exitSuccess {
		t.Fatalf("expected exit code %d, got %d", exitSuccess, got)
	}
}

func TestRun_VerifyRejectedIsOperationalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(VerifyResponse{Valid: false, Error: "expired"})
	}))
	defer srv.Close()

	got := run([]string{"verify", "--server", srv.URL, "--tenant", "t1", "--token", "tok_abc"})
	if got != exitFailure {
		t.Fatalf("expected exit code %d, got %d", exitFailure, got)
	}
}

func TestRun_ServerUnreachableIsOperationalFailure(t *testing.T) {
	got := run([]string{"revoke", "--server", "http://127.0.0.1:1", "--token-id", "id_abc"})
	if got != exitFailure {
		t.Fatalf("expected exit code %d, got %d", exitFailure, got)
	}
}

func TestIsUsageError(t *testing.T) {
	cases := map[string]bool{
		"unknown command \"frob\" for \"captokenctl\"": true,
		"unknown flag: --bogus":                        true,
		"--subject is required":                        false,
		"some other runtime failure":                   false,
	}
	for msg, want := range cases {
		err := errorString(msg)
		if got := isUsageError(err); got != want {
			t.Fatalf("isUsageError(%q) = %v, want %v", msg, got, want)
		}
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }

func TestNewRootCmd_HasAllSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[strings.Split(c.Use, " ")[0]] = true
	}
	for _, want := range []string{"version", "issue", "verify", "revoke", "cleanup", "rules", "policy"} {
		if !names[want] {
			t.Fatalf("expected subcommand %q to be registered", want)
		}
	}
}
