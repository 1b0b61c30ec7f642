package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientActionSendsBody(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"operation":"reset_account"}`))
	}))
	defer srv.Close()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"reset", "Work", "--addr", srv.URL, "--no-reload"})
	if err := root.Execute(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if gotPath != "POST /api/accounts/work/reset" {
		t.Fatalf("unexpected request %q", gotPath)
	}
	if gotBody["backup"] != true || gotBody["reload"] != false {
		t.Fatalf("unexpected body %+v", gotBody)
	}
	if !strings.Contains(out.String(), `"success": true`) {
		t.Fatalf("expected indented result, got %q", out.String())
	}
}

func TestClientReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"success":false,"reason":"sign in again","category":"authentication","action":"reset_account"}`))
	}))
	defer srv.Close()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"reconnect", "work", "--addr", srv.URL})
	err := root.Execute()
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Message != "sign in again" || apiErr.Action != "reset_account" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if !strings.Contains(out.String(), "authentication") {
		t.Fatalf("expected failed body to be printed, got %q", out.String())
	}
}

func TestAccountPathRejectsInvalidID(t *testing.T) {
	if _, err := accountPath("", ""); err == nil {
		t.Fatalf("expected error for empty id")
	}
	path, err := accountPath(" Home ", "/backups")
	if err != nil {
		t.Fatalf("accountPath: %v", err)
	}
	if path != "/api/accounts/home/backups" {
		t.Fatalf("unexpected path %q", path)
	}
}
