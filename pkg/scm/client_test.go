package scm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing auth header")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"full_name":"me/repo"}`))
	}))
	defer server.Close()

	client := NewClient(map[string]string{"Authorization": "Bearer tok"})
	resp, err := client.Request(context.Background(), http.MethodGet, server.URL, nil, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	var payload struct {
		FullName string `json:"full_name"`
	}
	if err := resp.JSON(&payload); err != nil {
		t.Fatalf("json: %v", err)
	}
	if payload.FullName != "me/repo" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRequestUnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"nope"}`))
	}))
	defer server.Close()

	client := NewClient(nil)
	_, err := client.Request(context.Background(), http.MethodGet, server.URL, nil, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Status != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", reqErr.Status)
	}
	if reqErr.URL != server.URL {
		t.Fatalf("expected url to be carried, got %q", reqErr.URL)
	}
}

func TestRequestCreateExpects201(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(nil)
	resp, err := client.Request(context.Background(), http.MethodPost, server.URL, nil, map[string]string{"name": "hook"}, http.StatusOK, http.StatusCreated)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Status)
	}
}
