package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_Start(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/executions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.AgentID != "agent-1" || req.Input != "hello" {
			t.Errorf("request = %+v", req)
		}

		_ = json.NewEncoder(w).Encode(StartResponse{OperationID: "op-1", TopicID: "topic-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Start(context.Background(), StartRequest{
		RunID:      "r1",
		TestCaseID: "tc-1",
		AgentID:    "agent-1",
		Input:      "hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.OperationID != "op-1" || resp.TopicID != "topic-1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestClient_StartError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "unknown agent"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Start(context.Background(), StartRequest{AgentID: "nope"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "unknown agent") {
		t.Errorf("error %q should carry the server message", err)
	}
}

func TestClient_MissingBaseURL(t *testing.T) {
	_, err := NewClient("").Start(context.Background(), StartRequest{})
	if err == nil {
		t.Fatal("expected error without a base URL")
	}
}

func TestClient_Interrupt(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL).Interrupt(context.Background(), "op-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/executions/op-1/interrupt" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestClient_Transcript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/topics/topic-1/transcript" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("threadId"); got != "th-1" {
			t.Errorf("threadId = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"output": "the answer"})
	}))
	defer srv.Close()

	out, err := NewClient(srv.URL).Transcript(context.Background(), "topic-1", "th-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "the answer" {
		t.Errorf("transcript = %q", out)
	}
}

func TestClient_DeleteTopic(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "ok", status: http.StatusOK},
		{name: "no content", status: http.StatusNoContent},
		{name: "already gone", status: http.StatusNotFound},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete {
					t.Errorf("method = %s", r.Method)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewClient(srv.URL).DeleteTopic(context.Background(), "topic-1")
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
