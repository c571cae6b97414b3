package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pavelanni/examlink/internal/model"
)

const generatedJSON = `{"readingPassage":"","questions":[` +
	`{"type":"multiple_choice","content":"2+2=?","options":["3","4","5"],"answer":"B. 4","explanation":"Cộng","level":"Nhận biết"},` +
	`{"type":"open_ended","content":"Giải thích phép cộng","answer":"Nêu định nghĩa"},` +
	`{"type":"multiple_choice","content":"  ","options":["x"]}]}`

func newTestServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"test-model","object":"model"}]}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"error"}}`))
			return
		}
		resp := map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, modelName string) *Client {
	t.Helper()
	c, err := New(srv.URL+"/v1", "test-key", modelName)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGenerateQuestions(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, generatedJSON)
	c := newTestClient(t, srv, "test-model")

	gen, err := c.GenerateQuestions(context.Background(), GenerateRequest{
		Subject: "Toán", Grade: "3", NumMultipleChoice: 1, NumOpenEnded: 1,
	})
	if err != nil {
		t.Fatalf("GenerateQuestions: %v", err)
	}
	if len(gen.Questions) != 2 {
		t.Fatalf("got %d questions, want 2", len(gen.Questions))
	}

	q := gen.Questions[0]
	if q.Kind != model.KindMultipleChoice || len(q.Options) != 3 || q.Answer != "B. 4" {
		t.Errorf("first question = %+v", q)
	}
	if q.Level != model.LevelRecognition {
		t.Errorf("level = %q, want %q", q.Level, model.LevelRecognition)
	}
	if q.ID == "" {
		t.Error("question id should be generated")
	}

	open := gen.Questions[1]
	if open.Kind != model.KindOpenEnded || open.Options != nil {
		t.Errorf("second question = %+v", open)
	}
	if open.Level != model.DefaultLevel {
		t.Errorf("level = %q, want default", open.Level)
	}
}

func TestGenerateQuestionsErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"not found", http.StatusNotFound, "", KindModelNotFound},
		{"rate limited", http.StatusTooManyRequests, "", KindRateLimited},
		{"unauthorized", http.StatusUnauthorized, "", KindUnauthorized},
		{"not json", http.StatusOK, "here are your questions", KindBadResponse},
		{"no questions", http.StatusOK, `{"questions":[]}`, KindBadResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.status, tt.body)
			c := newTestClient(t, srv, "test-model")
			_, err := c.GenerateQuestions(context.Background(), GenerateRequest{Subject: "Toán", NumMultipleChoice: 1})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := KindOf(err); got != tt.want {
				t.Errorf("KindOf(%v) = %v, want %v", err, got, tt.want)
			}
		})
	}
}

func TestPing(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, "")

	if err := newTestClient(t, srv, "test-model").Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	err := newTestClient(t, srv, "other-model").Ping(context.Background())
	if KindOf(err) != KindModelNotFound {
		t.Errorf("Ping(other-model) = %v, want model not found", err)
	}
}

func TestParseGeneratedFenced(t *testing.T) {
	gen, err := parseGenerated("```json\n" + generatedJSON + "\n```")
	if err != nil {
		t.Fatalf("parseGenerated: %v", err)
	}
	if len(gen.Questions) != 2 {
		t.Errorf("got %d questions, want 2", len(gen.Questions))
	}
	if !strings.Contains(gen.Questions[0].Content, "2+2") {
		t.Errorf("content = %q", gen.Questions[0].Content)
	}
}

func TestNewRequiresModel(t *testing.T) {
	if _, err := New("", "key", ""); err == nil {
		t.Error("New without model should fail")
	}
}
