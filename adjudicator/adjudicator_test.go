package adjudicator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name      string
		in        string
		score     int
		rationale string
		fallback  bool
	}{
		{name: "plain json", in: `{"score": 80, "rationale": "photos match"}`, score: 80, rationale: "photos match"},
		{name: "fenced", in: "```json\n{\"score\": 45, \"rationale\": \"blurry\"}\n```", score: 45, rationale: "blurry"},
		{name: "prose around", in: `Sure! {"score":"72","reason":"looks done"} hope that helps`, score: 72, rationale: "looks done"},
		{name: "clamped high", in: `{"score": 140}`, score: 100},
		{name: "clamped low", in: `{"score": -3, "rationale": "x"}`, score: 0, rationale: "x"},
		{name: "rounded", in: `{"score": 59.6}`, score: 60},
		{name: "brace in string", in: `{"rationale": "used {curly} words", "score": 61}`, score: 61, rationale: "used {curly} words"},
		{name: "no json", in: "I cannot decide.", fallback: true},
		{name: "missing score", in: `{"rationale": "?"}`, fallback: true},
		{name: "bad score", in: `{"score": "high"}`, fallback: true},
		{name: "truncated", in: `{"score": 90, "rationale": "cut`, fallback: true},
		{name: "empty", in: "", fallback: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := ParseVerdict(tc.in)
			if tc.fallback {
				if v.Score != 0 {
					t.Fatalf("expected fallback score 0, got %d", v.Score)
				}
				if !strings.HasPrefix(v.Rationale, "unparseable adjudicator response") {
					t.Fatalf("expected diagnostic rationale, got %q", v.Rationale)
				}
				return
			}
			if v.Score != tc.score {
				t.Fatalf("expected score %d, got %d", tc.score, v.Score)
			}
			if v.Rationale != tc.rationale {
				t.Fatalf("expected rationale %q, got %q", tc.rationale, v.Rationale)
			}
		})
	}
}

type stubProvider struct {
	reply  string
	err    error
	prompt string
}

func (s *stubProvider) Complete(_ context.Context, _, prompt string) (string, error) {
	s.prompt = prompt
	return s.reply, s.err
}

func TestJudge_ReviewRendersSummary(t *testing.T) {
	stub := &stubProvider{reply: `{"score": 66, "rationale": "ok"}`}
	judge := NewJudge(stub)

	v, err := judge.Review(context.Background(), Summary{
		FlakeID:          "f-1",
		Title:            "Run 5k",
		VerificationType: "ai",
		Stake:            "10",
		Deadline:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Participants:     2,
		AttestationCount: 1,
		Evidence: []EvidenceItem{
			{CID: "bafy1", UploaderID: "alice", MimeType: "image/png", Size: 10, Title: "finish line"},
		},
	})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if v.Score != 66 {
		t.Fatalf("expected score 66, got %d", v.Score)
	}
	for _, want := range []string{"Run 5k", "Participants: 2", "Attestations so far: 1", "finish line", "cid=bafy1"} {
		if !strings.Contains(stub.prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, stub.prompt)
		}
	}
}

func TestJudge_ProviderErrorIsUpstream(t *testing.T) {
	judge := NewJudge(&stubProvider{err: errors.New("connection reset")})
	if _, err := judge.Analyze(context.Background(), "prompt"); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestOpenAIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) != 2 {
			t.Errorf("unexpected request body: %v", err)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"score\":80,\"rationale\":\"done\"}"}}]}`))
	}))
	defer srv.Close()

	p, err := NewProvider(FactoryConfig{Provider: "openai", OpenAIKey: "sk-test", Endpoint: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	v, err := NewJudge(p).Analyze(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if v.Score != 80 || v.Rationale != "done" {
		t.Fatalf("unexpected verdict %+v", v)
	}
}

func TestAnthropicProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "ak-test" || r.Header.Get("anthropic-version") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"{\"score\": 30, \"rationale\": \"no proof\"}"}]}`))
	}))
	defer srv.Close()

	p, err := NewProvider(FactoryConfig{Provider: "anthropic", AnthropicKey: "ak-test", Endpoint: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	v, err := NewJudge(p).Analyze(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if v.Score != 30 {
		t.Fatalf("expected score 30, got %d", v.Score)
	}
}

func TestProvider_HTTPErrorIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := NewProvider(FactoryConfig{OpenAIKey: "wrong", Endpoint: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := NewJudge(p).Analyze(context.Background(), "prompt"); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestNewProvider_Validation(t *testing.T) {
	if _, err := NewProvider(FactoryConfig{Provider: "anthropic"}); err == nil {
		t.Fatal("expected error for missing anthropic key")
	}
	if _, err := NewProvider(FactoryConfig{Provider: "grok", OpenAIKey: "x"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
