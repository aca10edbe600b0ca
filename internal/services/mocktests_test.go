package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"mocktest-ai/internal/assembler"
	"mocktest-ai/internal/db"
	"mocktest-ai/internal/keypool"
	"mocktest-ai/internal/models"
)

func fullMockTestJSON(t *testing.T, total int) string {
	t.Helper()
	doc := &models.MockTest{
		ExamDetails: models.ExamDetails{
			Title:          "Generated Mock Test",
			Subject:        "Mathematics",
			TotalQuestions: models.FlexInt(total),
		},
		Sections: []models.Section{{Name: "Section A"}},
	}
	for n := 1; n <= total; n++ {
		doc.Sections[0].Questions = append(doc.Sections[0].Questions, models.Question{
			Number:   models.FlexInt(n),
			Text:     fmt.Sprintf("Question %d", n),
			Options:  []string{"A", "B", "C", "D"},
			Answer:   "A",
			Solution: "Worked solution.",
		})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal doc: %v", err)
	}
	return string(data)
}

// completionServer wraps content into an OpenAI chat completion response.
func completionServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"model":  "test-model",
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]any{"role": "assistant", "content": content},
					"finish_reason": "stop",
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func newTestService(t *testing.T, serverURL string) *MockTestService {
	t.Helper()

	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	pool, err := keypool.New([]string{"sk-test-aaaaaaaa"})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	gen := NewGeneratorService(pool, "test-model", serverURL+"/v1", 0)
	syllabus := NewSyllabusService(conn, t.TempDir())
	return NewMockTestService(conn, gen, syllabus, t.TempDir(), 2, 2)
}

func TestGenerateBatch(t *testing.T) {
	server := completionServer(t, fullMockTestJSON(t, 3))
	defer server.Close()

	svc := newTestService(t, server.URL)

	var progressCalls atomic.Int64
	outcomes, err := svc.GenerateBatch(context.Background(), GenerateRequest{
		Count:            2,
		Subject:          "Mathematics",
		QuestionsPerTest: 3,
	}, func(index int, step, message string, current, total int) {
		progressCalls.Add(1)
	})
	if err != nil {
		t.Fatalf("GenerateBatch failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if progressCalls.Load() == 0 {
		t.Error("expected progress callbacks")
	}

	for _, outcome := range outcomes {
		if outcome.Err != nil {
			t.Fatalf("mock %d failed: %v", outcome.Index, outcome.Err)
		}
		if outcome.Record == nil || outcome.Record.Status != models.MockTestComplete {
			t.Errorf("mock %d: expected complete record, got %+v", outcome.Index, outcome.Record)
		}
		if outcome.HTMLPath == "" {
			t.Errorf("mock %d: expected rendered html path", outcome.Index)
		}
	}

	records, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 persisted mock tests, got %d", len(records))
	}

	rec, err := svc.Get(context.Background(), records[0].ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	doc, err := svc.Document(rec)
	if err != nil {
		t.Fatalf("Document failed: %v", err)
	}
	if doc.QuestionCount() != 3 {
		t.Errorf("expected 3 questions in stored payload, got %d", doc.QuestionCount())
	}

	// The batch snapshots per-credential counters for diagnostics.
	var successes int
	if err := svc.db.QueryRow(`SELECT success_count FROM key_usage WHERE key_index = 0;`).Scan(&successes); err != nil {
		t.Fatalf("query key usage: %v", err)
	}
	if successes != 2 {
		t.Errorf("expected 2 recorded successes for key 0, got %d", successes)
	}
}

func TestGenerateBatch_InvalidCount(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:0")
	if _, err := svc.GenerateBatch(context.Background(), GenerateRequest{Count: 0}, nil); err == nil {
		t.Fatal("expected error for zero count")
	}
}

func TestSalvageable(t *testing.T) {
	partial := &models.MockTest{Sections: []models.Section{{Questions: []models.Question{{Number: 1}}}}}

	cases := []struct {
		name string
		err  *assembler.AssemblyError
		want bool
	}{
		{"NilPartial", &assembler.AssemblyError{Have: 5, Want: 10}, false},
		{"NothingAccumulated", &assembler.AssemblyError{Partial: partial, Have: 0, Want: 10}, false},
		{"UnknownTotal", &assembler.AssemblyError{Partial: partial, Have: 4, Want: 0}, true},
		{"ExactlyHalf", &assembler.AssemblyError{Partial: partial, Have: 5, Want: 10}, true},
		{"BelowHalf", &assembler.AssemblyError{Partial: partial, Have: 4, Want: 10}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := salvageable(tc.err); got != tc.want {
				t.Errorf("salvageable(%+v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestInitialPrompt(t *testing.T) {
	svc := &MockTestService{}
	prompt := svc.initialPrompt(2, GenerateRequest{
		Count:            3,
		Subject:          "Chemistry",
		Topics:           []string{"Bonding", "Kinetics"},
		QuestionsPerTest: 15,
		DurationMinutes:  45,
	}, "syllabus text here")

	for _, want := range []string{
		"exactly 15",
		"Chemistry",
		"Bonding, Kinetics",
		"45 minutes",
		"paper 2",
		"syllabus text here",
		"continuation_needed",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("initial prompt missing %q", want)
		}
	}
}

func TestContinuationPrompt(t *testing.T) {
	svc := &MockTestService{}
	partial := &models.MockTest{
		ExamDetails: models.ExamDetails{TotalQuestions: 10},
		Sections: []models.Section{{Questions: []models.Question{
			{Number: 3}, {Number: 1}, {Number: 2},
		}}},
	}

	prompt := svc.continuationPrompt(GenerateRequest{QuestionsPerTest: 10}, partial)
	if !strings.Contains(prompt, "1, 2, 3") {
		t.Errorf("continuation prompt should list sorted accumulated numbers, got %q", prompt)
	}
	if !strings.Contains(prompt, "10 questions in total") {
		t.Errorf("continuation prompt should state the total, got %q", prompt)
	}
	if !strings.Contains(prompt, "ONLY the missing questions") {
		t.Errorf("continuation prompt should forbid repeats, got %q", prompt)
	}
}
