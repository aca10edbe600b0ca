package assembler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"mocktest-ai/internal/models"
)

func sampleDoc(total int, numbers ...int) *models.MockTest {
	doc := &models.MockTest{
		ExamDetails: models.ExamDetails{
			Title:          "Algebra Mock Test",
			Subject:        "Mathematics",
			TotalQuestions: models.FlexInt(total),
		},
		Sections: []models.Section{{Name: "Section A"}},
	}
	for _, n := range numbers {
		doc.Sections[0].Questions = append(doc.Sections[0].Questions, models.Question{
			Number:   models.FlexInt(n),
			Text:     fmt.Sprintf("Question %d", n),
			Options:  []string{"A", "B", "C", "D"},
			Answer:   "A",
			Solution: "Because A.",
		})
	}
	return doc
}

func TestExtractJSON(t *testing.T) {
	t.Run("Fenced", func(t *testing.T) {
		raw := "```json\n{\"sections\":[]}\n```"
		if got := ExtractJSON(raw); got != `{"sections":[]}` {
			t.Errorf("unexpected extraction: %q", got)
		}
	})

	t.Run("UnclosedFence", func(t *testing.T) {
		raw := "```json\n{\"sections\":[]}"
		if got := ExtractJSON(raw); got != `{"sections":[]}` {
			t.Errorf("unexpected extraction: %q", got)
		}
	})

	t.Run("SurroundingProse", func(t *testing.T) {
		raw := "Here is your test:\n{\"sections\":[]}\nLet me know if you need more."
		if got := ExtractJSON(raw); got != `{"sections":[]}` {
			t.Errorf("unexpected extraction: %q", got)
		}
	})

	t.Run("TruncatedWithoutClosingBrace", func(t *testing.T) {
		raw := "intro {\"examDetails\":{\"title\":\"T"
		if got := ExtractJSON(raw); !strings.HasPrefix(got, "{\"examDetails\"") {
			t.Errorf("expected tail kept from first brace, got %q", got)
		}
	})
}

func TestParse_Valid(t *testing.T) {
	data, err := json.Marshal(sampleDoc(2, 1, 2))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	doc, err := Parse("```json\n" + string(data) + "\n```")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if doc.QuestionCount() != 2 {
		t.Errorf("expected 2 questions, got %d", doc.QuestionCount())
	}
	if doc.ExamDetails.Title != "Algebra Mock Test" {
		t.Errorf("unexpected title %q", doc.ExamDetails.Title)
	}
}

func TestParse_RepairTruncatedClosers(t *testing.T) {
	data, err := json.Marshal(sampleDoc(3, 1, 2, 3))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// Drop the trailing closing delimiters, as if the response was cut off
	// right after the last complete question. The payload ends with the
	// closers for the questions array, the section object, the sections
	// array, and the root object.
	text := string(data)
	truncated := text[:len(text)-3]

	doc, perr := Parse(truncated)
	if perr != nil {
		t.Fatalf("Parse failed to repair truncated json: %v", perr)
	}
	if doc.QuestionCount() != 3 {
		t.Errorf("expected all 3 fully-present questions recovered, got %d", doc.QuestionCount())
	}
}

func TestParse_RepairMidItem(t *testing.T) {
	// Cut off inside question 2. Question 1 must survive; the fragment of
	// question 2 is dropped by the brace-window extraction.
	raw := `{"examDetails":{"totalQuestions":5},"sections":[{"name":"A","questions":[` +
		`{"number":1,"question":"Q1","options":["A","B"],"answer":"A","solution":"s"},` +
		`{"number":2,"question":"Q2 is about the`

	doc, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if doc.QuestionCount() != 1 {
		t.Errorf("expected 1 intact question, got %d", doc.QuestionCount())
	}
	if int(doc.Sections[0].Questions[0].Number) != 1 {
		t.Errorf("wrong question survived: %+v", doc.Sections[0].Questions[0])
	}
}

func TestParse_Failure(t *testing.T) {
	long := "not json at all " + strings.Repeat("x", 1000)
	_, err := Parse(long)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %T", err)
	}
	if len(perr.Preview) > 500 {
		t.Errorf("preview too long: %d characters", len(perr.Preview))
	}
	if perr.Preview == "" {
		t.Error("preview should carry the head of the raw response")
	}
}

func TestParse_NonNumericTotal(t *testing.T) {
	raw := `{"examDetails":{"totalQuestions":"ten"},"sections":[{"questions":[` +
		`{"number":1,"question":"Q1","options":["A"],"answer":"A"}]}]}`

	doc, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if doc.ExamDetails.TotalQuestions != 0 {
		t.Errorf("non-numeric total should decode as unknown, got %d", doc.ExamDetails.TotalQuestions)
	}
}

func TestClassify(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		if got := Classify(&models.MockTest{}); got != ReasonEmpty {
			t.Errorf("expected ReasonEmpty, got %v", got)
		}
		if got := Classify(nil); got != ReasonEmpty {
			t.Errorf("nil document: expected ReasonEmpty, got %v", got)
		}
	})

	t.Run("ContinuationFlag", func(t *testing.T) {
		doc := sampleDoc(2, 1, 2)
		doc.ContinuationNeeded = true
		if got := Classify(doc); got != ReasonContinuationFlag {
			t.Errorf("expected ReasonContinuationFlag, got %v", got)
		}
	})

	t.Run("CountShortfall", func(t *testing.T) {
		doc := sampleDoc(10, 1, 2, 3, 4, 5, 6)
		if got := Classify(doc); got != ReasonCountShortfall {
			t.Errorf("expected ReasonCountShortfall, got %v", got)
		}
	})

	t.Run("UnknownTotalDisablesCountCheck", func(t *testing.T) {
		doc := sampleDoc(0, 1, 2)
		if got := Classify(doc); got != ReasonNone {
			t.Errorf("expected ReasonNone with unknown total, got %v", got)
		}
	})

	t.Run("TruncatedLastQuestion", func(t *testing.T) {
		doc := sampleDoc(2, 1, 2)
		last := &doc.Sections[0].Questions[1]
		last.Options = nil
		last.Answer = ""
		last.Solution = ""
		if got := Classify(doc); got != ReasonTruncatedLastQuestion {
			t.Errorf("expected ReasonTruncatedLastQuestion, got %v", got)
		}
	})

	t.Run("SparseButAnsweredLastQuestionPasses", func(t *testing.T) {
		doc := sampleDoc(2, 1, 2)
		last := &doc.Sections[0].Questions[1]
		last.Options = nil
		last.Solution = ""
		// Answer still present; the heuristic must not flag it.
		if got := Classify(doc); got != ReasonNone {
			t.Errorf("expected ReasonNone, got %v", got)
		}
	})

	t.Run("Complete", func(t *testing.T) {
		if got := Classify(sampleDoc(2, 1, 2)); got != ReasonNone {
			t.Errorf("expected ReasonNone, got %v", got)
		}
	})
}

func TestMerge_NilBase(t *testing.T) {
	incoming := sampleDoc(4, 1, 2)
	incoming.ContinuationNeeded = true

	merged := Merge(nil, incoming)
	if merged.ContinuationNeeded {
		t.Error("continuation flag must be stripped")
	}
	if merged.QuestionCount() != 2 {
		t.Errorf("expected 2 questions, got %d", merged.QuestionCount())
	}
	if int(merged.ExamDetails.TotalQuestions) != 4 {
		t.Errorf("expected total 4, got %d", merged.ExamDetails.TotalQuestions)
	}

	// Merge must not alias the incoming document's slices.
	merged.Sections[0].Questions[0].Answer = "mutated"
	if incoming.Sections[0].Questions[0].Answer == "mutated" {
		t.Error("merge aliased incoming questions")
	}
}

func TestMerge_UnionByQuestionNumber(t *testing.T) {
	base := sampleDoc(5, 1, 2, 3)
	incoming := sampleDoc(5, 3, 4, 5)

	merged := Merge(base, incoming)
	if merged.QuestionCount() != 5 {
		t.Errorf("expected 5 distinct questions, got %d", merged.QuestionCount())
	}

	seen := make(map[int]int)
	for _, n := range merged.QuestionNumbers() {
		seen[n]++
	}
	for n, count := range seen {
		if count != 1 {
			t.Errorf("question %d appears %d times", n, count)
		}
	}
}

func TestMerge_Idempotent(t *testing.T) {
	base := sampleDoc(6, 1, 2, 3)
	incoming := sampleDoc(6, 4, 5)

	once := Merge(base, incoming)
	twice := Merge(once, incoming)

	onceJSON, _ := json.Marshal(once)
	twiceJSON, _ := json.Marshal(twice)
	if string(onceJSON) != string(twiceJSON) {
		t.Errorf("merge not idempotent:\nonce:  %s\ntwice: %s", onceJSON, twiceJSON)
	}
}

func TestMerge_CountMonotonic(t *testing.T) {
	base := sampleDoc(8, 1, 2, 3, 4)
	incoming := sampleDoc(8, 3, 4, 5)

	merged := Merge(base, incoming)
	if merged.QuestionCount() < base.QuestionCount() || merged.QuestionCount() < incoming.QuestionCount() {
		t.Errorf("merged count %d below an input count", merged.QuestionCount())
	}
	if merged.QuestionCount() != 5 {
		t.Errorf("expected union of distinct keys (5), got %d", merged.QuestionCount())
	}
}

func TestMerge_TotalFirstKnownWins(t *testing.T) {
	base := sampleDoc(10, 1, 2)
	incoming := sampleDoc(0, 3)
	incoming.ExamDetails.Title = ""

	merged := Merge(base, incoming)
	if int(merged.ExamDetails.TotalQuestions) != 10 {
		t.Errorf("established total overwritten: got %d", merged.ExamDetails.TotalQuestions)
	}

	// And the other direction: base without a total adopts incoming's.
	base2 := sampleDoc(0, 1)
	incoming2 := sampleDoc(7, 2)
	merged2 := Merge(base2, incoming2)
	if int(merged2.ExamDetails.TotalQuestions) != 7 {
		t.Errorf("expected total filled from incoming, got %d", merged2.ExamDetails.TotalQuestions)
	}

	// A later conflicting total never replaces the first-known one.
	merged3 := Merge(merged2, sampleDoc(99, 3))
	if int(merged3.ExamDetails.TotalQuestions) != 7 {
		t.Errorf("first-known total replaced: got %d", merged3.ExamDetails.TotalQuestions)
	}
}

func TestMerge_SectionsByNameAndPosition(t *testing.T) {
	base := &models.MockTest{
		Sections: []models.Section{
			{Name: "Physics", Questions: []models.Question{{Number: 1, Text: "Q1", Answer: "A"}}},
			{Name: "Chemistry", Questions: []models.Question{{Number: 2, Text: "Q2", Answer: "B"}}},
		},
	}
	incoming := &models.MockTest{
		Sections: []models.Section{
			{Name: "Chemistry", Questions: []models.Question{{Number: 3, Text: "Q3", Answer: "C"}}},
			{Name: "Biology", Questions: []models.Question{{Number: 4, Text: "Q4", Answer: "D"}}},
		},
	}

	merged := Merge(base, incoming)
	if len(merged.Sections) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(merged.Sections))
	}
	if len(merged.Sections[1].Questions) != 2 {
		t.Errorf("Chemistry should hold questions 2 and 3, got %d questions", len(merged.Sections[1].Questions))
	}
	if merged.Sections[2].Name != "Biology" || len(merged.Sections[2].Questions) != 1 {
		t.Errorf("Biology section not appended correctly: %+v", merged.Sections[2])
	}
}

func docJSON(t *testing.T, doc *models.MockTest) string {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestRun_CompleteFirstCall(t *testing.T) {
	calls := 0
	generate := func(ctx context.Context, partial *models.MockTest) (string, error) {
		calls++
		return docJSON(t, sampleDoc(2, 1, 2)), nil
	}

	doc, err := Run(context.Background(), generate, 3)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 generation call, got %d", calls)
	}
	if doc.QuestionCount() != 2 {
		t.Errorf("expected 2 questions, got %d", doc.QuestionCount())
	}
}

func TestRun_ContinuationMerges(t *testing.T) {
	responses := []string{
		docJSON(t, sampleDoc(5, 1, 2, 3)),
		docJSON(t, sampleDoc(5, 4, 5)),
	}
	calls := 0
	generate := func(ctx context.Context, partial *models.MockTest) (string, error) {
		raw := responses[calls]
		calls++
		return raw, nil
	}

	doc, err := Run(context.Background(), generate, 3)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 generation calls, got %d", calls)
	}
	if doc.QuestionCount() != 5 {
		t.Errorf("expected 5 questions after merge, got %d", doc.QuestionCount())
	}
}

func TestRun_BudgetExhausted(t *testing.T) {
	const maxRounds = 2
	calls := 0
	generate := func(ctx context.Context, partial *models.MockTest) (string, error) {
		calls++
		// Always the same partial response; the loop must still terminate.
		return docJSON(t, sampleDoc(10, 1, 2, 3)), nil
	}

	_, err := Run(context.Background(), generate, maxRounds)
	if err == nil {
		t.Fatal("expected AssemblyError, got nil")
	}
	var aerr *AssemblyError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AssemblyError, got %T: %v", err, err)
	}
	if calls != maxRounds+1 {
		t.Errorf("expected %d generation calls, got %d", maxRounds+1, calls)
	}
	if aerr.Have != 3 || aerr.Want != 10 {
		t.Errorf("expected 3/10 in failure, got %d/%d", aerr.Have, aerr.Want)
	}
	if aerr.Partial == nil || aerr.Partial.QuestionCount() != 3 {
		t.Error("AssemblyError must carry the accumulated partial document")
	}
}

func TestRun_ParseFailureMidLoop(t *testing.T) {
	responses := []string{
		docJSON(t, sampleDoc(4, 1, 2)),
		"garbage %%% not json",
		docJSON(t, sampleDoc(4, 3, 4)),
	}
	calls := 0
	generate := func(ctx context.Context, partial *models.MockTest) (string, error) {
		raw := responses[calls]
		calls++
		return raw, nil
	}

	doc, err := Run(context.Background(), generate, 3)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if doc.QuestionCount() != 4 {
		t.Errorf("expected 4 questions, got %d", doc.QuestionCount())
	}
	if calls != 3 {
		t.Errorf("expected 3 generation calls, got %d", calls)
	}
}

func TestRun_ParseFailureFirstCallNoBudget(t *testing.T) {
	generate := func(ctx context.Context, partial *models.MockTest) (string, error) {
		return "garbage", nil
	}

	_, err := Run(context.Background(), generate, 0)
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError when nothing was accumulated, got %T: %v", err, err)
	}
}

func TestRun_TransportErrorPropagates(t *testing.T) {
	boom := errors.New("connection refused")
	generate := func(ctx context.Context, partial *models.MockTest) (string, error) {
		return "", boom
	}

	_, err := Run(context.Background(), generate, 2)
	if !errors.Is(err, boom) {
		t.Errorf("expected transport error to propagate, got %v", err)
	}
}

func TestRun_ContinuationFlagDrivesLoop(t *testing.T) {
	first := sampleDoc(0, 1, 2)
	first.ContinuationNeeded = true
	responses := []string{
		docJSON(t, first),
		docJSON(t, sampleDoc(0, 3)),
	}
	calls := 0
	generate := func(ctx context.Context, partial *models.MockTest) (string, error) {
		raw := responses[calls]
		calls++
		return raw, nil
	}

	doc, err := Run(context.Background(), generate, 2)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected the flag to force a second call, got %d calls", calls)
	}
	if doc.QuestionCount() != 3 {
		t.Errorf("expected 3 questions, got %d", doc.QuestionCount())
	}
}
