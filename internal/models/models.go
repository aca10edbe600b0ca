package models

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// FlexInt is an int that tolerates the shapes LLMs emit for numeric fields:
// a number, a quoted number, or junk. Anything non-numeric decodes to zero
// instead of failing the whole document.
type FlexInt int

func (n *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	s = strings.Trim(s, `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			*n = FlexInt(int(f))
			return nil
		}
		*n = 0
		return nil
	}
	*n = FlexInt(v)
	return nil
}

func (n FlexInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(n))
}

// MockTest is the structured document produced by one generation task. The
// JSON field names mirror what the generation prompts ask the model to emit.
type MockTest struct {
	ExamDetails        ExamDetails `json:"examDetails"`
	Sections           []Section   `json:"sections"`
	ContinuationNeeded bool        `json:"continuation_needed,omitempty"`
}

// ExamDetails carries the paper-level metadata, including the declared
// question total used to judge completeness.
type ExamDetails struct {
	Title           string  `json:"title,omitempty"`
	Subject         string  `json:"subject,omitempty"`
	TotalQuestions  FlexInt `json:"totalQuestions,omitempty"`
	TotalMarks      FlexInt `json:"totalMarks,omitempty"`
	DurationMinutes FlexInt `json:"durationMinutes,omitempty"`
}

type Section struct {
	Name      string     `json:"name,omitempty"`
	Questions []Question `json:"questions"`
}

// Question is one exam item. Number is the unique key within a document.
type Question struct {
	Number   FlexInt  `json:"number"`
	Text     string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Answer   string   `json:"answer,omitempty"`
	Solution string   `json:"solution,omitempty"`
	Marks    float64  `json:"marks,omitempty"`
}

// QuestionCount returns the number of questions present across all sections.
func (t *MockTest) QuestionCount() int {
	if t == nil {
		return 0
	}
	count := 0
	for _, sec := range t.Sections {
		count += len(sec.Questions)
	}
	return count
}

// LastQuestion returns the final question of the final non-empty section, or
// nil when the document holds no questions.
func (t *MockTest) LastQuestion() *Question {
	if t == nil {
		return nil
	}
	for i := len(t.Sections) - 1; i >= 0; i-- {
		qs := t.Sections[i].Questions
		if len(qs) > 0 {
			return &qs[len(qs)-1]
		}
	}
	return nil
}

// QuestionNumbers returns the keys of all accumulated questions in document
// order. The driver uses these to phrase continuation prompts.
func (t *MockTest) QuestionNumbers() []int {
	if t == nil {
		return nil
	}
	var numbers []int
	for _, sec := range t.Sections {
		for _, q := range sec.Questions {
			numbers = append(numbers, int(q.Number))
		}
	}
	return numbers
}

const (
	MockTestComplete = "complete"
	MockTestPartial  = "partial"
)

// MockTestRecord is the persisted form of a generated mock test.
type MockTestRecord struct {
	ID             int64
	Title          string
	Subject        sql.NullString
	TotalQuestions int
	QuestionCount  int
	Status         string
	Payload        string
	CreatedAt      time.Time
}

// SyllabusDocument is an uploaded source PDF whose text seeds prompts.
type SyllabusDocument struct {
	ID           int64
	OriginalName string
	StoredPath   string
	PageCount    int
	UploadedAt   time.Time
}
