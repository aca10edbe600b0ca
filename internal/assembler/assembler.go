package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mocktest-ai/internal/models"
)

const previewLimit = 500

// ParseError reports text that could not be turned into a document, even
// after repair. Preview holds the head of the raw response for diagnostics.
type ParseError struct {
	Err     error
	Preview string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse mock test response: %v (preview: %q)", e.Err, e.Preview)
}

func (e *ParseError) Unwrap() error { return e.Err }

// AssemblyError reports a continuation budget exhausted while the document
// was still incomplete. Partial carries everything accumulated so far so the
// caller can decide whether to salvage it.
type AssemblyError struct {
	Partial *models.MockTest
	Have    int
	Want    int
	Calls   int
}

func (e *AssemblyError) Error() string {
	if e.Want > 0 {
		return fmt.Sprintf("assembly incomplete after %d generation calls: %d of %d questions", e.Calls, e.Have, e.Want)
	}
	return fmt.Sprintf("assembly incomplete after %d generation calls: %d questions accumulated", e.Calls, e.Have)
}

// Reason explains why a document was judged incomplete. ReasonNone means
// complete. The checks run in declaration order.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonEmpty
	ReasonContinuationFlag
	ReasonCountShortfall
	ReasonTruncatedLastQuestion
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "complete"
	case ReasonEmpty:
		return "empty document"
	case ReasonContinuationFlag:
		return "continuation flag set"
	case ReasonCountShortfall:
		return "fewer questions than declared total"
	case ReasonTruncatedLastQuestion:
		return "last question truncated"
	default:
		return "unknown"
	}
}

// ExtractJSON strips markdown code fences and leading/trailing prose around
// the JSON object in a model response. When the text holds no closing brace
// (hard truncation) everything from the first opening brace onward is kept
// so the repair step can work with it.
func ExtractJSON(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		start := 3
		if newlineIdx := strings.Index(content[start:], "\n"); newlineIdx != -1 {
			start += newlineIdx + 1
		}
		if endIdx := strings.Index(content[start:], "```"); endIdx != -1 {
			content = content[start : start+endIdx]
		} else {
			content = content[start:]
		}
	}

	content = strings.TrimSpace(content)

	if startIdx := strings.Index(content, "{"); startIdx != -1 {
		if endIdx := strings.LastIndex(content, "}"); endIdx > startIdx {
			content = content[startIdx : endIdx+1]
		} else {
			content = content[startIdx:]
		}
	}

	return strings.TrimSpace(content)
}

// repair closes whatever the model left open: an unterminated string first,
// then a dangling comma, then the deficit of closing brackets in nesting
// order.
func repair(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var tail strings.Builder
	tail.WriteString(s)
	if inString {
		tail.WriteByte('"')
	}

	out := strings.TrimRight(tail.String(), " \t\r\n")
	out = strings.TrimRight(out, ",")

	var closers strings.Builder
	closers.WriteString(out)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			closers.WriteByte('}')
		} else {
			closers.WriteByte(']')
		}
	}
	return closers.String()
}

func preview(raw string) string {
	if len(raw) > previewLimit {
		return raw[:previewLimit]
	}
	return raw
}

// Parse turns a raw model response into a document. Fences and surrounding
// prose are stripped first; if the structural parse fails, one repair attempt
// closes unbalanced delimiters before retrying. A document that still does
// not parse yields a ParseError carrying the original error and a preview.
func Parse(raw string) (*models.MockTest, error) {
	extracted := ExtractJSON(raw)
	if extracted == "" {
		return nil, &ParseError{Err: fmt.Errorf("response contains no json object"), Preview: preview(raw)}
	}

	var doc models.MockTest
	firstErr := json.Unmarshal([]byte(extracted), &doc)
	if firstErr == nil {
		return &doc, nil
	}

	doc = models.MockTest{}
	if err := json.Unmarshal([]byte(repair(extracted)), &doc); err == nil {
		return &doc, nil
	}

	return nil, &ParseError{Err: firstErr, Preview: preview(raw)}
}

// Classify judges whether a document is a complete mock test. Checks, in
// order: degenerate empty document, the model's own continuation flag, a
// question count below the declared total, and a trailing question missing
// both its options and any answer or solution (generation cut off mid-item).
// A zero or unparseable declared total disables the count check only.
func Classify(doc *models.MockTest) Reason {
	if doc == nil || doc.QuestionCount() == 0 {
		return ReasonEmpty
	}
	if doc.ContinuationNeeded {
		return ReasonContinuationFlag
	}
	if total := int(doc.ExamDetails.TotalQuestions); total > 0 && doc.QuestionCount() < total {
		return ReasonCountShortfall
	}
	if last := doc.LastQuestion(); last != nil {
		if len(last.Options) == 0 && last.Answer == "" && last.Solution == "" {
			return ReasonTruncatedLastQuestion
		}
	}
	return ReasonNone
}

// Merge folds incoming into base without duplicating or dropping questions.
// Sections are matched by name when both sides name them, otherwise by
// position; unmatched incoming sections are appended. A question whose
// number is already present anywhere in base is skipped. Exam details are
// first-known-wins, preferring base, so a later malformed response can never
// overwrite an established total. A nil base returns incoming with its
// continuation flag stripped.
func Merge(base, incoming *models.MockTest) *models.MockTest {
	if incoming == nil {
		return base
	}
	if base == nil {
		out := cloneDoc(incoming)
		out.ContinuationNeeded = false
		return out
	}

	out := cloneDoc(base)
	out.ContinuationNeeded = false
	mergeDetails(&out.ExamDetails, incoming.ExamDetails)

	seen := make(map[int]struct{})
	for _, sec := range out.Sections {
		for _, q := range sec.Questions {
			seen[int(q.Number)] = struct{}{}
		}
	}

	for i, sec := range incoming.Sections {
		target := matchSection(out, sec.Name, i)
		if target < 0 {
			out.Sections = append(out.Sections, models.Section{Name: sec.Name})
			target = len(out.Sections) - 1
		}
		for _, q := range sec.Questions {
			if _, dup := seen[int(q.Number)]; dup {
				continue
			}
			seen[int(q.Number)] = struct{}{}
			out.Sections[target].Questions = append(out.Sections[target].Questions, q)
		}
	}

	return out
}

func matchSection(doc *models.MockTest, name string, position int) int {
	if name != "" {
		for i, sec := range doc.Sections {
			if sec.Name == name {
				return i
			}
		}
	}
	if position < len(doc.Sections) {
		return position
	}
	return -1
}

func mergeDetails(base *models.ExamDetails, incoming models.ExamDetails) {
	if base.Title == "" {
		base.Title = incoming.Title
	}
	if base.Subject == "" {
		base.Subject = incoming.Subject
	}
	if base.TotalQuestions == 0 {
		base.TotalQuestions = incoming.TotalQuestions
	}
	if base.TotalMarks == 0 {
		base.TotalMarks = incoming.TotalMarks
	}
	if base.DurationMinutes == 0 {
		base.DurationMinutes = incoming.DurationMinutes
	}
}

func cloneDoc(doc *models.MockTest) *models.MockTest {
	out := &models.MockTest{
		ExamDetails:        doc.ExamDetails,
		ContinuationNeeded: doc.ContinuationNeeded,
	}
	if len(doc.Sections) > 0 {
		out.Sections = make([]models.Section, len(doc.Sections))
		for i, sec := range doc.Sections {
			out.Sections[i] = models.Section{Name: sec.Name}
			if len(sec.Questions) > 0 {
				out.Sections[i].Questions = append([]models.Question(nil), sec.Questions...)
			}
		}
	}
	return out
}

// GenerateFunc performs one request/response round-trip against the
// generation API and returns raw text. partial is the document accumulated
// so far (nil on the first call); rephrasing the prompt to reference it is
// the caller's responsibility, Run only decides whether to continue and how
// to merge.
type GenerateFunc func(ctx context.Context, partial *models.MockTest) (string, error)

// Run drives the continuation loop: generate, parse, classify, merge, until
// the accumulated document is complete or maxRounds continuation rounds have
// been spent. generate is invoked at most maxRounds+1 times. A parse failure
// mid-loop is treated as an incomplete round while the budget and an
// accumulator remain; the final failure is an AssemblyError carrying the
// best partial. Transport errors from generate propagate unchanged.
func Run(ctx context.Context, generate GenerateFunc, maxRounds int) (*models.MockTest, error) {
	if maxRounds < 0 {
		maxRounds = 0
	}

	var acc *models.MockTest
	calls := 0
	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := generate(ctx, acc)
		if err != nil {
			return nil, fmt.Errorf("generate: %w", err)
		}
		calls++

		doc, perr := Parse(raw)
		if perr != nil {
			if round < maxRounds && acc != nil {
				continue
			}
			if acc != nil {
				return nil, &AssemblyError{
					Partial: acc,
					Have:    acc.QuestionCount(),
					Want:    int(acc.ExamDetails.TotalQuestions),
					Calls:   calls,
				}
			}
			return nil, perr
		}

		candidate := Classify(doc)
		acc = Merge(acc, doc)
		if candidate == ReasonNone {
			return acc, nil
		}
		// A response short of the declared total may have been the remainder
		// of an earlier round; the merged accumulator decides in that case.
		if candidate == ReasonCountShortfall && Classify(acc) == ReasonNone {
			return acc, nil
		}

		if round >= maxRounds {
			return nil, &AssemblyError{
				Partial: acc,
				Have:    acc.QuestionCount(),
				Want:    int(acc.ExamDetails.TotalQuestions),
				Calls:   calls,
			}
		}
	}
}
