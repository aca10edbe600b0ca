package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"mocktest-ai/internal/assembler"
	"mocktest-ai/internal/models"
	"mocktest-ai/internal/render"
)

const syllabusPromptLimit = 12000

// ProgressCallback reports per-mock progress to the caller.
type ProgressCallback func(step, message string, current, total int)

// GenerateRequest describes one batch of mock tests to generate.
type GenerateRequest struct {
	Count            int
	Subject          string
	Topics           []string
	QuestionsPerTest int
	DurationMinutes  int
	SyllabusID       int64 // optional, 0 means none
}

// MockOutcome is the result of one mock job within a batch.
type MockOutcome struct {
	Index    int // 1-based job id within the batch
	Record   *models.MockTestRecord
	HTMLPath string
	Err      error
}

// MockTestService coordinates generation, assembly, persistence, and
// rendering of mock tests. Jobs within a batch run concurrently, bounded by
// batchSize; each job owns its jobID for its whole lifetime.
type MockTestService struct {
	db        *sql.DB
	generator *GeneratorService
	syllabus  *SyllabusService
	outputDir string
	batchSize int
	maxRounds int
}

func NewMockTestService(
	db *sql.DB,
	generator *GeneratorService,
	syllabus *SyllabusService,
	outputDir string,
	batchSize int,
	maxRounds int,
) *MockTestService {
	if batchSize < 1 {
		batchSize = 1
	}
	return &MockTestService{
		db:        db,
		generator: generator,
		syllabus:  syllabus,
		outputDir: outputDir,
		batchSize: batchSize,
		maxRounds: maxRounds,
	}
}

// GenerateBatch runs req.Count independent mock jobs. Job-level failures are
// reported in the outcomes rather than aborting the batch: one job losing
// its last credential must not kill its siblings.
func (s *MockTestService) GenerateBatch(ctx context.Context, req GenerateRequest, progress func(index int, step, message string, current, total int)) ([]MockOutcome, error) {
	if req.Count < 1 {
		return nil, fmt.Errorf("mock count must be positive, got %d", req.Count)
	}
	if req.QuestionsPerTest < 1 {
		req.QuestionsPerTest = 10
	}

	syllabusText := ""
	if req.SyllabusID != 0 {
		doc, err := s.syllabus.GetByID(ctx, req.SyllabusID)
		if err != nil {
			return nil, err
		}
		syllabusText, err = s.syllabus.ExtractText(doc.StoredPath, syllabusPromptLimit)
		if err != nil {
			return nil, fmt.Errorf("extract syllabus text: %w", err)
		}
	}

	outcomes := make([]MockOutcome, req.Count)
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, s.batchSize)

	for i := 0; i < req.Count; i++ {
		wg.Add(1)
		go func(jobID int) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			report := func(step, message string, current, total int) {
				if progress != nil {
					progress(jobID, step, message, current, total)
				}
			}
			outcomes[jobID-1] = s.generateOne(ctx, jobID, req, syllabusText, report)
		}(i + 1)
	}

	wg.Wait()

	if err := s.snapshotKeyUsage(ctx); err != nil {
		log.Printf("snapshot key usage: %v", err)
	}
	return outcomes, nil
}

// snapshotKeyUsage persists the pool's per-credential counters so key health
// survives a restart for diagnostics.
func (s *MockTestService) snapshotKeyUsage(ctx context.Context) error {
	now := time.Now().UTC()
	for _, ks := range s.generator.pool.Stats() {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO key_usage (key_index, success_count, failed, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key_index) DO UPDATE SET
				success_count = excluded.success_count,
				failed = excluded.failed,
				updated_at = excluded.updated_at;
		`, ks.Index, ks.Successes, ks.Failed, now); err != nil {
			return fmt.Errorf("upsert key usage %d: %w", ks.Index, err)
		}
	}
	return nil
}

func (s *MockTestService) generateOne(ctx context.Context, jobID int, req GenerateRequest, syllabusText string, progress ProgressCallback) MockOutcome {
	outcome := MockOutcome{Index: jobID}

	progress("generate", "Requesting mock test", 0, 100)

	rounds := 0
	generate := func(ctx context.Context, partial *models.MockTest) (string, error) {
		var user string
		if partial == nil {
			user = s.initialPrompt(jobID, req, syllabusText)
		} else {
			user = s.continuationPrompt(req, partial)
			rounds++
			progress("generate", fmt.Sprintf("Continuation round %d", rounds), 30+min(rounds*15, 50), 100)
		}
		return s.generator.Generate(ctx, jobID, systemPrompt, user)
	}

	doc, err := assembler.Run(ctx, generate, s.maxRounds)
	status := models.MockTestComplete
	if err != nil {
		var aerr *assembler.AssemblyError
		if errors.As(err, &aerr) && salvageable(aerr) {
			log.Printf("job %d: accepting partial mock test (%d of %d questions)", jobID, aerr.Have, aerr.Want)
			doc = aerr.Partial
			status = models.MockTestPartial
		} else {
			progress("error", err.Error(), 100, 100)
			outcome.Err = err
			return outcome
		}
	}

	progress("save", "Saving mock test", 80, 100)
	record, err := s.save(ctx, jobID, doc, req, status)
	if err != nil {
		progress("error", err.Error(), 100, 100)
		outcome.Err = err
		return outcome
	}
	outcome.Record = record

	progress("render", "Rendering printable paper", 90, 100)
	htmlPath, err := render.WriteFile(doc, s.outputDir, fmt.Sprintf("mock-test-%d.html", record.ID))
	if err != nil {
		// The document is persisted; a render failure is reported but does
		// not fail the job.
		log.Printf("job %d: render failed: %v", jobID, err)
	} else {
		outcome.HTMLPath = htmlPath
	}

	progress("complete", "Mock test ready", 100, 100)
	return outcome
}

// salvageable reports whether a budget-exhausted partial is still worth
// keeping: at least half of the declared total, or anything at all when the
// total never became known.
func salvageable(aerr *assembler.AssemblyError) bool {
	if aerr.Partial == nil || aerr.Have == 0 {
		return false
	}
	if aerr.Want <= 0 {
		return true
	}
	return aerr.Have*2 >= aerr.Want
}

func (s *MockTestService) save(ctx context.Context, jobID int, doc *models.MockTest, req GenerateRequest, status string) (*models.MockTestRecord, error) {
	if doc.ExamDetails.Title == "" {
		doc.ExamDetails.Title = fmt.Sprintf("Mock Test %d", jobID)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal mock test: %w", err)
	}

	now := time.Now().UTC()
	record := &models.MockTestRecord{
		Title:          doc.ExamDetails.Title,
		Subject:        sql.NullString{String: req.Subject, Valid: req.Subject != ""},
		TotalQuestions: int(doc.ExamDetails.TotalQuestions),
		QuestionCount:  doc.QuestionCount(),
		Status:         status,
		Payload:        string(payload),
		CreatedAt:      now,
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mock_tests (title, subject, total_questions, question_count, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, record.Title, record.Subject, record.TotalQuestions, record.QuestionCount, record.Status, record.Payload, now)
	if err != nil {
		return nil, fmt.Errorf("insert mock test: %w", err)
	}
	record.ID, _ = res.LastInsertId()
	return record, nil
}

// List returns persisted mock tests, newest first.
func (s *MockTestService) List(ctx context.Context) ([]models.MockTestRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, subject, total_questions, question_count, status, payload, created_at
		FROM mock_tests ORDER BY created_at DESC, id DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query mock tests: %w", err)
	}
	defer rows.Close()

	var records []models.MockTestRecord
	for rows.Next() {
		var rec models.MockTestRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Title,
			&rec.Subject,
			&rec.TotalQuestions,
			&rec.QuestionCount,
			&rec.Status,
			&rec.Payload,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan mock test: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get returns one persisted mock test by id.
func (s *MockTestService) Get(ctx context.Context, id int64) (*models.MockTestRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, subject, total_questions, question_count, status, payload, created_at
		FROM mock_tests WHERE id = ?;
	`, id)
	var rec models.MockTestRecord
	if err := row.Scan(
		&rec.ID,
		&rec.Title,
		&rec.Subject,
		&rec.TotalQuestions,
		&rec.QuestionCount,
		&rec.Status,
		&rec.Payload,
		&rec.CreatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("mock test %d not found", id)
		}
		return nil, fmt.Errorf("scan mock test: %w", err)
	}
	return &rec, nil
}

// Document decodes the stored payload of a record.
func (s *MockTestService) Document(rec *models.MockTestRecord) (*models.MockTest, error) {
	var doc models.MockTest
	if err := json.Unmarshal([]byte(rec.Payload), &doc); err != nil {
		return nil, fmt.Errorf("decode mock test %d payload: %w", rec.ID, err)
	}
	return &doc, nil
}

const systemPrompt = "You are an expert exam setter who writes rigorous, well-calibrated mock test papers and returns them as strict JSON."

func (s *MockTestService) initialPrompt(jobID int, req GenerateRequest, syllabusText string) string {
	var b strings.Builder
	b.WriteString(`Create a complete mock test paper. Respond with strict JSON only, in this shape:
{"examDetails":{"title":"","subject":"","totalQuestions":0,"totalMarks":0,"durationMinutes":0},"sections":[{"name":"","questions":[{"number":1,"question":"","options":["","","",""],"answer":"","solution":"","marks":1}]}]}
Number questions sequentially starting at 1; numbers must be unique across all sections. Every question needs four options, the correct answer, and a worked solution. Set totalQuestions to the real question count. If you cannot fit the whole paper in one response, include the questions you have and add "continuation_needed": true at the top level.`)

	fmt.Fprintf(&b, "\n\nQuestions: exactly %d.", req.QuestionsPerTest)
	if req.Subject != "" {
		fmt.Fprintf(&b, "\nSubject: %s.", req.Subject)
	}
	if len(req.Topics) > 0 {
		fmt.Fprintf(&b, "\nCover these topics: %s.", strings.Join(req.Topics, ", "))
	}
	if req.DurationMinutes > 0 {
		fmt.Fprintf(&b, "\nIntended duration: %d minutes.", req.DurationMinutes)
	}
	fmt.Fprintf(&b, "\nThis is paper %d of a set; vary the questions from typical papers.", jobID)

	if syllabusText != "" {
		b.WriteString("\n\nBase the paper on this syllabus:\n")
		b.WriteString(syllabusText)
	}
	return b.String()
}

func (s *MockTestService) continuationPrompt(req GenerateRequest, partial *models.MockTest) string {
	numbers := partial.QuestionNumbers()
	sort.Ints(numbers)

	total := int(partial.ExamDetails.TotalQuestions)
	if total == 0 {
		total = req.QuestionsPerTest
	}

	var b strings.Builder
	b.WriteString("You are continuing a mock test paper that was cut off. ")
	fmt.Fprintf(&b, "Questions already written: %s. The paper needs %d questions in total.\n", joinInts(numbers), total)
	b.WriteString(`Respond with strict JSON in the same shape as before, containing ONLY the missing questions (do not repeat the ones already written). Keep the same examDetails and section names. If the remainder still does not fit, add "continuation_needed": true.`)
	return b.String()
}

func joinInts(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, ", ")
}
