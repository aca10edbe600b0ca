package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mocktest-ai/internal/keypool"
	"mocktest-ai/internal/render"
	"mocktest-ai/internal/services"
)

const maxMultipartMemory = 8 << 20 // 8 MB

const maxMocksPerJob = 20

type Server struct {
	mux       *http.ServeMux
	mocktests *services.MockTestService
	syllabus  *services.SyllabusService
	pool      *keypool.Pool
	jobs      *JobManager
}

func NewServer(
	mocktests *services.MockTestService,
	syllabus *services.SyllabusService,
	pool *keypool.Pool,
) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		mocktests: mocktests,
		syllabus:  syllabus,
		pool:      pool,
		jobs:      NewJobManager(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/mocktests", s.handleListMockTests)
	s.mux.HandleFunc("/api/mocktests/generate", s.handleGenerate)
	s.mux.HandleFunc("/api/mocktests/jobs/", s.handleJobStatus)
	s.mux.HandleFunc("/api/mocktests/", s.handleMockTestActions)
	s.mux.HandleFunc("/api/syllabus", s.handleUploadSyllabus)
	s.mux.HandleFunc("/api/keys/stats", s.handleKeyStats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type generateRequest struct {
	Count            int      `json:"count"`
	Subject          string   `json:"subject"`
	Topics           []string `json:"topics"`
	QuestionsPerTest int      `json:"questionsPerTest"`
	DurationMinutes  int      `json:"durationMinutes"`
	SyllabusID       int64    `json:"syllabusId"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Count < 1 {
		req.Count = 1
	}
	if req.Count > maxMocksPerJob {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("count must be at most %d", maxMocksPerJob))
		return
	}

	jobID, job := s.jobs.CreateJob(req.Count)
	go s.runGenerationJob(jobID, services.GenerateRequest{
		Count:            req.Count,
		Subject:          req.Subject,
		Topics:           req.Topics,
		QuestionsPerTest: req.QuestionsPerTest,
		DurationMinutes:  req.DurationMinutes,
		SyllabusID:       req.SyllabusID,
	})

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) runGenerationJob(jobID string, req services.GenerateRequest) {
	s.jobs.MarkProcessing(jobID)

	outcomes, err := s.mocktests.GenerateBatch(context.Background(), req, func(index int, step, message string, current, total int) {
		s.jobs.UpdateMockProgress(jobID, index, step, message, current, total)
	})
	if err != nil {
		log.Printf("generation job %s failed: %v", jobID, err)
		s.jobs.MarkFailed(jobID, err.Error())
		return
	}

	for _, outcome := range outcomes {
		if outcome.Err != nil {
			s.jobs.MarkMockError(jobID, outcome.Index, outcome.Err.Error())
			continue
		}
		s.jobs.MarkMockComplete(jobID, outcome.Index, outcome.Record.ID, outcome.HTMLPath)
	}
	s.jobs.MarkCompleted(jobID)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/mocktests/jobs/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}
	job, ok := s.jobs.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListMockTests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	records, err := s.mocktests.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"id":             rec.ID,
			"title":          rec.Title,
			"subject":        nullString(rec.Subject),
			"totalQuestions": rec.TotalQuestions,
			"questionCount":  rec.QuestionCount,
			"status":         rec.Status,
			"createdAt":      rec.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"mockTests": out})
}

func (s *Server) handleMockTestActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/mocktests/")
	idPart, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mock test id")
		return
	}

	rec, err := s.mocktests.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	switch action {
	case "":
		doc, err := s.mocktests.Document(rec)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":        rec.ID,
			"title":     rec.Title,
			"subject":   nullString(rec.Subject),
			"status":    rec.Status,
			"createdAt": rec.CreatedAt.Format(time.RFC3339),
			"document":  doc,
		})
	case "html":
		doc, err := s.mocktests.Document(rec)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		page, err := render.HTML(doc)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(page)
	default:
		writeError(w, http.StatusNotFound, "unknown action "+action)
	}
}

func (s *Server) handleUploadSyllabus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field: "+err.Error())
		return
	}
	defer file.Close()

	doc, err := s.syllabus.Create(r.Context(), header.Filename, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         doc.ID,
		"name":       doc.OriginalName,
		"pages":      doc.PageCount,
		"uploadedAt": doc.UploadedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleKeyStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":  s.pool.Size(),
		"failed": s.pool.FailedCount(),
		"usage":  s.pool.Usage(),
	})
}

func nullString(v sql.NullString) *string {
	if v.Valid {
		str := v.String
		return &str
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
