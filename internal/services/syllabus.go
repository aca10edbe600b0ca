package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"mocktest-ai/internal/models"
)

// SyllabusService stores uploaded syllabus PDFs and extracts their text to
// seed generation prompts.
type SyllabusService struct {
	db        *sql.DB
	uploadDir string
}

func NewSyllabusService(db *sql.DB, uploadDir string) *SyllabusService {
	return &SyllabusService{db: db, uploadDir: uploadDir}
}

func (s *SyllabusService) Create(ctx context.Context, original string, src io.Reader) (*models.SyllabusDocument, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure upload dir: %w", err)
	}

	name := uuid.NewString() + filepath.Ext(original)
	storedPath := filepath.Join(s.uploadDir, name)
	out, err := os.Create(storedPath)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	pages := 0
	if f, r, err := pdf.Open(storedPath); err == nil {
		pages = r.NumPage()
		f.Close()
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO syllabus_documents (original_name, stored_path, page_count, uploaded_at)
		VALUES (?, ?, ?, ?);
	`, original, storedPath, pages, now)
	if err != nil {
		return nil, fmt.Errorf("insert syllabus document: %w", err)
	}
	id, _ := res.LastInsertId()

	return &models.SyllabusDocument{
		ID:           id,
		OriginalName: original,
		StoredPath:   storedPath,
		PageCount:    pages,
		UploadedAt:   now,
	}, nil
}

func (s *SyllabusService) GetByID(ctx context.Context, id int64) (*models.SyllabusDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, original_name, stored_path, page_count, uploaded_at
		FROM syllabus_documents WHERE id = ?;
	`, id)
	var doc models.SyllabusDocument
	if err := row.Scan(
		&doc.ID,
		&doc.OriginalName,
		&doc.StoredPath,
		&doc.PageCount,
		&doc.UploadedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("syllabus document %d not found", id)
		}
		return nil, fmt.Errorf("scan syllabus document: %w", err)
	}
	return &doc, nil
}

// ExtractText pulls plain text from a stored syllabus PDF, collapsed to
// single spaces and capped at maxChars for prompt budgets. Zero maxChars
// means no cap.
func (s *SyllabusService) ExtractText(path string, maxChars int) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	text := strings.Join(strings.Fields(string(raw)), " ")
	if maxChars > 0 {
		runes := []rune(text)
		if len(runes) > maxChars {
			text = string(runes[:maxChars])
		}
	}
	return text, nil
}
