package api

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusComplete   = "complete"
	JobStatusFailed     = "failed"

	MockStatusPending    = "pending"
	MockStatusProcessing = "processing"
	MockStatusComplete   = "complete"
	MockStatusError      = "error"
)

// GenerationJob tracks the progress of one generation request across its
// mock tests.
type GenerationJob struct {
	ID        string         `json:"jobId"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Mocks     []MockProgress `json:"mocks"`
	Error     string         `json:"error,omitempty"`
}

// MockProgress captures per-mock progress updates that the frontend polls.
type MockProgress struct {
	Index      int    `json:"index"`
	Status     string `json:"status"`
	Step       string `json:"step,omitempty"`
	Message    string `json:"message,omitempty"`
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Percent    int    `json:"percent"`
	MockTestID int64  `json:"mockTestId,omitempty"`
	HTMLPath   string `json:"htmlPath,omitempty"`
	Error      string `json:"error,omitempty"`
}

type JobManager struct {
	mu   sync.RWMutex
	jobs map[string]*GenerationJob
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*GenerationJob),
	}
}

func (m *JobManager) CreateJob(count int) (string, *GenerationJob) {
	mocks := make([]MockProgress, count)
	for i := range mocks {
		mocks[i] = MockProgress{
			Index:  i + 1,
			Status: MockStatusPending,
		}
	}
	job := &GenerationJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
		Mocks:     mocks,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	return job.ID, job.clone()
}

func (m *JobManager) GetJob(id string) (*GenerationJob, bool) {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

func (m *JobManager) MarkProcessing(id string) {
	m.withJob(id, func(job *GenerationJob) {
		job.Status = JobStatusProcessing
	})
}

func (m *JobManager) MarkCompleted(id string) {
	m.withJob(id, func(job *GenerationJob) {
		job.Status = JobStatusComplete
	})
}

func (m *JobManager) MarkFailed(id string, msg string) {
	m.withJob(id, func(job *GenerationJob) {
		job.Status = JobStatusFailed
		job.Error = strings.TrimSpace(msg)
	})
}

func (m *JobManager) UpdateMockProgress(id string, index int, step, message string, current, total int) {
	m.withJob(id, func(job *GenerationJob) {
		if mock := job.mock(index); mock != nil {
			mock.Status = MockStatusProcessing
			mock.Step = step
			mock.Message = message
			mock.Current = current
			mock.Total = total
			mock.Percent = percent(current, total)
		}
	})
}

func (m *JobManager) MarkMockComplete(id string, index int, mockTestID int64, htmlPath string) {
	m.withJob(id, func(job *GenerationJob) {
		if mock := job.mock(index); mock != nil {
			mock.Status = MockStatusComplete
			mock.Step = "complete"
			mock.Message = "Mock test ready"
			mock.Current = 100
			mock.Total = 100
			mock.Percent = 100
			mock.MockTestID = mockTestID
			mock.HTMLPath = htmlPath
			mock.Error = ""
		}
	})
}

func (m *JobManager) MarkMockError(id string, index int, message string) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = "generation error"
	}
	m.withJob(id, func(job *GenerationJob) {
		if mock := job.mock(index); mock != nil {
			mock.Status = MockStatusError
			mock.Step = "error"
			mock.Message = msg
			mock.Error = msg
			mock.Current = 100
			mock.Total = 100
			mock.Percent = 100
		}
	})
}

func (m *JobManager) withJob(id string, fn func(job *GenerationJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
}

func (job *GenerationJob) mock(index int) *MockProgress {
	if index < 1 || index > len(job.Mocks) {
		return nil
	}
	return &job.Mocks[index-1]
}

func (job *GenerationJob) clone() *GenerationJob {
	if job == nil {
		return nil
	}
	copyJob := &GenerationJob{
		ID:        job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Error:     job.Error,
	}
	if len(job.Mocks) > 0 {
		copyJob.Mocks = append([]MockProgress(nil), job.Mocks...)
	}
	return copyJob
}

func percent(current, total int) int {
	if total <= 0 {
		if current <= 0 {
			return 0
		}
		if current > 100 {
			return 100
		}
		return current
	}
	if current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return int((float64(current) / float64(total)) * 100)
}
