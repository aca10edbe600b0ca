package keypool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// MinKeyLength is the shortest credential accepted after trimming. Real API
// keys are far longer; anything shorter is a copy-paste accident.
const MinKeyLength = 10

var (
	// ErrPoolExhausted indicates every credential has been marked failed.
	ErrPoolExhausted = errors.New("api key pool exhausted")
	// ErrNoAssignment indicates Get was called for a job that was never assigned.
	ErrNoAssignment = errors.New("no key assigned for job")
)

// InvalidCredentialError reports a credential rejected at construction.
type InvalidCredentialError struct {
	Position int // position in the input sequence, zero-based
	Length   int // length after trimming
}

func (e *InvalidCredentialError) Error() string {
	return fmt.Sprintf("invalid credential at position %d: %d characters after trimming (minimum %d)", e.Position, e.Length, MinKeyLength)
}

// Assignment pairs a credential with its stable index in the pool.
type Assignment struct {
	Key   string
	Index int
}

// Pool owns an ordered, fixed set of API keys, hands one to each job, tracks
// failures, and moves jobs off credentials that have gone bad. A credential
// marked failed stays failed for the pool's lifetime.
//
// All mutating operations hold the pool lock; callers running jobs
// concurrently share one Pool safely.
type Pool struct {
	mu          sync.Mutex
	keys        []string
	failed      map[int]struct{}
	assignments map[int]int // jobID -> key index
	usage       map[int]int // key index -> successful completions
}

// New builds a pool from an ordered credential list. Inputs are trimmed and
// empty entries dropped; a surviving credential shorter than MinKeyLength
// fails construction with InvalidCredentialError. Rejecting an entirely
// empty input list is the loader's job, not the pool's.
func New(credentials []string) (*Pool, error) {
	keys := make([]string, 0, len(credentials))
	for i, cred := range credentials {
		trimmed := strings.TrimSpace(cred)
		if trimmed == "" {
			continue
		}
		if len(trimmed) < MinKeyLength {
			return nil, &InvalidCredentialError{Position: i, Length: len(trimmed)}
		}
		keys = append(keys, trimmed)
	}
	return &Pool{
		keys:        keys,
		failed:      make(map[int]struct{}),
		assignments: make(map[int]int),
		usage:       make(map[int]int),
	}, nil
}

// Assign picks a credential for jobID, starting at (jobID-1) mod size and
// scanning forward past failed indices. The choice is recorded so Get can
// return it later.
func (p *Pool) Assign(jobID int) (Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assignLocked(jobID)
}

func (p *Pool) assignLocked(jobID int) (Assignment, error) {
	size := len(p.keys)
	if size == 0 || len(p.failed) >= size {
		return Assignment{}, ErrPoolExhausted
	}

	start := ((jobID-1)%size + size) % size
	for probe := 0; probe < size; probe++ {
		idx := (start + probe) % size
		if _, bad := p.failed[idx]; bad {
			continue
		}
		p.assignments[jobID] = idx
		return Assignment{Key: p.keys[idx], Index: idx}, nil
	}
	// Unreachable while the failed-count check above holds.
	return Assignment{}, ErrPoolExhausted
}

// Get returns the credential previously assigned to jobID. If that
// credential has since been marked failed, the job is transparently
// reassigned. Fails with ErrNoAssignment when Assign was never called.
func (p *Pool) Get(jobID int) (Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.assignments[jobID]
	if !ok {
		return Assignment{}, fmt.Errorf("%w: job %d", ErrNoAssignment, jobID)
	}
	if _, bad := p.failed[idx]; bad {
		return p.assignLocked(jobID)
	}
	return Assignment{Key: p.keys[idx], Index: idx}, nil
}

// Next returns the first unfailed credential whose index is not excluding,
// in ascending order. Pass a negative excluding to consider every index.
// Unlike Assign, the result is not tied to any job.
func (p *Pool) Next(excluding int) (Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for idx := range p.keys {
		if idx == excluding {
			continue
		}
		if _, bad := p.failed[idx]; bad {
			continue
		}
		return Assignment{Key: p.keys[idx], Index: idx}, nil
	}
	return Assignment{}, ErrPoolExhausted
}

// MarkFailed permanently retires a credential. Jobs currently assigned to it
// keep their stale entry and are moved off it by their next Get. Marking an
// already-failed or out-of-range index is a no-op.
func (p *Pool) MarkFailed(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.keys) {
		return
	}
	p.failed[index] = struct{}{}
}

// RecordSuccess attributes one successful completion to a credential.
// Diagnostic only; assignment state is untouched.
func (p *Pool) RecordSuccess(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.keys) {
		return
	}
	p.usage[index]++
}

// Size returns the number of credentials in the pool, failed or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// FailedCount returns how many credentials have been marked failed.
func (p *Pool) FailedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.failed)
}

// KeyStats is a point-in-time view of one credential's health.
type KeyStats struct {
	Index     int
	Successes int
	Failed    bool
}

// Stats returns a snapshot covering every credential, failed or not, in
// index order.
func (p *Pool) Stats() []KeyStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]KeyStats, len(p.keys))
	for idx := range p.keys {
		_, bad := p.failed[idx]
		out[idx] = KeyStats{Index: idx, Successes: p.usage[idx], Failed: bad}
	}
	return out
}

// Usage returns a copy of the per-credential success counts.
func (p *Pool) Usage() map[int]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[int]int, len(p.usage))
	for idx, count := range p.usage {
		out[idx] = count
	}
	return out
}
