package export

import (
	"context"
	"sync"

	"custodia/internal/sentinel"
	id "custodia/pkg/domain"
)

// InMemorySource serves subject data from memory for tests and local runs.
type InMemorySource struct {
	mu       sync.RWMutex
	students map[id.SubjectID]Student
	progress map[id.SubjectID][]ProgressRecord
}

// NewInMemorySource constructs an empty in-memory subject source.
func NewInMemorySource() *InMemorySource {
	return &InMemorySource{
		students: make(map[id.SubjectID]Student),
		progress: make(map[id.SubjectID][]ProgressRecord),
	}
}

// Add registers a student and their progress rows.
func (s *InMemorySource) Add(subjectID id.SubjectID, student Student, progress []ProgressRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[subjectID] = student
	s.progress[subjectID] = append([]ProgressRecord(nil), progress...)
}

func (s *InMemorySource) Student(_ context.Context, subjectID id.SubjectID) (Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	student, ok := s.students[subjectID]
	if !ok {
		return Student{}, sentinel.ErrNotFound
	}
	return student, nil
}

func (s *InMemorySource) Progress(_ context.Context, subjectID id.SubjectID) ([]ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ProgressRecord(nil), s.progress[subjectID]...), nil
}
