package storage

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/notifier/internal/notification/domain"
)

// MemoryStore is an in-process implementation of the store operations with
// the same transition semantics as the Postgres Store. It backs tests and
// single-node development deployments; production uses Store.
type MemoryStore struct {
	mu            sync.Mutex
	jobs          map[string]*domain.Job
	messages      map[string]*domain.Message
	details       []domain.ExecutionDetail
	organizations map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:          make(map[string]*domain.Job),
		messages:      make(map[string]*domain.Message),
		organizations: make(map[string]bool),
	}
}

// AddOrganization registers an organization id as existing.
func (m *MemoryStore) AddOrganization(organizationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.organizations[organizationID] = true
}

// CreateJobs inserts one row per job.
func (m *MemoryStore) CreateJobs(ctx context.Context, jobs []*domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range jobs {
		copied := *job
		m.jobs[job.JobID] = &copied
	}
	return nil
}

func (m *MemoryStore) JobByID(ctx context.Context, jobID, environmentID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.EnvironmentID != environmentID {
		return nil, domain.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *MemoryStore) JobsByTransactionStatuses(ctx context.Context, environmentID, transactionID string, statuses []string) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var jobs []domain.Job
	for _, job := range m.jobs {
		if job.EnvironmentID == environmentID && job.TransactionID == transactionID && wanted[job.Status] {
			jobs = append(jobs, *job)
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func (m *MemoryStore) ActiveDigestJob(ctx context.Context, environmentID, subscriberID, stepID, digestKey string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []domain.Job
	for _, job := range m.jobs {
		if job.EnvironmentID == environmentID &&
			job.SubscriberID == subscriberID &&
			job.StepID == stepID &&
			job.DigestKey.String == digestKey &&
			job.Type.IsDigest() &&
			job.Status == domain.JobStatusDelayed {
			candidates = append(candidates, *job)
		}
	}
	if len(candidates) == 0 {
		return nil, domain.ErrJobNotFound
	}
	sortJobs(candidates)
	return &candidates[0], nil
}

func (m *MemoryStore) CancelJobs(ctx context.Context, jobIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed int64
	for _, id := range jobIDs {
		job, ok := m.jobs[id]
		if !ok || job.IsTerminal() {
			continue
		}
		job.Status = domain.JobStatusCanceled
		job.UpdatedAt = time.Now().UTC()
		changed++
	}
	return changed, nil
}

func (m *MemoryStore) ClaimQueued(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.Status != domain.JobStatusQueued {
		return nil, domain.ErrJobAlreadyClaimed
	}
	job.Status = domain.JobStatusRunning
	job.Attempts++
	job.UpdatedAt = time.Now().UTC()
	copied := *job
	return &copied, nil
}

func (m *MemoryStore) SetCompletedIfRunning(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.Status != domain.JobStatusRunning {
		return false, nil
	}
	job.Status = domain.JobStatusCompleted
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) SetFailed(ctx context.Context, jobID, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.Status = domain.JobStatusFailed
	job.Error = sql.NullString{String: errorMessage, Valid: true}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) RequeueDelayed(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.Status == domain.JobStatusRunning {
		job.Status = domain.JobStatusQueued
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) EarliestMergedFollower(ctx context.Context, environmentID, subscriberID, mainJobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var followers []domain.Job
	for _, job := range m.jobs {
		if job.EnvironmentID == environmentID &&
			job.SubscriberID == subscriberID &&
			job.Status == domain.JobStatusMerged &&
			job.MergedDigestID.Valid && job.MergedDigestID.String == mainJobID {
			followers = append(followers, *job)
		}
	}
	if len(followers) == 0 {
		return nil, domain.ErrJobNotFound
	}
	sortJobs(followers)
	return &followers[0], nil
}

func (m *MemoryStore) PromoteMergedFollower(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.Status != domain.JobStatusMerged {
		return false, nil
	}
	job.Status = domain.JobStatusDelayed
	job.MergedDigestID = sql.NullString{}
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) ResetDescendantsToPending(ctx context.Context, jobID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed int64
	frontier := []string{jobID}
	for len(frontier) > 0 {
		parent := frontier[0]
		frontier = frontier[1:]
		for _, job := range m.jobs {
			if job.ParentID.Valid && job.ParentID.String == parent {
				if !job.IsTerminal() {
					job.Status = domain.JobStatusPending
					job.UpdatedAt = time.Now().UTC()
					changed++
				}
				frontier = append(frontier, job.JobID)
			}
		}
	}
	return changed, nil
}

func (m *MemoryStore) ReparentMergedFollowers(ctx context.Context, oldMainID, newMainID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed int64
	for _, job := range m.jobs {
		if job.Status == domain.JobStatusMerged &&
			job.MergedDigestID.Valid && job.MergedDigestID.String == oldMainID {
			job.MergedDigestID = sql.NullString{String: newMainID, Valid: true}
			job.UpdatedAt = time.Now().UTC()
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryStore) AppendExecutionDetail(ctx context.Context, detail *domain.ExecutionDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if detail.DetailID == "" {
		detail.DetailID = uuid.NewString()
	}
	if detail.CreatedAt.IsZero() {
		detail.CreatedAt = time.Now().UTC()
	}
	m.details = append(m.details, *detail)
	return nil
}

// ExecutionDetails returns a copy of the recorded audit trail.
func (m *MemoryStore) ExecutionDetails() []domain.ExecutionDetail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ExecutionDetail, len(m.details))
	copy(out, m.details)
	return out
}

func (m *MemoryStore) OrganizationExists(ctx context.Context, organizationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.organizations[organizationID], nil
}

func (m *MemoryStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *msg
	m.messages[msg.MessageID] = &copied
	return nil
}

func (m *MemoryStore) MessageByID(ctx context.Context, messageID, environmentID string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.EnvironmentID != environmentID {
		return nil, domain.ErrMessageNotFound
	}
	copied := *msg
	return &copied, nil
}

func (m *MemoryStore) SnoozedMessageForJob(ctx context.Context, jobID, environmentID string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.JobID == jobID && msg.EnvironmentID == environmentID && msg.SnoozedUntil.Valid {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, domain.ErrMessageNotFound
}

func (m *MemoryStore) ReactivateMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok || !msg.SnoozedUntil.Valid {
		return nil, domain.ErrMessageNotFound
	}

	now := time.Now().UTC()
	msg.SnoozedUntil = sql.NullTime{}
	msg.Read = false
	msg.LastReadAt = sql.NullTime{}
	if len(msg.DeliveredAt) == 0 {
		msg.DeliveredAt = domain.TimeSequence{msg.CreatedAt, now}
	} else {
		msg.DeliveredAt = append(msg.DeliveredAt, now)
	}
	msg.CreatedAt = now

	copied := *msg
	return &copied, nil
}

func (m *MemoryStore) CountUnseen(ctx context.Context, environmentID, subscriberID string, limit int) (int, error) {
	return m.countMessages(environmentID, subscriberID, limit, func(msg *domain.Message) bool {
		return !msg.Seen
	}), nil
}

func (m *MemoryStore) CountUnread(ctx context.Context, environmentID, subscriberID string, limit int) (int, error) {
	return m.countMessages(environmentID, subscriberID, limit, func(msg *domain.Message) bool {
		return !msg.Read
	}), nil
}

func (m *MemoryStore) UnreadSeverityCounts(ctx context.Context, environmentID, subscriberID string, limit int) (domain.SeverityCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var counts domain.SeverityCounts
	sampled := 0
	for _, msg := range m.messages {
		if sampled >= limit {
			break
		}
		if msg.EnvironmentID != environmentID || msg.SubscriberID != subscriberID ||
			msg.Read || msg.SnoozedUntil.Valid {
			continue
		}
		sampled++
		switch msg.Severity {
		case domain.SeverityHigh:
			counts.High++
		case domain.SeverityMedium:
			counts.Medium++
		case domain.SeverityLow:
			counts.Low++
		default:
			counts.None++
		}
	}
	return counts, nil
}

func (m *MemoryStore) countMessages(environmentID, subscriberID string, limit int, match func(*domain.Message) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, msg := range m.messages {
		if count >= limit {
			break
		}
		if msg.EnvironmentID != environmentID || msg.SubscriberID != subscriberID || msg.SnoozedUntil.Valid {
			continue
		}
		if match(msg) {
			count++
		}
	}
	return count
}

func sortJobs(jobs []domain.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].JobID < jobs[j].JobID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
