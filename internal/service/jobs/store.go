// Package jobs persists job records in Redis. Every mutation goes through an
// optimistic WATCH transaction so concurrent callbacks for one job serialize.
package jobs

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/shadowtwin/internal/models"
)

const (
	jobKeyPrefix      = "job:"
	defaultMaxRetries = 16
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
	// ErrNoChange may be returned by an Update mutator to skip the write.
	ErrNoChange = errors.New("no change")
)

type Store struct {
	rdb        *redis.Client
	ttl        time.Duration
	maxRetries int
	now        func() time.Time
}

// NewStore returns a Store. A zero ttl keeps records forever.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb:        rdb,
		ttl:        ttl,
		maxRetries: defaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// HashSecret returns the stored form of a callback token.
func HashSecret(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifySecret compares token against a stored hash in constant time.
func VerifySecret(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(HashSecret(token))) == 1
}

// NewJob builds a queued job with the default steps.
func NewJob(jobID, userEmail, token string, source models.SourceRef, opts models.JobOptions) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		JobID:         jobID,
		JobSecretHash: HashSecret(token),
		UserEmail:     strings.ToLower(strings.TrimSpace(userEmail)),
		JobType:       "pdf",
		Operation:     "extract",
		Status:        models.JobQueued,
		Source:        source,
		Options:       opts,
		Steps:         models.DefaultSteps(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Create stores a new job. It fails with ErrJobExists if the id is taken.
func (s *Store) Create(ctx context.Context, job *models.Job) error {
	if job == nil || job.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	if len(job.Steps) == 0 {
		job.Steps = models.DefaultSteps()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(job.JobID), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.JobID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*models.Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Update applies mutate to the current record and writes it back atomically.
// The boolean reports whether a write happened; mutate returning ErrNoChange
// yields the unmodified record and false.
func (s *Store) Update(ctx context.Context, jobID string, mutate func(*models.Job) error) (*models.Job, bool, error) {
	key := jobKey(jobID)
	var (
		out     *models.Job
		changed bool
	)

	txf := func(tx *redis.Tx) error {
		out, changed = nil, false
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
			}
			return err
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}

		if err := mutate(&job); err != nil {
			if errors.Is(err, ErrNoChange) {
				out = &job
				return nil
			}
			return err
		}
		job.UpdatedAt = s.now()

		payload, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		out, changed = &job, true
		return nil
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, changed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}
	return nil, false, fmt.Errorf("failed to update job %s: too many concurrent writers", jobID)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
