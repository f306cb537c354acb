package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/risunCode/downaria/internal/core/downloader"
)

// JobStatus represents the current state of a download job.
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusScraping    JobStatus = "scraping"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// Job represents one queued download: a content URL plus an optional
// quality preference, resolved to a file by the worker pool.
type Job struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Quality    string    `json:"quality,omitempty"`
	ItemID     string    `json:"itemId,omitempty"`
	Filename   string    `json:"filename,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	Status     JobStatus `json:"status"`
	Progress   float64   `json:"progress"`
	Downloaded int64     `json:"downloaded"`
	Total      int64     `json:"total"` // -1 if unknown
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	cancel context.CancelFunc
	ctx    context.Context
}

// RunFunc executes one job: scrape the URL, pick a format, download it.
// It reports progress through the callback and returns the platform,
// final filename and any error.
type RunFunc func(ctx context.Context, job *Job, onProgress func(downloader.Progress)) (platform, filename string, err error)

// JobQueue manages download jobs with a fixed worker pool. Finished jobs
// are kept for an hour so clients can poll their outcome, then swept.
type JobQueue struct {
	jobs          map[string]*Job
	mu            sync.RWMutex
	queue         chan *Job
	maxConcurrent int
	run           RunFunc
	wg            sync.WaitGroup
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

const (
	jobQueueDepth   = 100
	jobSweepEvery   = 10 * time.Minute
	jobRetainPeriod = time.Hour
)

func NewJobQueue(maxConcurrent int, run RunFunc) *JobQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &JobQueue{
		jobs:          make(map[string]*Job),
		queue:         make(chan *Job, jobQueueDepth),
		maxConcurrent: maxConcurrent,
		run:           run,
		stopCleanup:   make(chan struct{}),
	}
}

// Start begins the worker pool and the cleanup routine.
func (jq *JobQueue) Start() {
	for i := 0; i < jq.maxConcurrent; i++ {
		jq.wg.Add(1)
		go jq.worker()
	}
	jq.cleanupTicker = time.NewTicker(jobSweepEvery)
	go jq.cleanupLoop()
}

// Stop gracefully shuts down the queue, waiting for running jobs.
func (jq *JobQueue) Stop() {
	close(jq.queue)
	close(jq.stopCleanup)
	if jq.cleanupTicker != nil {
		jq.cleanupTicker.Stop()
	}
	jq.wg.Wait()
}

func (jq *JobQueue) worker() {
	defer jq.wg.Done()
	for job := range jq.queue {
		jq.processJob(job)
	}
}

func (jq *JobQueue) processJob(job *Job) {
	if job.ctx.Err() != nil {
		// cancelled while still queued
		return
	}
	jq.setStatus(job.ID, JobStatusScraping, "")

	started := false
	platform, filename, err := jq.run(job.ctx, job, func(p downloader.Progress) {
		if !started {
			started = true
			jq.setStatus(job.ID, JobStatusDownloading, "")
		}
		jq.setProgress(job.ID, p)
	})

	if err != nil {
		if job.ctx.Err() == context.Canceled {
			jq.setStatus(job.ID, JobStatusCancelled, "cancelled by user")
		} else {
			jq.setStatus(job.ID, JobStatusFailed, err.Error())
		}
		return
	}

	jq.mu.Lock()
	if j, ok := jq.jobs[job.ID]; ok {
		j.Status = JobStatusCompleted
		j.Progress = 100
		j.Platform = platform
		j.Filename = filename
		j.UpdatedAt = time.Now()
	}
	jq.mu.Unlock()
}

func (jq *JobQueue) cleanupLoop() {
	for {
		select {
		case <-jq.cleanupTicker.C:
			jq.cleanupOldJobs()
		case <-jq.stopCleanup:
			return
		}
	}
}

func jobFinished(s JobStatus) bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

func (jq *JobQueue) cleanupOldJobs() {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	cutoff := time.Now().Add(-jobRetainPeriod)
	for id, job := range jq.jobs {
		if jobFinished(job.Status) && job.UpdatedAt.Before(cutoff) {
			delete(jq.jobs, id)
		}
	}
}

// ClearHistory removes all finished jobs, returning the count.
func (jq *JobQueue) ClearHistory() int {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	count := 0
	for id, job := range jq.jobs {
		if jobFinished(job.Status) {
			delete(jq.jobs, id)
			count++
		}
	}
	return count
}

// RemoveJob removes a single finished job by ID.
func (jq *JobQueue) RemoveJob(id string) bool {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	job, ok := jq.jobs[id]
	if !ok || !jobFinished(job.Status) {
		return false
	}
	delete(jq.jobs, id)
	return true
}

// AddJob creates and queues a new download job.
func (jq *JobQueue) AddJob(url, quality, itemID string) (*Job, error) {
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        uuid.NewString(),
		URL:       url,
		Quality:   quality,
		ItemID:    itemID,
		Status:    JobStatusQueued,
		Total:     -1,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	jq.mu.Lock()
	jq.jobs[job.ID] = job
	jq.mu.Unlock()

	select {
	case jq.queue <- job:
		return job, nil
	default:
		jq.mu.Lock()
		delete(jq.jobs, job.ID)
		jq.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("job queue is full")
	}
}

// GetJob returns a copy of a job by ID, nil when unknown.
func (jq *JobQueue) GetJob(id string) *Job {
	jq.mu.RLock()
	defer jq.mu.RUnlock()

	if job, ok := jq.jobs[id]; ok {
		jobCopy := *job
		return &jobCopy
	}
	return nil
}

// GetAllJobs returns copies of all known jobs.
func (jq *JobQueue) GetAllJobs() []*Job {
	jq.mu.RLock()
	defer jq.mu.RUnlock()

	jobs := make([]*Job, 0, len(jq.jobs))
	for _, job := range jq.jobs {
		jobCopy := *job
		jobs = append(jobs, &jobCopy)
	}
	return jobs
}

// CancelJob cancels a queued or running job.
func (jq *JobQueue) CancelJob(id string) bool {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	job, ok := jq.jobs[id]
	if !ok {
		return false
	}
	if job.Status != JobStatusQueued && job.Status != JobStatusScraping && job.Status != JobStatusDownloading {
		return false
	}

	job.cancel()
	job.Status = JobStatusCancelled
	job.UpdatedAt = time.Now()
	return true
}

func (jq *JobQueue) setStatus(id string, status JobStatus, errMsg string) {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	if job, ok := jq.jobs[id]; ok {
		if jobFinished(job.Status) {
			// a cancel won the race; don't resurrect the job
			return
		}
		job.Status = status
		if errMsg != "" {
			job.Error = errMsg
		}
		job.UpdatedAt = time.Now()
	}
}

func (jq *JobQueue) setProgress(id string, p downloader.Progress) {
	jq.mu.Lock()
	defer jq.mu.Unlock()

	if job, ok := jq.jobs[id]; ok {
		job.Progress = p.Percent
		job.Downloaded = p.Loaded
		job.Total = p.Total
		job.UpdatedAt = time.Now()
	}
}
