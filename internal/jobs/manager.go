package jobs

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/vrsandeep/updatekit/internal/config"
	"github.com/vrsandeep/updatekit/internal/models"
	"github.com/vrsandeep/updatekit/internal/store"
	"github.com/vrsandeep/updatekit/internal/websocket"
)

// Updater is the slice of the update service the jobs drive.
type Updater interface {
	CheckForUpdates(ctx context.Context, force bool) (*models.ReleaseDescriptor, error)
	InstallUpdate(ctx context.Context, desc models.ReleaseDescriptor) error
	AutoUpdateEnabled() bool
}

// JobContext is an interface that provides the necessary dependencies for a job to run.
// The core.App struct implements this interface.
type JobContext interface {
	Config() *config.Config
	Store() *store.Store
	WsHub() *websocket.Hub
	JobManager() *JobManager
	Updater() Updater
}

type jobTask func(ctx JobContext) error

type JobStatus struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // "idle", "running", "success", "failed"
	Message   string    `json:"message"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

type JobManager struct {
	mu      sync.Mutex
	jobs    map[string]jobTask
	status  map[string]*JobStatus
	running bool
	appCtx  JobContext // used by scheduled runs
	done    chan string
}

func NewManager(appCtx JobContext) *JobManager {
	return &JobManager{
		jobs:   make(map[string]jobTask),
		status: make(map[string]*JobStatus),
		appCtx: appCtx,
	}
}

func (jm *JobManager) Register(id, name string, task jobTask) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs[id] = task
	jm.status[id] = &JobStatus{ID: id, Name: name, Status: "idle"}
}

// RunJob starts the job in the background. Only one job runs at a time.
func (jm *JobManager) RunJob(id string, ctx JobContext) error {
	jm.mu.Lock()
	if jm.running {
		jm.mu.Unlock()
		return fmt.Errorf("a job is already running")
	}

	task, ok := jm.jobs[id]
	if !ok {
		jm.mu.Unlock()
		return fmt.Errorf("job '%s' not found", id)
	}

	jm.running = true
	status := jm.status[id]
	status.Status = "running"
	status.StartTime = time.Now()
	status.EndTime = time.Time{}
	status.Message = "Job started..."
	jm.mu.Unlock()

	log.Printf("Starting job: %s", id)
	go func() {
		var taskErr error
		defer func() {
			// Ensure we always update the status and unlock the manager
			r := recover()

			jm.mu.Lock()
			status.EndTime = time.Now()
			switch {
			case r != nil:
				log.Printf("Job '%s' panicked: %v", id, r)
				status.Status = "failed"
				status.Message = fmt.Sprintf("Job panicked: %v", r)
			case taskErr != nil:
				log.Printf("Job '%s' failed: %v", id, taskErr)
				status.Status = "failed"
				status.Message = taskErr.Error()
			default:
				status.Status = "success"
				status.Message = "Job completed successfully."
			}
			jm.running = false
			done := jm.done
			jm.mu.Unlock()
			log.Printf("Finished job: %s", id)
			if done != nil {
				done <- id
			}
		}()

		taskErr = task(ctx)
	}()
	return nil
}

// Scheduled runs a job with the context the manager was created with.
func (jm *JobManager) Scheduled(id string) error {
	return jm.RunJob(id, jm.appCtx)
}

// GetStatus returns a snapshot of every registered job, ordered by ID.
func (jm *JobManager) GetStatus() []JobStatus {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	statuses := make([]JobStatus, 0, len(jm.status))
	for _, s := range jm.status {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// NotifyDone makes the manager send each finished job's ID on ch. Sends
// block, so ch should be buffered or drained.
func (jm *JobManager) NotifyDone(ch chan string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.done = ch
}
