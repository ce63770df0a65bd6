package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/vrsandeep/updatekit/internal/host"
	"github.com/vrsandeep/updatekit/internal/models"
)

const (
	UpdateCheckJobID = "update-check"
	AutoUpdateJobID  = "auto-update"
	CachePurgeJobID  = "cache-purge"
)

// RegisterDefaults registers the built-in jobs with the manager.
func RegisterDefaults(jm *JobManager) {
	jm.Register(UpdateCheckJobID, "Check for updates", RunUpdateCheck)
	jm.Register(AutoUpdateJobID, "Install available update", RunAutoUpdate)
	jm.Register(CachePurgeJobID, "Purge expired cache entries", RunCachePurge)
}

// StartJobs starts the background job scheduler. The caller owns the
// returned scheduler and stops it on shutdown.
func StartJobs(app JobContext) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	startUpdateCheckJob(s, app)
	startCachePurgeJob(s, app)

	log.Println("Starting background job scheduler...")
	s.StartAsync()
	return s
}

func startUpdateCheckJob(s *gocron.Scheduler, app JobContext) {
	interval := app.Config().Update.CheckInterval
	if interval <= 0 {
		log.Println("Update check interval is 0, scheduled checks are disabled.")
		return
	}

	log.Printf("Scheduling job: '%s' to run every %d minutes.", UpdateCheckJobID, interval)
	_, err := s.Every(interval).Minutes().Do(func() {
		// Auto-update is read on every tick so settings changes apply
		// without a restart.
		jobID := UpdateCheckJobID
		if app.Updater().AutoUpdateEnabled() {
			jobID = AutoUpdateJobID
		}
		log.Println("Scheduler is triggering job:", jobID)
		if err := app.JobManager().RunJob(jobID, app); err != nil {
			log.Printf("Scheduled job '%s' could not start: %v", jobID, err)
		}
	})
	if err != nil {
		log.Printf("Error scheduling '%s' job: %v", UpdateCheckJobID, err)
	}
}

func startCachePurgeJob(s *gocron.Scheduler, app JobContext) {
	log.Printf("Scheduling job: '%s' to run every 60 minutes.", CachePurgeJobID)
	_, err := s.Every(1).Hour().WaitForSchedule().Do(func() {
		if err := app.JobManager().RunJob(CachePurgeJobID, app); err != nil {
			log.Printf("Scheduled job '%s' could not start: %v", CachePurgeJobID, err)
		}
	})
	if err != nil {
		log.Printf("Error scheduling '%s' job: %v", CachePurgeJobID, err)
	}
}

func report(ctx JobContext, jobID, status, message string, done bool) {
	if hub := ctx.WsHub(); hub != nil {
		hub.BroadcastJSON(models.ProgressUpdate{
			Type:    models.MessageJobProgress,
			JobID:   jobID,
			Message: message,
			Status:  status,
			Done:    done,
		})
	}
}

// RunUpdateCheck asks the release feed for a newer version. The cached
// answer is used while it is fresh.
func RunUpdateCheck(ctx JobContext) error {
	report(ctx, UpdateCheckJobID, "in_progress", "Checking for updates...", false)
	desc, err := ctx.Updater().CheckForUpdates(context.Background(), false)
	if err != nil {
		report(ctx, UpdateCheckJobID, "failed", err.Error(), true)
		return err
	}
	if desc == nil {
		report(ctx, UpdateCheckJobID, "completed", "No newer release available.", true)
		return nil
	}
	report(ctx, UpdateCheckJobID, "completed", fmt.Sprintf("Version %s is available.", desc.Version()), true)
	return nil
}

// RunAutoUpdate checks the feed and installs a newer release when automatic
// updates are enabled.
func RunAutoUpdate(ctx JobContext) error {
	u := ctx.Updater()
	if !u.AutoUpdateEnabled() {
		report(ctx, AutoUpdateJobID, "completed", "Automatic updates are disabled.", true)
		return nil
	}

	report(ctx, AutoUpdateJobID, "in_progress", "Checking for updates...", false)
	desc, err := u.CheckForUpdates(context.Background(), false)
	if err != nil {
		report(ctx, AutoUpdateJobID, "failed", err.Error(), true)
		return err
	}
	if desc == nil {
		report(ctx, AutoUpdateJobID, "completed", "Already up to date.", true)
		return nil
	}

	report(ctx, AutoUpdateJobID, "in_progress", fmt.Sprintf("Installing version %s...", desc.Version()), false)
	// Scheduled installs act on behalf of the operator who enabled them.
	if err := u.InstallUpdate(host.WithCapability(context.Background()), *desc); err != nil {
		report(ctx, AutoUpdateJobID, "failed", err.Error(), true)
		return fmt.Errorf("failed to install version %s: %w", desc.Version(), err)
	}
	report(ctx, AutoUpdateJobID, "completed", fmt.Sprintf("Installed version %s.", desc.Version()), true)
	return nil
}

// RunCachePurge deletes expired key-value entries.
func RunCachePurge(ctx JobContext) error {
	n, err := ctx.Store().PurgeExpired()
	if err != nil {
		report(ctx, CachePurgeJobID, "failed", err.Error(), true)
		return fmt.Errorf("failed to purge expired entries: %w", err)
	}
	report(ctx, CachePurgeJobID, "completed", fmt.Sprintf("Removed %d expired entries.", n), true)
	return nil
}
