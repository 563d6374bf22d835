package registry

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Janitor periodically collects the in-memory resources of finished runs
type Janitor struct {
	registry  *Registry
	cron      *cron.Cron
	schedule  string
	retention time.Duration

	isRunning bool
	entryID   cron.EntryID
}

// NewJanitor creates a janitor running on a cron schedule, e.g. "@every 1m" or "*/30 * * * * *"
func NewJanitor(registry *Registry, schedule string, retention time.Duration) *Janitor {
	// Create cron with seconds precision
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLocation(time.UTC),
	)
	return &Janitor{registry: registry, cron: c, schedule: schedule, retention: retention}
}

// Start begins the periodic collection
func (j *Janitor) Start() error {
	if j.isRunning {
		return nil
	}

	entryID, err := j.cron.AddFunc(j.schedule, func() {
		j.registry.GC(j.retention)
	})
	if err != nil {
		log.Error().Err(err).Str("cron", j.schedule).Msg("Failed to schedule run collection")
		return err
	}

	j.entryID = entryID
	j.cron.Start()
	j.isRunning = true
	return nil
}

// Stop stops the janitor and waits for a running collection to complete
func (j *Janitor) Stop() {
	if !j.isRunning {
		return
	}

	ctx := j.cron.Stop()
	<-ctx.Done()
	j.cron.Remove(j.entryID)
	j.isRunning = false
}

// Next is the time of the next scheduled collection
func (j *Janitor) Next() time.Time {
	return j.cron.Entry(j.entryID).Next
}
