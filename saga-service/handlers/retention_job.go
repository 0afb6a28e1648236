package handlers

import (
	"context"
	"time"

	"github.com/draftea/user-mail-saga/saga-service/application"
	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// NewRetentionScheduler schedules the saga purge every interval. The caller starts and shuts it down.
// A run still in progress when the next one is due makes the next one skip.
func NewRetentionScheduler(ctx context.Context, purgeSagas *application.PurgeSagas, interval time.Duration, opts ...gocron.JobOption) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scheduler")
	}

	opts = append([]gocron.JobOption{
		gocron.WithName("purge-finished-sagas"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}, opts...)

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := purgeSagas.Execute(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to purge finished sagas")
			}
		}),
		opts...,
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, errors.Wrap(err, "failed to schedule saga purge")
	}

	return scheduler, nil
}
