package tenancy

import (
	"fmt"

	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ScheduleFlush clears cache on the given cron schedule
// (standard five-field syntax or descriptors such as "@every 10m").
// The caller starts and stops the returned scheduler.
func ScheduleFlush(cache *Cache, schedule string, log *logrus.Logger) (*cron.Cron, error) {
	if log == nil {
		log = logrus.New()
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		defer observability.RecoverPanic(log, "scheduled cache flush")
		evicted := cache.Len()
		cache.Clear()
		log.WithField("evicted", evicted).Info("scheduled tenant cache flush")
	})
	if err != nil {
		return nil, fmt.Errorf("invalid flush schedule %q: %w", schedule, err)
	}
	return c, nil
}
