// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package coordinator

import (
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/xtreedb/xtreestore/pkg/log"
)

// PeriodicDriver calls Tick on a fixed cadence via gocron, for callers
// that would rather not wire tick() into their own request path. Tick()
// remains safe to call directly and concurrently with a running driver;
// the interval throttle inside Coordinator makes the extra calls cheap
// no-ops.
type PeriodicDriver struct {
	c *Coordinator
	s gocron.Scheduler
}

// StartPeriodicDriver starts a gocron scheduler that calls c.Tick every
// interval, following the teacher's taskManager.Start/Shutdown shape.
func StartPeriodicDriver(c *Coordinator, interval time.Duration) (*PeriodicDriver, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(gocron.DurationJob(interval),
		gocron.NewTask(func() {
			c.Tick(time.Now())
		}))
	if err != nil {
		return nil, err
	}

	s.Start()
	log.Infof("coordinator: periodic driver started with %s interval", interval)

	return &PeriodicDriver{c: c, s: s}, nil
}

// Shutdown stops the periodic driver.
func (d *PeriodicDriver) Shutdown() error {
	return d.s.Shutdown()
}
