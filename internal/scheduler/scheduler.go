// Package scheduler runs the five periodic device loops plus the MQTT
// command pump of §4.4, translated tick-for-tick from
// original_source/main.py's five coroutines and inline MQTT pump loop.
// Each loop is one goroutine on a self-correcting sleep; Go's preemptive
// scheduler replaces asyncio's cooperative one, so per-device ordering
// is enforced by session.Session's own mutex rather than single-thread
// discipline (§5).
package scheduler

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZHDKk/driver-io/internal/mq"
	"github.com/ZHDKk/driver-io/internal/recipe"
	"github.com/ZHDKk/driver-io/internal/session"
)

const (
	deviceReadPeriod      = 800 * time.Millisecond
	deviceManagePeriod    = 1 * time.Second
	safetyClearPeriod     = 200 * time.Millisecond
	recipeRequestPeriod   = 500 * time.Millisecond
	statusBroadcastPeriod = 2 * time.Second
	mqttPumpInterval      = 20 * time.Millisecond
	minSleep              = 10 * time.Millisecond
)

// DeviceStatus is one (name, connecting) pair published by the
// status-broadcast loop.
type DeviceStatus struct {
	Name       string
	Connecting bool
}

// Scheduler owns every device session, the recipe orchestrator and the
// inbound MQTT queue, and drives all six concurrent loops until ctx is
// cancelled.
type Scheduler struct {
	devices map[string]*session.Session
	// s7Devices are read synchronously before the opcuaDevices fan-out
	// starts, grounded on distribution.py's dev_sync list of devices
	// read outside the asyncio.gather batch.
	s7Devices    []string
	opcuaDevices []string

	recipe *recipe.Orchestrator
	inbox  *mq.Queue

	dispatch          func(ctx context.Context, env mq.Envelope)
	publishStatus     func([]DeviceStatus)
	publishFullStatus func()

	logger *log.Logger
}

// New builds a Scheduler. deviceLinkTypes maps each device name to its
// configured link type ("s7" or "opcua"), used to order the read fan-out.
func New(
	devices map[string]*session.Session,
	deviceLinkTypes map[string]string,
	orch *recipe.Orchestrator,
	inbox *mq.Queue,
	dispatch func(ctx context.Context, env mq.Envelope),
	publishStatus func([]DeviceStatus),
	publishFullStatus func(),
	logger *log.Logger,
) *Scheduler {
	s := &Scheduler{
		devices:           devices,
		recipe:            orch,
		inbox:             inbox,
		dispatch:          dispatch,
		publishStatus:     publishStatus,
		publishFullStatus: publishFullStatus,
		logger:            logger,
	}
	for name, linkType := range deviceLinkTypes {
		if linkType == "s7" {
			s.s7Devices = append(s.s7Devices, name)
		} else {
			s.opcuaDevices = append(s.opcuaDevices, name)
		}
	}
	return s
}

// Run starts all loops and blocks until ctx is cancelled or one loop
// returns a non-cancellation error.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, deviceReadPeriod, s.deviceReadTick) })
	g.Go(func() error { return s.loop(ctx, deviceManagePeriod, s.deviceManageTick) })
	g.Go(func() error { return s.loop(ctx, safetyClearPeriod, s.safetyClearTick) })
	g.Go(func() error { return s.loop(ctx, recipeRequestPeriod, s.recipeRequestTick) })
	g.Go(func() error { return s.loop(ctx, statusBroadcastPeriod, s.statusBroadcastTick) })
	g.Go(func() error { return s.mqttPump(ctx) })
	return g.Wait()
}

// loop runs work every period, measuring its own duration and sleeping
// max(0.01s, period-elapsed), per §4.4's self-correcting schedule.
func (s *Scheduler) loop(ctx context.Context, period time.Duration, work func(context.Context)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start := time.Now()
		work(ctx)
		elapsed := time.Since(start)
		sleep := period - elapsed
		if sleep < minSleep {
			sleep = minSleep
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Scheduler) deviceReadTick(ctx context.Context) {
	for _, name := range s.s7Devices {
		dev, ok := s.devices[name]
		if !ok {
			continue
		}
		if _, err := dev.Scan(ctx, nil); err != nil {
			s.logger.Printf("scheduler: [read] %s: %v", name, err)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.opcuaDevices {
		name := name
		dev, ok := s.devices[name]
		if !ok {
			continue
		}
		g.Go(func() error {
			if _, err := dev.Scan(gctx, nil); err != nil {
				s.logger.Printf("scheduler: [read] %s: %v", name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) deviceManageTick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for name, dev := range s.devices {
		name, dev := name, dev
		g.Go(func() error {
			if err := dev.Manage(gctx); err != nil {
				s.logger.Printf("scheduler: [manage] %s: %v", name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if s.publishFullStatus != nil {
		s.publishFullStatus()
	}
}

func (s *Scheduler) safetyClearTick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for name, dev := range s.devices {
		name, dev := name, dev
		g.Go(func() error {
			if err := dev.SafetyClear(gctx); err != nil {
				s.logger.Printf("scheduler: [safety-clear] %s: %v", name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) recipeRequestTick(ctx context.Context) {
	if s.recipe != nil {
		s.recipe.Tick(ctx)
	}
}

func (s *Scheduler) statusBroadcastTick(ctx context.Context) {
	if s.publishStatus == nil {
		return
	}
	statuses := make([]DeviceStatus, 0, len(s.devices))
	for name, dev := range s.devices {
		statuses = append(statuses, DeviceStatus{Name: name, Connecting: dev.Connecting()})
	}
	s.publishStatus(statuses)
}

// mqttPump drains the inbound queue one envelope at a time and hands
// each to dispatch, sleeping 20ms between iterations, per §4.4.
func (s *Scheduler) mqttPump(ctx context.Context) error {
	for {
		env, err := s.inbox.Pop(ctx)
		if err != nil {
			return err
		}
		s.dispatch(ctx, env)
		t := time.NewTimer(mqttPumpInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
