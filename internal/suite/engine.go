package suite

import (
	"context"
	"errors"
	"fmt"

	"github.com/devfarm/farm-agent/internal/automation"
	"github.com/devfarm/farm-agent/internal/protocol"
	"github.com/devfarm/farm-agent/internal/state"
	"github.com/devfarm/farm-agent/internal/tasks"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Listener receives per-case results as they happen.
type Listener interface {
	OnCaseStart(run *automation.CaseRun)
	OnCaseFinish(run *automation.CaseRun, status string, err error)
}

// Engine executes a suite and blocks until it is finished.
type Engine interface {
	Run(ctx context.Context, s *Suite, l Listener) error
}

// LocalEngine runs tests in order and the devices of each test in parallel.
// Every device run is registered as a suite task so it can be force-stopped.
type LocalEngine struct {
	registry *tasks.Registry
	store    *state.Store
	drivers  automation.Drivers
	log      zerolog.Logger
}

// NewLocalEngine creates an engine.
func NewLocalEngine(registry *tasks.Registry, store *state.Store, drivers automation.Drivers, log zerolog.Logger) *LocalEngine {
	return &LocalEngine{
		registry: registry,
		store:    store,
		drivers:  drivers,
		log:      log.With().Str("component", "suite").Logger(),
	}
}

// Run executes every test of the suite. Case failures are reported through
// the listener; the returned error is only ctx's.
func (e *LocalEngine) Run(ctx context.Context, s *Suite, l Listener) error {
	e.log.Info().
		Str("suite", s.ID).
		Str("platform", s.Platform.String()).
		Int("tests", len(s.Tests)).
		Msg("suite started")

	for _, t := range s.Tests {
		if err := ctx.Err(); err != nil {
			return err
		}

		dataInfo, ok := s.Param(t, ParamDataInfo)
		if !ok {
			e.log.Warn().Str("test", t.Name).Msg("test has no dataInfo, skipping")
			continue
		}
		info, err := ParseCase(dataInfo)
		if err != nil {
			e.log.Error().Err(err).Str("test", t.Name).Msg("invalid case payload, skipping")
			continue
		}

		// Devices fail independently: no shared cancellation.
		var g errgroup.Group
		for _, d := range info.Devices {
			udID := d.UdID
			g.Go(func() error {
				e.runDevice(ctx, s.Platform, info, []byte(dataInfo), udID, l)
				return nil
			})
		}
		_ = g.Wait()
	}

	e.log.Info().Str("suite", s.ID).Msg("suite finished")
	return nil
}

func (e *LocalEngine) runDevice(ctx context.Context, platform protocol.Platform, info CaseInfo, raw []byte, udID string, l Listener) {
	run := &automation.CaseRun{
		Platform:     platform,
		ResultID:     info.ResultID,
		CaseID:       info.CaseID,
		UdID:         udID,
		GlobalParams: info.GlobalParams,
		DataInfo:     raw,
	}
	if pwd, ok := e.store.Password(udID); ok {
		run.Password = pwd
	}

	// Registered before the case is announced so a force stop never misses it.
	h := tasks.NewHandle(ctx, tasks.Spec{
		Kind: tasks.KindSuite,
		Key: tasks.Key{
			Platform: platform,
			ResultID: info.ResultID,
			CaseID:   info.CaseID,
			DeviceID: udID,
		},
	})
	if err := e.registry.Register(h); err != nil {
		e.log.Error().Err(err).Str("udid", udID).Msg("failed to register case")
		return
	}
	defer e.registry.Complete(h)

	prev, hadPrev := e.store.Status(platform, udID)
	e.store.SetStatus(platform, udID, protocol.DeviceTesting)
	e.store.Publish(platform, udID, protocol.DeviceTesting)
	defer func() {
		restored := protocol.DeviceOnline
		if hadPrev && prev != protocol.DeviceTesting {
			restored = prev
			e.store.SetStatus(platform, udID, prev)
		} else {
			e.store.ClearStatus(platform, udID)
		}
		e.store.Publish(platform, udID, restored)
	}()

	l.OnCaseStart(run)

	drv := e.drivers.For(platform)
	err := e.registry.Run(h, func(ctx context.Context) error {
		defer drv.Teardown(run)
		for i, step := range info.Steps {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := drv.RunStep(ctx, run, step); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return fmt.Errorf("step %d: %w", i+1, err)
			}
		}
		return ctx.Err()
	})

	status := protocol.CasePass
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = protocol.CaseCancelled
	default:
		status = protocol.CaseFail
	}

	e.log.Info().
		Int("rid", info.ResultID).
		Int("cid", info.CaseID).
		Str("udid", udID).
		Str("status", status).
		Err(err).
		Msg("case finished")

	l.OnCaseFinish(run, status, err)
}

// ReportListener streams case results to the server through the store's
// bound connection.
type ReportListener struct {
	store *state.Store
}

// NewReportListener creates a listener that reports through store.
func NewReportListener(store *state.Store) *ReportListener {
	return &ReportListener{store: store}
}

// OnCaseStart reports a running case.
func (r *ReportListener) OnCaseStart(run *automation.CaseRun) {
	r.store.Send(protocol.TypeCaseStatus, protocol.CaseStatusPayload{
		ResultID: run.ResultID,
		CaseID:   run.CaseID,
		UdID:     run.UdID,
		Status:   protocol.CaseRunning,
	})
}

// OnCaseFinish reports the final status of a case.
func (r *ReportListener) OnCaseFinish(run *automation.CaseRun, status string, err error) {
	payload := protocol.CaseStatusPayload{
		ResultID: run.ResultID,
		CaseID:   run.CaseID,
		UdID:     run.UdID,
		Status:   status,
	}
	if err != nil && status == protocol.CaseFail {
		payload.Error = err.Error()
	}
	r.store.Send(protocol.TypeCaseStatus, payload)
}
