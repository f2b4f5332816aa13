// Package heartbeat runs the gateway's scheduled work: periodic
// self-prompts through the normal message pipeline and housekeeping
// sweeps.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/arcuslabs/arcusgw/internal/config"
	. "github.com/arcuslabs/arcusgw/internal/logging"
	"github.com/arcuslabs/arcusgw/internal/types"
)

const beatTimeout = 2 * time.Minute

// DispatchFunc feeds a synthetic message into the gateway pipeline
type DispatchFunc func(ctx context.Context, msg *types.NormalizedMessage) error

// SweepFunc runs one housekeeping pass
type SweepFunc func(ctx context.Context)

// Service owns the cron scheduler
type Service struct {
	snap     *config.Snapshot
	cron     *cron.Cron
	dispatch DispatchFunc
	sweep    SweepFunc
}

// New creates the service. dispatch receives heartbeat prompts; sweep
// runs hourly housekeeping.
func New(snap *config.Snapshot, dispatch DispatchFunc, sweep SweepFunc) *Service {
	return &Service{
		snap:     snap,
		cron:     cron.New(),
		dispatch: dispatch,
		sweep:    sweep,
	}
}

// Start schedules the jobs and starts the scheduler
func (s *Service) Start() error {
	cfg := s.snap.Current()

	if cfg.Heartbeat.Enabled {
		if _, err := s.cron.AddFunc(cfg.Heartbeat.Schedule, s.beat); err != nil {
			return fmt.Errorf("bad heartbeat schedule %q: %w", cfg.Heartbeat.Schedule, err)
		}
		L_info("heartbeat: scheduled", "schedule", cfg.Heartbeat.Schedule)
	}

	if s.sweep != nil {
		if _, err := s.cron.AddFunc("@hourly", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			s.sweep(ctx)
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for a running job to finish
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	L_debug("heartbeat: stopped")
}

// beat pushes one synthetic prompt through the pipeline. The reply
// lands in the configured channel and chat like any other.
func (s *Service) beat() {
	cfg := s.snap.Current()
	hb := cfg.Heartbeat
	if hb.Channel == "" || hb.ChatID == "" {
		L_warn("heartbeat: no target channel/chat configured, skipping")
		return
	}

	prompt := hb.Prompt
	if prompt == "" {
		prompt = "Heartbeat check-in: anything that needs attention?"
	}

	ctx, cancel := context.WithTimeout(context.Background(), beatTimeout)
	defer cancel()

	msg := &types.NormalizedMessage{
		ID:         "heartbeat-" + uuid.NewString(),
		Channel:    hb.Channel,
		ReceivedAt: time.Now(),
		Chat:       types.ChatRef{ID: hb.ChatID, Kind: types.ChatDirect},
		Sender:     types.MakeAlias(hb.Channel, "heartbeat"),
		Text:       prompt,
	}

	if err := s.dispatch(ctx, msg); err != nil {
		L_warn("heartbeat: dispatch failed", "error", err)
	}
}
