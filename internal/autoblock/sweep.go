package autoblock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/logwarden/logwarden/internal/detect"
)

// Sweeper periodically runs the detectors over recent events and feeds
// every fresh detection to the actor. It is the background half of
// auto-blocking; the dashboard's manual block endpoint calls the actor
// directly.
type Sweeper struct {
	actor    *Actor
	scanner  detect.EventScanner
	interval time.Duration
	lookback time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewSweeper builds a sweeper. interval defaults to 2 minutes and
// lookback to 15 minutes; a short lookback keeps re-evaluation cheap and
// the active-block pre-check makes re-seen detections no-ops.
func NewSweeper(actor *Actor, scanner detect.EventScanner, interval, lookback time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if lookback <= 0 {
		lookback = 15 * time.Minute
	}
	return &Sweeper{
		actor:    actor,
		scanner:  scanner,
		interval: interval,
		lookback: lookback,
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled. Sweep failures are
// logged and the loop continues, except for a firewall authentication
// failure: that means every future block attempt would also fail, so the
// loop stops and leaves a loud error behind.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("auto-block sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("lookback", s.lookback))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("auto-block sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				if errors.Is(err, ErrFirewallAuth) {
					s.log.Error("firewall authentication failed, auto-blocking disabled until restart",
						slog.Any("error", err))
					return
				}
				s.log.Error("auto-block sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep runs all three detectors with their default parameters over the
// lookback window and processes each detection through the actor.
func (s *Sweeper) Sweep(ctx context.Context) error {
	detections, err := s.detect(ctx)
	if err != nil {
		return err
	}

	for _, d := range detections {
		decision, err := s.actor.Process(ctx, d)
		if err != nil {
			// A firewall auth failure dooms every later block attempt;
			// any other failure is per-detection, so keep going.
			if errors.Is(err, ErrFirewallAuth) {
				return err
			}
			s.log.Error("auto-block processing failed",
				slog.String("ip", d.SourceIP),
				slog.String("alert_type", d.AlertType),
				slog.Any("error", err))
			continue
		}
		if decision.Blocked {
			s.log.Info("auto-block applied",
				slog.String("ip", d.SourceIP),
				slog.String("alert_type", d.AlertType),
				slog.String("reason", decision.Reason))
		}
	}
	return nil
}

// detect runs the three detectors with their default window parameters,
// scanning only the last lookback of events. The lookback bounds the
// scan range, never the attack windows; widening the windows would flag
// rates the detectors' own defaults do not consider attacks.
func (s *Sweeper) detect(ctx context.Context) ([]detect.Detection, error) {
	start := s.now().Add(-s.lookback)

	var all []detect.Detection

	bf, err := detect.BruteForce(ctx, s.scanner, detect.BruteForceParams{Start: start}, s.now)
	if err != nil {
		return nil, err
	}
	all = append(all, bf...)

	fl, err := detect.Flood(ctx, s.scanner, detect.FloodParams{Start: start}, s.now)
	if err != nil {
		return nil, err
	}
	all = append(all, fl...)

	ps, err := detect.PortScan(ctx, s.scanner, detect.PortScanParams{Start: start}, s.now)
	if err != nil {
		return nil, err
	}
	all = append(all, ps...)

	return all, nil
}
