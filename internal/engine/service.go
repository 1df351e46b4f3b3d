package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"calldirector/internal/campaign"
	"calldirector/internal/config"
	"calldirector/internal/dispatch"
	"calldirector/internal/monitor"
	"calldirector/internal/recorder"
	"calldirector/internal/sheet"
	"calldirector/internal/vapi"
)

// Service builds and runs one engine per configured campaign. Every campaign
// has its own sheet, so repositories are constructed per call; the provider
// client, caller-id rotor, and budget are shared.
type Service struct {
	cfg      config.Config
	provider *vapi.Client
	rotor    *dispatch.Rotor
	rdb      *redis.Client
	log      *slog.Logger
}

// NewService wires the shared collaborators. rdb may be nil; hourly budgets
// then fall back to in-process counters.
func NewService(cfg config.Config, rdb *redis.Client, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	provider, err := vapi.NewClient(cfg.Provider.APIKey, cfg.Provider.BaseURL)
	if err != nil {
		return nil, err
	}
	rotor, err := dispatch.NewRotor(cfg.Provider.PhoneNumberIDs)
	if err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, provider: provider, rotor: rotor, rdb: rdb, log: log}, nil
}

// Campaigns lists the campaign names this deployment has configured.
func (s *Service) Campaigns() []string {
	names := make([]string, 0, len(s.cfg.Campaigns))
	for _, name := range campaign.Names() {
		if _, ok := s.cfg.Campaigns[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Plan evaluates one campaign without placing calls.
func (s *Service) Plan(ctx context.Context, name string) (Report, error) {
	eng, p, err := s.engineFor(name)
	if err != nil {
		return Report{}, err
	}
	return eng.Plan(ctx, p)
}

// Run executes one campaign end to end.
func (s *Service) Run(ctx context.Context, name string) (Report, error) {
	eng, p, err := s.engineFor(name)
	if err != nil {
		return Report{}, err
	}
	return eng.Run(ctx, p)
}

// CallRow calls one row of a campaign's sheet. A non-nil notBefore schedules
// the call with the provider instead of dialing immediately.
func (s *Service) CallRow(ctx context.Context, name string, row int, notBefore *time.Time) (Report, error) {
	eng, p, err := s.engineFor(name)
	if err != nil {
		return Report{}, err
	}
	return eng.RunOne(ctx, p, row, notBefore)
}

func (s *Service) engineFor(name string) (*Engine, campaign.Policy, error) {
	p, err := s.cfg.Policy(name)
	if err != nil {
		return nil, campaign.Policy{}, err
	}
	cc := s.cfg.Campaigns[name]

	log := s.log.With("campaign", name)

	repo, err := sheet.NewClient(s.cfg.Sheets.AccessToken, cc.SheetID, p.Schema, s.cfg.Sheets.BaseURL, log)
	if err != nil {
		return nil, campaign.Policy{}, err
	}

	budget, err := s.budgetFor(name)
	if err != nil {
		return nil, campaign.Policy{}, err
	}

	window, err := dispatch.NewWindow(s.cfg.Dialing.WindowStartHour, s.cfg.Dialing.WindowEndHour, s.cfg.Location())
	if err != nil {
		return nil, campaign.Policy{}, err
	}

	d, err := dispatch.New(s.provider, s.rotor, budget, window, log, dispatch.Options{
		Pacing:       s.cfg.Dialing.Pacing,
		MaxBatchSize: s.cfg.Dialing.MaxBatchSize,
	})
	if err != nil {
		return nil, campaign.Policy{}, err
	}

	m, err := monitor.New(s.provider, log, monitor.Options{
		PollInterval: s.cfg.Dialing.PollInterval,
		MaxWait:      s.cfg.Dialing.MaxCallWait,
		AnalysisWait: s.cfg.Dialing.AnalysisWait,
		SkipWait:     p.SkipWait,
	})
	if err != nil {
		return nil, campaign.Policy{}, err
	}

	rec, err := recorder.New(repo, log)
	if err != nil {
		return nil, campaign.Policy{}, err
	}

	eng, err := New(repo, d, m, rec, s.cfg.Location(), s.cfg.Dialing.ExcludedPrefixes, log)
	if err != nil {
		return nil, campaign.Policy{}, err
	}
	return eng, p, nil
}

func (s *Service) budgetFor(name string) (dispatch.Budget, error) {
	if s.rdb == nil {
		return dispatch.NewMemoryBudget(s.cfg.Dialing.MaxCallsPerHour), nil
	}
	b, err := dispatch.NewRedisBudget(s.rdb, name, s.cfg.Dialing.MaxCallsPerHour)
	if err != nil {
		return nil, fmt.Errorf("engine: budget for %s: %w", name, err)
	}
	return b, nil
}
