// Package pool rotates outbound requests over a fixed set of API credentials,
// excluding credentials that keep failing until their cooldown has passed.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nadmax/pixq/internal/clock"
	"github.com/nadmax/pixq/internal/credential"
	"github.com/nadmax/pixq/internal/metrics"
	"github.com/nadmax/pixq/internal/repository"
)

var (
	ErrNoCredentialAvailable = errors.New("no credential available")
	ErrNoCredentials         = errors.New("at least one credential is required")
	ErrUnknownSlot           = errors.New("unknown credential slot")
)

type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: credential.FailureThreshold,
		Cooldown:         credential.CooldownDuration,
	}
}

// Lease is a credential handed out for a single upstream call.
type Lease struct {
	Slot int
	Key  string
}

func (l Lease) Label() string {
	return credential.Label(l.Slot)
}

type Pool struct {
	mu     sync.Mutex
	keys   []string
	repo   repository.CredentialStatusRepository
	clock  clock.Clock
	cfg    Config
	cursor int
}

// New creates a pool over keys and makes sure the store holds one status per
// slot. Rows that already exist are left as they are, so health state survives
// restarts.
func New(ctx context.Context, keys []string, repo repository.CredentialStatusRepository, clk clock.Clock, cfg Config) (*Pool, error) {
	if len(keys) == 0 {
		return nil, ErrNoCredentials
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = credential.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = credential.CooldownDuration
	}
	if clk == nil {
		clk = clock.Real{}
	}

	p := &Pool{
		keys:  append([]string(nil), keys...),
		repo:  repo,
		clock: clk,
		cfg:   cfg,
	}

	for slot := range p.keys {
		_, err := repo.GetStatus(ctx, slot)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to load status for %s: %w", credential.Label(slot), err)
		}
		if _, err := repo.UpsertStatus(ctx, slot, credential.Initial()); err != nil {
			return nil, fmt.Errorf("failed to initialize %s: %w", credential.Label(slot), err)
		}
	}

	return p, nil
}

func (p *Pool) Size() int {
	return len(p.keys)
}

// Acquire returns the next eligible credential in round-robin order. Cooldowns
// that have run out are cleared first. It never waits for a credential to
// become available.
func (p *Pool) Acquire(ctx context.Context) (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses, err := p.loadStatuses(ctx)
	if err != nil {
		return Lease{}, err
	}

	now := p.clock.Now()
	for slot, s := range statuses {
		if !s.Recoverable(now) {
			continue
		}
		restored, err := p.repo.UpsertStatus(ctx, slot, credential.Update{RestoreAt: &now})
		if err != nil {
			return Lease{}, fmt.Errorf("failed to restore %s: %w", credential.Label(slot), err)
		}
		statuses[slot] = restored
		if restored.Transition == credential.TransitionRestored {
			metrics.RecordCredentialRecovered(credential.Label(slot))
			slog.Info("credential restored after cooldown", "slot", slot, "key", credential.Label(slot))
		}
	}

	n := len(p.keys)
	for i := range n {
		slot := (p.cursor + i) % n
		if !statuses[slot].Available(now) {
			continue
		}
		p.cursor = (slot + 1) % n
		return Lease{Slot: slot, Key: p.keys[slot]}, nil
	}

	return Lease{}, ErrNoCredentialAvailable
}

// ReportSuccess records the use of slot. The failure count is deliberately
// left untouched; only cooldown expiry and ResetAll clear it.
func (p *Pool) ReportSuccess(ctx context.Context, slot int) error {
	if err := p.checkSlot(slot); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	_, err := p.repo.UpsertStatus(ctx, slot, credential.Update{LastUsed: &now})
	return err
}

// ReportFailure counts a failed call on slot and puts the slot into cooldown
// once the threshold is reached. A cooldown that is still running is never
// extended.
func (p *Pool) ReportFailure(ctx context.Context, slot int) error {
	if err := p.checkSlot(slot); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	updated, err := p.repo.UpsertStatus(ctx, slot, credential.Update{
		LastUsed: &now,
		Failure: &credential.Failure{
			At:        now,
			Threshold: p.cfg.FailureThreshold,
			Cooldown:  p.cfg.Cooldown,
		},
	})
	if err != nil {
		return err
	}

	if updated.Transition == credential.TransitionCooledDown {
		metrics.RecordCredentialCooldown(credential.Label(slot))
		slog.Warn("credential entered cooldown",
			"slot", slot,
			"key", credential.Label(slot),
			"failures", updated.FailureCount,
			"until", updated.CooldownUntil,
		)
	}

	return nil
}

// ResetAll restores every slot to its initial state and rewinds the cursor.
func (p *Pool) ResetAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.repo.ResetStatuses(ctx); err != nil {
		return err
	}
	p.cursor = 0

	slog.Info("credentials reset", "count", len(p.keys))
	return nil
}

// Statuses returns the stored status of every configured slot, ordered by slot.
func (p *Pool) Statuses(ctx context.Context) ([]*credential.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.loadStatuses(ctx)
}

// Available counts the slots that Acquire could hand out right now.
func (p *Pool) Available(ctx context.Context) (int, error) {
	statuses, err := p.Statuses(ctx)
	if err != nil {
		return 0, err
	}

	now := p.clock.Now()
	count := 0
	for _, s := range statuses {
		if s.Available(now) || s.Recoverable(now) {
			count++
		}
	}

	return count, nil
}

// loadStatuses returns one status per configured slot, indexed by slot. Slots
// missing from the store are reported in their initial state.
func (p *Pool) loadStatuses(ctx context.Context) ([]*credential.Status, error) {
	stored, err := p.repo.ListStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credential statuses: %w", err)
	}

	statuses := make([]*credential.Status, len(p.keys))
	for _, s := range stored {
		if s.Slot >= 0 && s.Slot < len(statuses) {
			statuses[s.Slot] = s
		}
	}
	for slot := range statuses {
		if statuses[slot] == nil {
			statuses[slot] = credential.NewStatus(slot)
		}
	}

	return statuses, nil
}

func (p *Pool) checkSlot(slot int) error {
	if slot < 0 || slot >= len(p.keys) {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	return nil
}
