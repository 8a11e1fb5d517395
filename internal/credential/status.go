// Package credential defines the health record kept for every API credential slot
// and the partial updates the pool applies to it.
package credential

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	FailureThreshold = 3
	CooldownDuration = 60 * time.Second
)

// Transition is what an Update did to the slot's availability. It is not stored.
type Transition string

const (
	TransitionNone       Transition = ""
	TransitionCooledDown Transition = "cooled_down"
	TransitionRestored   Transition = "restored"
)

type (
	Status struct {
		Slot          int        `json:"key_index"`
		IsActive      bool       `json:"is_active"`
		FailureCount  int        `json:"failure_count"`
		CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
		LastUsed      *time.Time `json:"last_used,omitempty"`
		UpdatedAt     time.Time  `json:"updated_at"`
		Transition    Transition `json:"-"`
	}

	// Update is a partial change to a Status. Nil fields are left untouched.
	// ClearCooldown wins over CooldownUntil. Failure and RestoreAt are
	// evaluated against the stored state, so stores apply them inside their
	// atomic section.
	Update struct {
		IsActive      *bool
		FailureCount  *int
		CooldownUntil *time.Time
		ClearCooldown bool
		LastUsed      *time.Time
		Failure       *Failure
		RestoreAt     *time.Time
	}

	// Failure counts one failed call made at At. When the new count reaches
	// Threshold and no cooldown is live at At, the slot is deactivated until
	// At plus Cooldown.
	Failure struct {
		At        time.Time
		Threshold int
		Cooldown  time.Duration
	}
)

func NewStatus(slot int) *Status {
	return &Status{
		Slot:     slot,
		IsActive: true,
	}
}

// Label is the operator-facing name of a slot ("Key 1" for slot 0).
func Label(slot int) string {
	return fmt.Sprintf("Key %d", slot+1)
}

// CoolingDown reports whether the slot has a cooldown that has not yet expired.
func (s *Status) CoolingDown(now time.Time) bool {
	return s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}

// CooldownExpired reports whether the slot carries a cooldown whose end has been reached.
func (s *Status) CooldownExpired(now time.Time) bool {
	return s.CooldownUntil != nil && !now.Before(*s.CooldownUntil)
}

func (s *Status) Available(now time.Time) bool {
	return s.IsActive && !s.CoolingDown(now)
}

// Recoverable reports whether the slot is out of rotation but due to return:
// its cooldown has ended, or it was deactivated without a cooldown at all.
func (s *Status) Recoverable(now time.Time) bool {
	return s.CooldownExpired(now) || (!s.IsActive && s.CooldownUntil == nil)
}

func (s *Status) Apply(u Update, now time.Time) {
	s.Transition = TransitionNone

	if u.RestoreAt != nil && s.Recoverable(*u.RestoreAt) {
		s.IsActive = true
		s.FailureCount = 0
		s.CooldownUntil = nil
		s.Transition = TransitionRestored
	}
	if u.IsActive != nil {
		s.IsActive = *u.IsActive
	}
	if u.FailureCount != nil {
		s.FailureCount = *u.FailureCount
	}
	if u.ClearCooldown {
		s.CooldownUntil = nil
	} else if u.CooldownUntil != nil {
		until := *u.CooldownUntil
		s.CooldownUntil = &until
	}
	if u.LastUsed != nil {
		used := *u.LastUsed
		s.LastUsed = &used
	}
	if f := u.Failure; f != nil {
		s.FailureCount++
		if s.FailureCount >= f.Threshold && !s.CoolingDown(f.At) {
			until := f.At.Add(f.Cooldown)
			s.IsActive = false
			s.CooldownUntil = &until
			s.Transition = TransitionCooledDown
		}
	}
	s.UpdatedAt = now
}

// Initial is the update that restores a slot to its startup state.
func Initial() Update {
	active := true
	zero := 0
	return Update{
		IsActive:      &active,
		FailureCount:  &zero,
		ClearCooldown: true,
	}
}

func (s *Status) ToJSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func StatusFromJSON(data string) (*Status, error) {
	var s Status
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, err
	}

	return &s, nil
}
