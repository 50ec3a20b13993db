package cachectl

import (
	"errors"
	"fmt"
)

// Phase is where the controller is in its lifecycle.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseInstalling
	// PhaseInstalled is waiting to activate.
	PhaseInstalled
	PhaseActivating
	PhaseActivated
	// PhaseRedundant is terminal; install failed.
	PhaseRedundant
)

var phaseNames = map[Phase]string{
	PhaseNew:        "new",
	PhaseInstalling: "installing",
	PhaseInstalled:  "installed",
	PhaseActivating: "activating",
	PhaseActivated:  "activated",
	PhaseRedundant:  "redundant",
}

func (p Phase) String() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

type Event int

const (
	EventInstall Event = iota
	EventInstallSucceeded
	EventInstallFailed
	EventActivate
	EventStaleDeleted
	EventActivateFailed
	// EventResume starts a controller whose generation is already on disk.
	EventResume
	EventFetch
)

var eventNames = map[Event]string{
	EventInstall:          "install",
	EventInstallSucceeded: "install-succeeded",
	EventInstallFailed:    "install-failed",
	EventActivate:         "activate",
	EventStaleDeleted:     "stale-deleted",
	EventActivateFailed:   "activate-failed",
	EventResume:           "resume",
	EventFetch:            "fetch",
}

func (e Event) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Effect is work the controller must do after a transition.
type Effect int

const (
	EffectSeedShell Effect = iota
	EffectSkipWaiting
	EffectDeleteStaleGenerations
	EffectClaimClients
	EffectRespondFromNetwork
	EffectRespondCacheFirst
)

var effectNames = map[Effect]string{
	EffectSeedShell:              "seed-shell",
	EffectSkipWaiting:            "skip-waiting",
	EffectDeleteStaleGenerations: "delete-stale-generations",
	EffectClaimClients:           "claim-clients",
	EffectRespondFromNetwork:     "respond-from-network",
	EffectRespondCacheFirst:      "respond-cache-first",
}

func (e Effect) String() string {
	if n, ok := effectNames[e]; ok {
		return n
	}
	return fmt.Sprintf("Effect(%d)", int(e))
}

var ErrInvalidTransition = errors.New("invalid transition")

type transitionKey struct {
	from  Phase
	event Event
}

type transitionResult struct {
	to      Phase
	effects []Effect
}

var transitions = map[transitionKey]transitionResult{
	{PhaseNew, EventInstall}:                 {PhaseInstalling, []Effect{EffectSeedShell}},
	{PhaseNew, EventResume}:                  {PhaseActivated, []Effect{EffectDeleteStaleGenerations, EffectClaimClients}},
	{PhaseInstalling, EventInstallSucceeded}: {PhaseInstalled, []Effect{EffectSkipWaiting}},
	{PhaseInstalling, EventInstallFailed}:    {PhaseRedundant, nil},
	{PhaseInstalled, EventActivate}:          {PhaseActivating, []Effect{EffectDeleteStaleGenerations}},
	{PhaseActivating, EventStaleDeleted}:     {PhaseActivated, []Effect{EffectClaimClients}},
	{PhaseActivating, EventActivateFailed}:   {PhaseInstalled, nil},
}

// Transition is the whole lifecycle.  It has no side effects; the caller
// performs the returned effects in order.
//
// Fetch is valid in every phase and never changes it: only an activated
// controller answers from the cache.
func Transition(from Phase, ev Event) (Phase, []Effect, error) {
	if ev == EventFetch {
		if from == PhaseActivated {
			return from, []Effect{EffectRespondCacheFirst}, nil
		}
		return from, []Effect{EffectRespondFromNetwork}, nil
	}
	r, ok := transitions[transitionKey{from, ev}]
	if !ok {
		return from, nil, fmt.Errorf("%w: %s in phase %s", ErrInvalidTransition, ev, from)
	}
	return r.to, r.effects, nil
}
