// Package rules runs the optional Lua hook that lets drivers script their
// own scoring adjustments.
//
// A rule script defines a global function
//
//	function adjust(offer, card)
//	  return delta, verdict
//	end
//
// where delta is a score adjustment and verdict is nil or one of "accept",
// "consider", "reject". The engine clamps the delta and re-applies hard
// gates, so a script can nudge but never bypass the floor rules.
package rules

import (
	"fmt"
	"sync"

	"github.com/Shopify/go-lua"

	"github.com/farepilot/farepilot/internal/offer"
	"github.com/farepilot/farepilot/internal/score"
)

const adjustFunc = "adjust"

// LuaHook wraps one loaded rule script. A lua.State is not safe for
// concurrent use, so calls serialize on the mutex.
type LuaHook struct {
	mu    sync.Mutex
	state *lua.State
	path  string
}

// Load compiles and runs the script once so its globals exist, then checks
// that it defined the adjust function.
func Load(path string) (*LuaHook, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)

	if err := lua.LoadFile(state, path, ""); err != nil {
		return nil, fmt.Errorf("load rule script %s: %w", path, err)
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		return nil, fmt.Errorf("run rule script %s: %w", path, err)
	}

	state.Global(adjustFunc)
	defined := state.TypeOf(-1) == lua.TypeFunction
	state.Pop(1)
	if !defined {
		return nil, fmt.Errorf("rule script %s does not define function %q", path, adjustFunc)
	}
	return &LuaHook{state: state, path: path}, nil
}

// Path returns the script path the hook was loaded from.
func (h *LuaHook) Path() string {
	return h.path
}

// Adjust calls the script's adjust function with the offer and the draft
// scorecard.
func (h *LuaHook) Adjust(o offer.Offer, draft score.Scorecard) (float64, score.Verdict, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	top := h.state.Top()
	defer h.state.SetTop(top)

	h.state.Global(adjustFunc)
	pushOffer(h.state, o)
	pushCard(h.state, draft)
	if err := h.state.ProtectedCall(2, 2, 0); err != nil {
		return 0, "", fmt.Errorf("rule script %s: %w", h.path, err)
	}

	delta, _ := h.state.ToNumber(-2)
	var forced score.Verdict
	if h.state.TypeOf(-1) == lua.TypeString {
		v, _ := h.state.ToString(-1)
		forced = score.Verdict(v)
	}
	return delta, forced, nil
}

func pushOffer(l *lua.State, o offer.Offer) {
	l.NewTable()
	setString(l, "id", o.ID)
	setString(l, "platform", o.Platform)
	setString(l, "category", o.Category)
	setString(l, "currency", o.Currency)
	setNumber(l, "fare_cents", float64(o.FareCents))
	setNumber(l, "bonus_cents", float64(o.BonusCents))
	setNumber(l, "trip_km", o.TripKm)
	setNumber(l, "pickup_km", o.PickupKm)
	setNumber(l, "pickup_min", float64(o.PickupMin))
	setNumber(l, "trip_min", float64(o.TripMin))
	setNumber(l, "per_km_cents", float64(o.PerKmCents()))
	setNumber(l, "passenger_rating", o.PassengerRating)
	setNumber(l, "hour", float64(o.ObservedAt.Hour()))
	setBool(l, "surge", o.SurgeSeen)
}

func pushCard(l *lua.State, sc score.Scorecard) {
	l.NewTable()
	setNumber(l, "score", sc.Score)
	setString(l, "verdict", string(sc.Verdict))
	setNumber(l, "per_km_cents", float64(sc.PerKmCents))
	setNumber(l, "per_min_cents", float64(sc.PerMinCents))

	l.NewTable()
	setNumber(l, "base", sc.Components.Base)
	setNumber(l, "per_km", sc.Components.PerKm)
	setNumber(l, "pickup", sc.Components.Pickup)
	setNumber(l, "duration", sc.Components.Duration)
	setNumber(l, "peak", sc.Components.Peak)
	setNumber(l, "category", sc.Components.Category)
	l.SetField(-2, "components")
}

func setString(l *lua.State, key, v string) {
	l.PushString(v)
	l.SetField(-2, key)
}

func setNumber(l *lua.State, key string, v float64) {
	l.PushNumber(v)
	l.SetField(-2, key)
}

func setBool(l *lua.State, key string, v bool) {
	l.PushBoolean(v)
	l.SetField(-2, key)
}
