// Package engine owns the authoritative price state and broadcasts ticks to subscribers.
package engine

import (
	"sync/atomic"

	"pricestream/internal/core"
)

// StateConfig parameterizes the bounded random walk
type StateConfig struct {
	Seeds        map[core.Symbol]int64
	Floor        int64
	MaxStep      int64
	DefaultPrice int64
}

// DefaultStateConfig returns the seed universe used by the stock service
func DefaultStateConfig() StateConfig {
	return StateConfig{
		Seeds: map[core.Symbol]int64{
			core.SymbolApple:     150,
			core.SymbolAmazon:    160,
			core.SymbolGoogle:    140,
			core.SymbolMicrosoft: 180,
		},
		Floor:        100,
		MaxStep:      5,
		DefaultPrice: 100,
	}
}

// PriceState maps each known symbol to its current price. The key set is
// fixed at construction so reads never take a lock.
type PriceState struct {
	prices map[core.Symbol]*atomic.Int64
	order  []core.Symbol
	cfg    StateConfig
	rnd    Rand
}

// NewPriceState builds the state and seeds it
func NewPriceState(cfg StateConfig, rnd Rand) *PriceState {
	if cfg.MaxStep < 0 {
		cfg.MaxStep = -cfg.MaxStep
	}

	s := &PriceState{
		prices: make(map[core.Symbol]*atomic.Int64),
		order:  core.KnownSymbols(),
		cfg:    cfg,
		rnd:    rnd,
	}
	for _, sym := range s.order {
		s.prices[sym] = new(atomic.Int64)
	}
	s.Seed()
	return s
}

// Seed resets every symbol to its seed value. Symbols without a seed start at
// the default price. Seeds below the floor are raised to it.
func (s *PriceState) Seed() {
	for _, sym := range s.order {
		seed, ok := s.cfg.Seeds[sym]
		if !ok {
			seed = s.cfg.DefaultPrice
		}
		s.prices[sym].Store(max(s.cfg.Floor, seed))
	}
}

// Get returns the current price, or the default price for an unknown symbol
func (s *PriceState) Get(sym core.Symbol) int64 {
	if p, ok := s.prices[sym]; ok {
		return p.Load()
	}
	return s.cfg.DefaultPrice
}

// Symbols returns the stable iteration order
func (s *PriceState) Symbols() []core.Symbol {
	return s.order
}

// Step applies one bounded random-walk move to sym and returns the new price.
// Only the tick goroutine calls Step.
func (s *PriceState) Step(sym core.Symbol) int64 {
	p, ok := s.prices[sym]
	if !ok {
		return s.cfg.DefaultPrice
	}
	next := max(s.cfg.Floor, p.Load()+s.delta())
	p.Store(next)
	return next
}

// delta draws uniformly from [-MaxStep, +MaxStep]
func (s *PriceState) delta() int64 {
	if s.cfg.MaxStep == 0 {
		return 0
	}
	return s.rnd.Int63n(2*s.cfg.MaxStep+1) - s.cfg.MaxStep
}
