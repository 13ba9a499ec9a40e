package core

import "strings"

// Symbol identifies a tradable instrument from the fixed universe known at startup.
type Symbol int32

const (
	SymbolUnknown Symbol = iota
	SymbolApple
	SymbolAmazon
	SymbolGoogle
	SymbolMicrosoft
)

var symbolNames = map[Symbol]string{
	SymbolUnknown:   "UNKNOWN",
	SymbolApple:     "APPLE",
	SymbolAmazon:    "AMAZON",
	SymbolGoogle:    "GOOGLE",
	SymbolMicrosoft: "MICROSOFT",
}

// knownSymbols is the stable iteration order used for snapshots and ticks.
var knownSymbols = []Symbol{SymbolApple, SymbolAmazon, SymbolGoogle, SymbolMicrosoft}

func (s Symbol) String() string {
	if name, ok := symbolNames[s]; ok {
		return name
	}
	return symbolNames[SymbolUnknown]
}

// IsKnown reports whether s belongs to the fixed symbol universe.
func (s Symbol) IsKnown() bool {
	return s > SymbolUnknown && s <= SymbolMicrosoft
}

// ParseSymbol maps a ticker name to a Symbol. Unrecognized names map to SymbolUnknown.
func ParseSymbol(name string) Symbol {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for sym, n := range symbolNames {
		if n == upper && sym != SymbolUnknown {
			return sym
		}
	}
	return SymbolUnknown
}

// KnownSymbols returns a copy of the symbol universe in stable order.
func KnownSymbols() []Symbol {
	out := make([]Symbol, len(knownSymbols))
	copy(out, knownSymbols)
	return out
}

// PriceUpdate is an immutable price observation produced by the engine.
type PriceUpdate struct {
	Symbol Symbol
	Price  int64
}

// DTO converts the update to its downstream payload.
func (u PriceUpdate) DTO() PriceUpdateDTO {
	return PriceUpdateDTO{Ticker: u.Symbol.String(), Price: u.Price}
}

// PriceUpdateDTO is the payload carried by every downstream event.
type PriceUpdateDTO struct {
	Ticker string `json:"ticker"`
	Price  int64  `json:"price"`
}
