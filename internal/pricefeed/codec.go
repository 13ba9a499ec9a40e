// Package pricefeed carries the price engine over gRPC. Messages use the
// protobuf wire format of the stock service, encoded by hand with protowire.
package pricefeed

import (
	"fmt"

	"pricestream/internal/core"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// CodecName is the content subtype selected by clients
const CodecName = "stockwire"

const (
	fieldTicker protowire.Number = 1
	fieldPrice  protowire.Number = 2
)

func init() {
	encoding.RegisterCodec(Codec{})
}

// wireMessage is implemented by the stock service messages
type wireMessage interface {
	marshalWire() []byte
	unmarshalWire(b []byte) error
}

// PriceUpdate is stock.PriceUpdate
type PriceUpdate struct {
	Ticker core.Symbol
	Price  int32
}

// StockPriceRequest is stock.StockPriceRequest
type StockPriceRequest struct {
	Ticker core.Symbol
}

// StockPriceResponse is stock.StockPriceResponse
type StockPriceResponse struct {
	Ticker core.Symbol
	Price  int32
}

func (m *PriceUpdate) marshalWire() []byte {
	return appendTickerPrice(nil, m.Ticker, m.Price)
}

func (m *PriceUpdate) unmarshalWire(b []byte) error {
	*m = PriceUpdate{}
	return consumeTickerPrice(b, &m.Ticker, &m.Price)
}

func (m *StockPriceRequest) marshalWire() []byte {
	return appendTickerPrice(nil, m.Ticker, 0)
}

func (m *StockPriceRequest) unmarshalWire(b []byte) error {
	*m = StockPriceRequest{}
	return consumeTickerPrice(b, &m.Ticker, nil)
}

func (m *StockPriceResponse) marshalWire() []byte {
	return appendTickerPrice(nil, m.Ticker, m.Price)
}

func (m *StockPriceResponse) unmarshalWire(b []byte) error {
	*m = StockPriceResponse{}
	return consumeTickerPrice(b, &m.Ticker, &m.Price)
}

// appendTickerPrice writes proto3 fields, omitting zero values
func appendTickerPrice(b []byte, ticker core.Symbol, price int32) []byte {
	if ticker != core.SymbolUnknown {
		b = protowire.AppendTag(b, fieldTicker, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(ticker)))
	}
	if price != 0 {
		b = protowire.AppendTag(b, fieldPrice, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(price)))
	}
	return b
}

// consumeTickerPrice decodes fields 1 and 2 and skips anything else.
// A nil price ignores field 2.
func consumeTickerPrice(b []byte, ticker *core.Symbol, price *int32) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("stockwire: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType && (num == fieldTicker || (num == fieldPrice && price != nil)) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("stockwire: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldTicker {
				*ticker = core.Symbol(int32(v))
			} else {
				*price = int32(v)
			}
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return fmt.Errorf("stockwire: bad field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

// Codec marshals stock service messages with protowire and falls back to
// proto for well-known types such as emptypb.Empty and the health service.
type Codec struct{}

var _ encoding.Codec = Codec{}

func (Codec) Name() string {
	return CodecName
}

func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case wireMessage:
		return m.marshalWire(), nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("stockwire: cannot marshal %T", v)
	}
}

func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case wireMessage:
		return m.unmarshalWire(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("stockwire: cannot unmarshal into %T", v)
	}
}
