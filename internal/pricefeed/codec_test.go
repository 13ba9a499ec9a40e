package pricefeed

import (
	"testing"

	"pricestream/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/emptypb"
)

func TestCodec_Registered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	require.NotNil(t, c)
	assert.Equal(t, CodecName, c.Name())
}

func TestCodec_PriceUpdateWireBytes(t *testing.T) {
	b, err := Codec{}.Marshal(&PriceUpdate{Ticker: core.SymbolApple, Price: 155})
	require.NoError(t, err)
	// field 1 varint 1, field 2 varint 155
	assert.Equal(t, []byte{0x08, 0x01, 0x10, 0x9b, 0x01}, b)

	var got PriceUpdate
	require.NoError(t, Codec{}.Unmarshal(b, &got))
	assert.Equal(t, PriceUpdate{Ticker: core.SymbolApple, Price: 155}, got)
}

func TestCodec_ZeroValuesOmitted(t *testing.T) {
	b, err := Codec{}.Marshal(&StockPriceRequest{})
	require.NoError(t, err)
	assert.Empty(t, b)

	got := StockPriceResponse{Ticker: core.SymbolGoogle, Price: 7}
	require.NoError(t, Codec{}.Unmarshal(nil, &got))
	assert.Equal(t, StockPriceResponse{}, got)
}

func TestCodec_SkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	b = protowire.AppendString(b, "ignored")
	b = protowire.AppendTag(b, fieldTicker, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(core.SymbolMicrosoft))
	b = protowire.AppendTag(b, fieldPrice, protowire.VarintType)
	b = protowire.AppendVarint(b, 180)

	var got StockPriceResponse
	require.NoError(t, Codec{}.Unmarshal(b, &got))
	assert.Equal(t, StockPriceResponse{Ticker: core.SymbolMicrosoft, Price: 180}, got)

	// requests carry no price
	var req StockPriceRequest
	require.NoError(t, Codec{}.Unmarshal(b, &req))
	assert.Equal(t, core.SymbolMicrosoft, req.Ticker)
}

func TestCodec_MalformedInput(t *testing.T) {
	var got PriceUpdate
	// tag announces a varint that never ends
	err := Codec{}.Unmarshal([]byte{0x10, 0xff}, &got)
	assert.Error(t, err)
}

func TestCodec_ProtoFallback(t *testing.T) {
	b, err := Codec{}.Marshal(&emptypb.Empty{})
	require.NoError(t, err)
	assert.Empty(t, b)
	assert.NoError(t, Codec{}.Unmarshal(b, &emptypb.Empty{}))

	_, err = Codec{}.Marshal("nope")
	assert.Error(t, err)
	assert.Error(t, Codec{}.Unmarshal(nil, new(int)))
}
