package pricefeed

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

const (
	ServiceName = "stock.StockService"

	getStockPriceMethod   = "/" + ServiceName + "/GetStockPrice"
	getPriceUpdatesMethod = "/" + ServiceName + "/GetPriceUpdates"
)

// StockServiceServer is the server API for stock.StockService
type StockServiceServer interface {
	GetStockPrice(context.Context, *StockPriceRequest) (*StockPriceResponse, error)
	GetPriceUpdates(*emptypb.Empty, PriceUpdatesServer) error
}

// PriceUpdatesServer is the server side of GetPriceUpdates
type PriceUpdatesServer interface {
	Send(*PriceUpdate) error
	grpc.ServerStream
}

type priceUpdatesServer struct {
	grpc.ServerStream
}

func (s *priceUpdatesServer) Send(m *PriceUpdate) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterStockServiceServer registers srv on s
func RegisterStockServiceServer(s grpc.ServiceRegistrar, srv StockServiceServer) {
	s.RegisterService(&StockServiceDesc, srv)
}

func getStockPriceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StockPriceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockServiceServer).GetStockPrice(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getStockPriceMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StockServiceServer).GetStockPrice(ctx, req.(*StockPriceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getPriceUpdatesHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(StockServiceServer).GetPriceUpdates(m, &priceUpdatesServer{stream})
}

// StockServiceDesc is the grpc.ServiceDesc for stock.StockService
var StockServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStockPrice",
			Handler:    getStockPriceHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "GetPriceUpdates",
			Handler:       getPriceUpdatesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "stock.proto",
}
