package server

import (
	"context"
	"encoding/json"

	"PerpVAMM/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// JSONCodecName is the gRPC content subtype of the exchange service. Clients
// dial with grpc.CallContentSubtype(JSONCodecName).
const JSONCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Exchange service messages.
type (
	SubmitCommandRequest struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	UserRequest struct {
		Authority string `json:"authority"`
	}
	MarketRequest struct {
		Index uint64 `json:"index"`
	}
	Empty           struct{}
	MarketsResponse struct {
		Markets []query.MarketResponse `json:"markets"`
	}
)

// ExchangeServer is the gRPC surface of the engine.
type ExchangeServer interface {
	SubmitCommand(context.Context, *SubmitCommandRequest) (*SubmitResponse, error)
	GetUser(context.Context, *UserRequest) (*query.UserResponse, error)
	GetMargin(context.Context, *UserRequest) (*query.MarginInfo, error)
	GetMarket(context.Context, *MarketRequest) (*query.MarketResponse, error)
	ListMarkets(context.Context, *Empty) (*MarketsResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
}

const ExchangeServiceName = "perpvamm.v1.Exchange"

func unaryHandler[Req any](method string, call func(ExchangeServer, context.Context, *Req) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ExchangeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ExchangeServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ExchangeServer), ctx, req.(*Req))
			})
		},
	}
}

var exchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: ExchangeServiceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("SubmitCommand", func(s ExchangeServer, ctx context.Context, r *SubmitCommandRequest) (interface{}, error) {
			return s.SubmitCommand(ctx, r)
		}),
		unaryHandler("GetUser", func(s ExchangeServer, ctx context.Context, r *UserRequest) (interface{}, error) {
			return s.GetUser(ctx, r)
		}),
		unaryHandler("GetMargin", func(s ExchangeServer, ctx context.Context, r *UserRequest) (interface{}, error) {
			return s.GetMargin(ctx, r)
		}),
		unaryHandler("GetMarket", func(s ExchangeServer, ctx context.Context, r *MarketRequest) (interface{}, error) {
			return s.GetMarket(ctx, r)
		}),
		unaryHandler("ListMarkets", func(s ExchangeServer, ctx context.Context, r *Empty) (interface{}, error) {
			return s.ListMarkets(ctx, r)
		}),
		unaryHandler("VerifyIntegrity", func(s ExchangeServer, ctx context.Context, r *Empty) (interface{}, error) {
			return s.VerifyIntegrity(ctx, r)
		}),
	},
	Metadata: "perpvamm/v1/exchange",
}

func RegisterExchangeServer(s grpc.ServiceRegistrar, srv ExchangeServer) {
	s.RegisterService(&exchangeServiceDesc, srv)
}

// ============================================================================
// Implementation
// ============================================================================

type exchangeServer struct {
	deps *ServerDeps
}

func (s *exchangeServer) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*SubmitResponse, error) {
	resp, err := submitCommand(ctx, s.deps.IngestService, req.Type, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *exchangeServer) GetUser(ctx context.Context, req *UserRequest) (*query.UserResponse, error) {
	id, err := parseUser(req.Authority)
	if err != nil {
		return nil, err
	}
	resp, err := s.deps.QueryService.GetUser(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *exchangeServer) GetMargin(ctx context.Context, req *UserRequest) (*query.MarginInfo, error) {
	id, err := parseUser(req.Authority)
	if err != nil {
		return nil, err
	}
	resp, err := s.deps.QueryService.GetMargin(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *exchangeServer) GetMarket(ctx context.Context, req *MarketRequest) (*query.MarketResponse, error) {
	resp, err := s.deps.QueryService.GetMarket(req.Index)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *exchangeServer) ListMarkets(ctx context.Context, _ *Empty) (*MarketsResponse, error) {
	return &MarketsResponse{Markets: s.deps.QueryService.GetMarkets()}, nil
}

func (s *exchangeServer) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.deps.QueryService.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}
