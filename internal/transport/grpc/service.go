package grpc

import (
	"context"

	"actcredits/internal/model"

	"google.golang.org/grpc"
)

const (
	serviceName       = "actcredits.ledger.v1.Ledger"
	consumeMethod     = "/" + serviceName + "/Consume"
	getBalanceMethod  = "/" + serviceName + "/GetBalance"
	serviceDescSource = "actcredits/ledger/v1/ledger.json"
)

type ConsumeRequest struct {
	AccountID   string `json:"account_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	// ReferenceID is the generation id; retries with the same id are charged once.
	ReferenceID string `json:"reference_id,omitempty"`
}

type ConsumeResponse struct {
	EntryID              string         `json:"entry_id"`
	Balances             model.Balances `json:"balances"`
	SubscriptionConsumed int64          `json:"subscription_consumed"`
	RechargeConsumed     int64          `json:"recharge_consumed"`
	Duplicate            bool           `json:"duplicate"`
}

type BalanceRequest struct {
	AccountID string `json:"account_id"`
}

type BalanceResponse struct {
	AccountID string         `json:"account_id"`
	Balances  model.Balances `json:"balances"`
}

// LedgerServer is the server API of actcredits.ledger.v1.Ledger.
type LedgerServer interface {
	Consume(ctx context.Context, req *ConsumeRequest) (*ConsumeResponse, error)
	GetBalance(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error)
}

// RegisterLedgerServer attaches impl to s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, impl LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, impl)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Consume", Handler: consumeHandler},
		{MethodName: "GetBalance", Handler: getBalanceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: serviceDescSource,
}

func consumeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ConsumeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).Consume(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: consumeMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).Consume(ctx, req.(*ConsumeRequest))
	})
}

func getBalanceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BalanceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).GetBalance(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getBalanceMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).GetBalance(ctx, req.(*BalanceRequest))
	})
}

// Client calls the ledger over a connection dialled with the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Consume(ctx context.Context, req *ConsumeRequest, opts ...grpc.CallOption) (*ConsumeResponse, error) {
	out := new(ConsumeResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, consumeMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetBalance(ctx context.Context, req *BalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error) {
	out := new(BalanceResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.cc.Invoke(ctx, getBalanceMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
