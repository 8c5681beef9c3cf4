package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"txbridge/internal/txn"
)

// Wire contract of a remote plugin: the payload travels as a BytesValue, the
// record key as binary metadata. A plugin drops a record by calling Drop, and
// rejects a malformed one with codes.InvalidArgument.
const (
	ServiceName     = "txbridge.transform.v1.Transformer"
	transformMethod = "/" + ServiceName + "/Transform"

	keyMD  = "record-key-bin"
	dropMD = "txbridge-drop"
)

type Handler interface {
	Transform(ctx context.Context, payload *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Transform",
		Handler:    transformHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "txbridge/transform/v1",
}

func RegisterHandler(s grpc.ServiceRegistrar, h Handler) { s.RegisterService(&ServiceDesc, h) }

func transformHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Transform(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: transformMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).Transform(ctx, req.(*wrapperspb.BytesValue))
	})
}

// Drop marks the current call's record as dropped. Handlers call it before
// returning.
func Drop(ctx context.Context) error {
	return grpc.SetHeader(ctx, metadata.Pairs(dropMD, "1"))
}

// RecordKey returns the key of the record being transformed.
func RecordKey(ctx context.Context) []byte {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get(keyMD); len(v) > 0 {
		return []byte(v[0])
	}
	return nil
}

type GRPCOptions struct {
	Name     string
	Address  string
	Timeout  time.Duration // per attempt
	Attempts int
	Backoff  time.Duration
	Dial     []grpc.DialOption
}

// GRPCClient calls a remote plugin. Unavailable or timed-out calls are
// retried; the rest fail immediately.
type GRPCClient struct {
	opts GRPCOptions
	conn *grpc.ClientConn
}

func NewGRPCClient(_ context.Context, o GRPCOptions) (*GRPCClient, error) {
	if o.Address == "" {
		return nil, fmt.Errorf("transform %s: address is required", o.Name)
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff <= 0 {
		o.Backoff = 100 * time.Millisecond
	}
	dial := o.Dial
	if len(dial) == 0 {
		dial = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		}
	}
	conn, err := grpc.NewClient(o.Address, dial...)
	if err != nil {
		return nil, fmt.Errorf("transform %s: dial %s: %w", o.Name, o.Address, err)
	}
	return &GRPCClient{opts: o, conn: conn}, nil
}

func (c *GRPCClient) Name() string { return c.opts.Name }

func (c *GRPCClient) Transform(ctx context.Context, rec txn.Record) ([]txn.Record, error) {
	var (
		out     *wrapperspb.BytesValue
		dropped bool
	)
	op := func() error {
		actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		if rec.Key != nil {
			actx = metadata.AppendToOutgoingContext(actx, keyMD, string(rec.Key))
		}
		var hdr metadata.MD
		resp := new(wrapperspb.BytesValue)
		err := c.conn.Invoke(actx, transformMethod, wrapperspb.Bytes(rec.Payload), resp, grpc.Header(&hdr))
		switch status.Code(err) {
		case codes.OK:
			out, dropped = resp, len(hdr.Get(dropMD)) > 0
			return nil
		case codes.InvalidArgument:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrMalformed, status.Convert(err).Message()))
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.Backoff), uint64(c.opts.Attempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	if dropped {
		return nil, nil
	}
	return []txn.Record{txn.NewRecord(rec.Key, out.GetValue(), rec.Headers)}, nil
}

func (c *GRPCClient) Close() error { return c.conn.Close() }
