package supervisor

import (
	"context"

	"google.golang.org/grpc"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/protocol"
)

const (
	serviceName                = "hipcheck.plugin.PluginService"
	methodGetQuerySchemas       = "/" + serviceName + "/GetQuerySchemas"
	methodSetConfig             = "/" + serviceName + "/SetConfig"
	methodGetDefaultPolicy      = "/" + serviceName + "/GetDefaultPolicyExpression"
	methodInitiateQueryProtocol = "/" + serviceName + "/InitiateQueryProtocol"
)

// QuerySchema is one entry of the GetQuerySchemas server-streaming
// response (§4.2): a query's name and its JSON Schema for key and
// output, possibly assembled from multiple chunks sharing QueryName.
type QuerySchema struct {
	QueryName    string `json:"query_name"`
	KeySchema    string `json:"key_schema"`
	OutputSchema string `json:"output_schema"`
}

// SetConfigRequest carries the analysis leaf's child configuration
// (§6) as a raw JSON object.
type SetConfigRequest struct {
	ConfigJSON string `json:"config_json"`
}

// SetConfigResponse carries the plugin's SetConfig outcome (§4.2):
// Status "ok" with ConfigHash set, or an error status with Message
// holding the diagnostic.
type SetConfigResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	ConfigHash string `json:"config_hash"`
}

// DefaultPolicyResponse carries the plugin's self-reported default
// policy expression string, possibly empty.
type DefaultPolicyResponse struct {
	Expression string `json:"expression"`
}

// rpcClient is the hand-written client stub for the four plugin RPCs,
// invoked over the *grpc.ClientConn Supervisor.Start dials directly
// against the plugin's allocated port. There is no protoc-generated
// service interface here (§4.2's wiring note in DESIGN.md): every
// message is a plain JSON-tagged struct carried by the jsonCodec
// registered in codec.go, so grpc.ClientConn.Invoke/NewStream work
// against hand-written method paths exactly as they would against
// generated ones.
type rpcClient struct {
	conn *grpc.ClientConn
}

func newRPCClient(conn *grpc.ClientConn) *rpcClient {
	return &rpcClient{conn: conn}
}

func callOpts() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}
}

// GetQuerySchemas drains the plugin's full server-streaming response
// into a slice; chunked entries sharing a QueryName are merged by
// host.Runtime.LoadSchemas, mirroring the chunk/reassemble discipline of
// §4.3 applied to this RPC's own chunking allowance.
func (c *rpcClient) GetQuerySchemas(ctx context.Context) ([]QuerySchema, error) {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, methodGetQuerySchemas, callOpts()...)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.PluginInternalError, err, "opening GetQuerySchemas stream")
	}
	if err := stream.SendMsg(struct{}{}); err != nil {
		return nil, hcerr.Wrap(hcerr.PluginInternalError, err, "sending GetQuerySchemas request")
	}
	if err := stream.CloseSend(); err != nil {
		return nil, hcerr.Wrap(hcerr.PluginInternalError, err, "closing GetQuerySchemas send side")
	}

	var schemas []QuerySchema
	for {
		var s QuerySchema
		if err := stream.RecvMsg(&s); err != nil {
			if err.Error() == "EOF" {
				break
			}
			return schemas, hcerr.Wrap(hcerr.PluginInternalError, err, "receiving query schema")
		}
		schemas = append(schemas, s)
	}
	return schemas, nil
}

func (c *rpcClient) SetConfig(ctx context.Context, configJSON string) (*SetConfigResponse, error) {
	resp := &SetConfigResponse{}
	if err := c.conn.Invoke(ctx, methodSetConfig, &SetConfigRequest{ConfigJSON: configJSON}, resp, callOpts()...); err != nil {
		return nil, hcerr.Wrap(hcerr.PluginInternalError, err, "calling SetConfig")
	}
	return resp, nil
}

func (c *rpcClient) GetDefaultPolicyExpression(ctx context.Context) (string, error) {
	resp := &DefaultPolicyResponse{}
	if err := c.conn.Invoke(ctx, methodGetDefaultPolicy, struct{}{}, resp, callOpts()...); err != nil {
		return "", hcerr.Wrap(hcerr.PluginInternalError, err, "calling GetDefaultPolicyExpression")
	}
	return resp.Expression, nil
}

// wireQuery mirrors protocol.Query's fields for JSON transport; the
// protocol package's own type stays transport-agnostic.
type wireQuery struct {
	ID            int32    `json:"id"`
	State         int      `json:"state"`
	PublisherName string   `json:"publisher_name"`
	PluginName    string   `json:"plugin_name"`
	QueryName     string   `json:"query_name"`
	Key           []string `json:"key"`
	Output        []string `json:"output"`
	Concern       []string `json:"concern"`
	Split         bool     `json:"split"`
}

func toWire(q protocol.Query) wireQuery {
	return wireQuery{
		ID: q.ID, State: int(q.State), PublisherName: q.PublisherName, PluginName: q.PluginName,
		QueryName: q.QueryName, Key: q.Key, Output: q.Output, Concern: q.Concern, Split: q.Split,
	}
}

func fromWire(w wireQuery) protocol.Query {
	return protocol.Query{
		ID: w.ID, State: protocol.State(w.State), PublisherName: w.PublisherName, PluginName: w.PluginName,
		QueryName: w.QueryName, Key: w.Key, Output: w.Output, Concern: w.Concern, Split: w.Split,
	}
}

// QueryStream is the bidi InitiateQueryProtocol stream, typed in terms
// of protocol.Query rather than the raw wire struct.
type QueryStream interface {
	Send(protocol.Query) error
	Recv() (protocol.Query, error)
	CloseSend() error
}

// queryStream wraps the bidi InitiateQueryProtocol stream with
// protocol.Query's types at its edges.
type queryStream struct {
	grpc.ClientStream
}

func (c *rpcClient) InitiateQueryProtocol(ctx context.Context) (QueryStream, error) {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true, ClientStreams: true}, methodInitiateQueryProtocol, callOpts()...)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.PluginInternalError, err, "opening InitiateQueryProtocol stream")
	}
	return &queryStream{ClientStream: stream}, nil
}

func (s *queryStream) Send(q protocol.Query) error {
	w := toWire(q)
	return s.ClientStream.SendMsg(&w)
}

func (s *queryStream) Recv() (protocol.Query, error) {
	var w wireQuery
	if err := s.ClientStream.RecvMsg(&w); err != nil {
		return protocol.Query{}, err
	}
	return fromWire(w), nil
}
