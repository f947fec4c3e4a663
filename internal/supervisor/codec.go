package supervisor

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered as a grpc content-subtype so the four
// plugin RPCs (§4.2, §4.3) can be dialed without protoc-generated
// message types: every request/response here is already a plain Go
// struct tagged for encoding/json, so a JSON wire codec carries them
// across the same *grpc.ClientConn Supervisor.Start dials directly,
// without needing a .proto-compiled Marshal/Unmarshal pair.
const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("supervisor: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("supervisor: unmarshal into %T: %w", v, err)
	}
	return nil
}
