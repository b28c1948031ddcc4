// Package wire holds the CBOR codec configuration and the header names
// shared by every message on the broker.
package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Broker header names.
const (
	HeaderMsgID      = "Nats-Msg-Id"
	HeaderTagCreator = "X-Tag-Creator"
	HeaderOpsSender  = "X-Ops-Sender"
	HeaderCmdSender  = "X-Cmd-Sender"
	HeaderReplayFrom = "X-Replay-Origin"
)

// ReplayOriginDatastore marks traffic republished by the store replayer.
const ReplayOriginDatastore = "datastore"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor decode mode: %v", err))
	}
}

// Marshal encodes v as canonical CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// DecodeMap decodes a CBOR body into a string-keyed map, the shape every
// payload on the broker uses.
func DecodeMap(data []byte) (map[string]any, error) {
	var payload map[string]any
	if err := decMode.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("wire: decode payload: %w", err)
	}
	return payload, nil
}
