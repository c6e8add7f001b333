package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrMalformed is returned when a frame cannot be parsed at all.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for discriminators outside the client message set.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidPayload is returned when a payload fails validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Codec translates between wire frames and protocol messages.
type Codec interface {
	Name() string
	// Binary reports whether frames should be sent as binary websocket messages.
	Binary() bool
	Decode(data []byte) (ClientMessage, error)
	Encode(msg ServerMessage) ([]byte, error)
}

// envelope is the shared frame layout for both encodings.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	//1.- Report field names the way clients spell them.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateMessage(msg ClientMessage) error {
	if err := validate.Struct(msg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return fmt.Errorf("%w: %s %s failed %q", ErrInvalidPayload, msg.ClientKind(), first.Namespace(), first.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// JSONCodec speaks JSON text frames.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }
func (JSONCodec) Binary() bool { return false }

// Decode peeks the discriminator before decoding the payload into its concrete type.
func (JSONCodec) Decode(data []byte) (ClientMessage, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}
	kind := gjson.GetBytes(data, "type")
	if kind.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	msg, ok := newClientMessage(kind.String())
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind.String())
	}
	payload := gjson.GetBytes(data, "payload")
	switch {
	case !payload.Exists() || payload.Type == gjson.Null:
	case payload.IsObject():
		if err := json.Unmarshal([]byte(payload.Raw), msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	default:
		return nil, fmt.Errorf("%w: payload must be an object", ErrMalformed)
	}
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode wraps the message in the type/payload envelope.
func (JSONCodec) Encode(msg ServerMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil server message")
	}
	return json.Marshal(envelope{Type: msg.ServerKind(), Payload: msg})
}

// MsgpackCodec speaks msgpack binary frames using the same field names as JSON.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }
func (MsgpackCodec) Binary() bool { return true }

type msgpackEnvelope struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

func (MsgpackCodec) Decode(data []byte) (ClientMessage, error) {
	var env msgpackEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	msg, ok := newClientMessage(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if len(env.Payload) > 0 {
		dec := msgpack.NewDecoder(bytes.NewReader(env.Payload))
		dec.SetCustomStructTag("json")
		if err := dec.Decode(msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (MsgpackCodec) Encode(msg ServerMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil server message")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(envelope{Type: msg.ServerKind(), Payload: msg}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CodecFor resolves a negotiated websocket subprotocol to a codec. Unknown names fall back to JSON.
func CodecFor(subprotocol string) Codec {
	if strings.EqualFold(subprotocol, MsgpackCodec{}.Name()) {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}
