package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/tidwall/gjson"
	"github.com/vmihailenco/msgpack/v5"

	"paddlecourt/engine/internal/pong"
)

func TestJSONDecodeReady(t *testing.T) {
	msg, err := JSONCodec{}.Decode([]byte(`{"type":"ready","payload":{"sessionId":42,"ready":true}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ready, ok := msg.(*Ready)
	if !ok {
		t.Fatalf("expected *Ready, got %T", msg)
	}
	if ready.SessionID != 42 || ready.Ready == nil || !*ready.Ready {
		t.Fatalf("unexpected payload: %+v", ready)
	}
}

func TestJSONDecodeReadyFalseIsPresent(t *testing.T) {
	msg, err := JSONCodec{}.Decode([]byte(`{"type":"ready","payload":{"sessionId":3,"ready":false}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if *msg.(*Ready).Ready {
		t.Fatal("expected ready=false")
	}
}

func TestJSONDecodeInputVariants(t *testing.T) {
	msg, err := JSONCodec{}.Decode([]byte(`{"type":"input","payload":{"up":false,"down":true,"seq":9}}`))
	if err != nil {
		t.Fatalf("Decode single: %v", err)
	}
	single := msg.(*Input)
	if single.Local() || single.Single() != (pong.Input{Down: true}) || single.Seq != 9 {
		t.Fatalf("unexpected single input: %+v", single)
	}

	msg, err = JSONCodec{}.Decode([]byte(`{"type":"input","payload":{"left":{"up":true,"down":false},"right":{"up":false,"down":true}}}`))
	if err != nil {
		t.Fatalf("Decode local: %v", err)
	}
	local := msg.(*Input)
	if !local.Local() || local.Left.Input() != (pong.Input{Up: true}) || local.Right.Input() != (pong.Input{Down: true}) {
		t.Fatalf("unexpected local input: %+v", local)
	}
}

func TestJSONDecodeRejectsBadFrames(t *testing.T) {
	cases := map[string]struct {
		frame string
		want  error
	}{
		"not json":           {`{"type":`, ErrMalformed},
		"missing type":       {`{"payload":{}}`, ErrMalformed},
		"numeric type":       {`{"type":7}`, ErrMalformed},
		"unknown type":       {`{"type":"teleport","payload":{}}`, ErrUnknownType},
		"payload not object": {`{"type":"ping","payload":[1]}`, ErrMalformed},
		"missing ready flag": {`{"type":"ready","payload":{"sessionId":1}}`, ErrInvalidPayload},
		"zero session":       {`{"type":"join_session","payload":{"sessionId":0}}`, ErrInvalidPayload},
		"half local input":   {`{"type":"input","payload":{"left":{"up":true,"down":false}}}`, ErrInvalidPayload},
		"empty input":        {`{"type":"input","payload":{}}`, ErrInvalidPayload},
		"bad mode":           {`{"type":"join_queue","payload":{"mode":"arcade"}}`, ErrInvalidPayload},
		"wrong field type":   {`{"type":"ready","payload":{"sessionId":"x","ready":true}}`, ErrInvalidPayload},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := JSONCodec{}.Decode([]byte(tc.frame))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestJSONDecodeEmptyPayloadKinds(t *testing.T) {
	for _, frame := range []string{`{"type":"leave_queue"}`, `{"type":"ping","payload":null}`, `{"type":"join_queue","payload":{}}`} {
		if _, err := (JSONCodec{}).Decode([]byte(frame)); err != nil {
			t.Fatalf("Decode(%s): %v", frame, err)
		}
	}
}

func TestJSONEncodeWrapsEnvelope(t *testing.T) {
	data, err := JSONCodec{}.Encode(MatchEnded{SessionID: 5, Winner: "ada", WinnerSide: pong.SideLeft, FinalScore: Score{Left: 5, Right: 2}, Reason: ReasonWon})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := gjson.GetBytes(data, "type").String(); got != KindMatchEnded {
		t.Fatalf("unexpected type %q", got)
	}
	if got := gjson.GetBytes(data, "payload.winnerSide").String(); got != "left" {
		t.Fatalf("expected side rendered as text, got %q", got)
	}
	if got := gjson.GetBytes(data, "payload.finalScore.left").Int(); got != 5 {
		t.Fatalf("unexpected score: %d", got)
	}
}

func TestMsgpackDecodeClientMessage(t *testing.T) {
	frame, err := msgpack.Marshal(map[string]any{
		"type":    KindReady,
		"payload": map[string]any{"sessionId": 11, "ready": true},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := MsgpackCodec{}.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ready := msg.(*Ready); ready.SessionID != 11 || !*ready.Ready {
		t.Fatalf("unexpected payload: %+v", ready)
	}

	bad, _ := msgpack.Marshal(map[string]any{"type": KindReady, "payload": map[string]any{"sessionId": 11}})
	if _, err := (MsgpackCodec{}).Decode(bad); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := (MsgpackCodec{}).Decode([]byte{0xc1}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestMsgpackEncodeUsesJSONFieldNames(t *testing.T) {
	data, err := MsgpackCodec{}.Encode(QueuePosition{Mode: ModeRanked, Position: 2, TotalInQueue: 3})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var decoded map[string]any
	if err := msgpack.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != KindQueuePosition {
		t.Fatalf("unexpected type: %v", decoded["type"])
	}
	payload, ok := decoded["payload"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected payload: %#v", decoded["payload"])
	}
	if fmt.Sprint(payload["totalInQueue"]) != "3" || fmt.Sprint(payload["mode"]) != ModeRanked {
		t.Fatalf("unexpected payload fields: %#v", payload)
	}
}

func TestCodecFor(t *testing.T) {
	if CodecFor("msgpack").Name() != "msgpack" || !CodecFor("MSGPACK").Binary() {
		t.Fatal("expected msgpack codec")
	}
	if CodecFor("").Name() != "json" {
		t.Fatal("expected json fallback")
	}
}
