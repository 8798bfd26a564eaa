package chat

import (
	"PPRelay/tools/decode"
	"PPRelay/tools/errs"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Frame is the envelope of every text frame in both directions.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

var frameUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// ParseFrameJSON splits an inbound frame into its event name and data object.
// A missing or null data yields an empty struct.
func ParseFrameJSON(raw []byte) (string, *structpb.Struct, error) {
	st := &structpb.Struct{}
	if err := frameUnmarshal.Unmarshal(raw, st); err != nil {
		return "", nil, errs.ErrValidation.WrapMsg("frame is not a json object", "err", err.Error())
	}
	ev := st.GetFields()["event"]
	if ev == nil || ev.GetStringValue() == "" {
		return "", nil, errs.ErrValidation.WrapMsg("frame has no event")
	}
	data := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if v := st.GetFields()["data"]; v != nil {
		switch v.GetKind().(type) {
		case *structpb.Value_StructValue:
			data = v.GetStructValue()
		case *structpb.Value_NullValue:
		default:
			return "", nil, errs.ErrValidation.WrapMsg("frame data is not an object", "event", ev.GetStringValue())
		}
	}
	return ev.GetStringValue(), data, nil
}

// DecodeData decodes a frame's data into T with weak typing ("5" and 5 both
// read as an integer).
func DecodeData[T any](data *structpb.Struct) (*T, error) {
	out, err := decode.DecodeStruct[T](data)
	if err != nil {
		return nil, errs.ErrValidation.WrapMsg("decode frame data", "err", err.Error())
	}
	return out, nil
}

// AuthPayload is the data of an "auth" frame.
type AuthPayload struct {
	Token string `json:"token"`
}
