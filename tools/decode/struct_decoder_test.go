package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

type sendPayload struct {
	To            int64  `json:"to"`
	Message       string `json:"message"`
	AttachmentURL string `json:"attachmentUrl"`
}

func parse(t *testing.T, raw string) *structpb.Struct {
	t.Helper()
	st := &structpb.Struct{}
	require.NoError(t, protojson.Unmarshal([]byte(raw), st))
	return st
}

func TestDecodeStructWeak(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want sendPayload
	}{
		"number":        {`{"to": 5, "message": "hi"}`, sendPayload{To: 5, Message: "hi"}},
		"string id":     {`{"to": "12", "attachmentUrl": "/u/a.png"}`, sendPayload{To: 12, AttachmentURL: "/u/a.png"}},
		"null body":     {`{"to": 3, "message": null}`, sendPayload{To: 3}},
		"unknown field": {`{"to": 3, "extra": true}`, sendPayload{To: 3}},
		"empty id":      {`{"to": "", "message": "x"}`, sendPayload{Message: "x"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeStruct[sendPayload](parse(t, tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, *got)
		})
	}
}

func TestDecodeStructRejects(t *testing.T) {
	for _, raw := range []string{
		`{"to": 1.5}`,
		`{"to": "abc"}`,
		`{"to": {"nested": 1}}`,
	} {
		_, err := DecodeStruct[sendPayload](parse(t, raw))
		assert.Error(t, err, raw)
	}
	_, err := DecodeStruct[sendPayload](nil)
	assert.Error(t, err)
}
