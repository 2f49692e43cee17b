package streaming

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	data, err := Encode(TypeDetect, DetectRequest{Seq: 3, Width: 2, Height: 1, Format: "png", Image: []byte{0x01, 0x02}})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, TypeDetect, env.Type)
	assert.JSONEq(t, `{"seq":3,"width":2,"height":1,"format":"png","image":"AQI="}`, string(env.Payload))
}

func TestEncode_Unmarshalable(t *testing.T) {
	_, err := Encode(TypeHello, func() {})
	assert.Error(t, err)
}
