package server

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer

	writeSSE(&buf, "activity", "sig1", []byte(`{"mint":"m"}`))
	writeSSE(&buf, "connected", "", []byte(`{}`))

	assert.Equal(t,
		"id: sig1\nevent: activity\ndata: {\"mint\":\"m\"}\n\n"+
			"event: connected\ndata: {}\n\n",
		buf.String())
}
