package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseStatusClassPredicates(t *testing.T) {
	assert.True(t, NewBufferedResponse(200, nil, nil).IsSuccess())
	assert.True(t, NewBufferedResponse(301, nil, nil).IsRedirect())
	assert.True(t, NewBufferedResponse(404, nil, nil).IsClientError())
	assert.True(t, NewBufferedResponse(503, nil, nil).IsServerError())
}

func TestResponseBufferedBodyRoundTrip(t *testing.T) {
	resp := NewBufferedResponse(200, Header{"content-type": "application/json"}, []byte("hello"))
	assert.Equal(t, []byte("hello"), resp.BufferedBody())
	v, ok := resp.HeaderValue("Content-Type")
	assert.True(t, ok)
	assert.Equal(t, "application/json", v)
	assert.False(t, resp.IsStreaming())
}

func TestResponseStreamingDrainsToBuffered(t *testing.T) {
	chunks := make(chan []byte, 2)
	errCh := make(chan error, 1)
	chunks <- []byte("hel")
	chunks <- []byte("lo")
	close(chunks)

	resp := NewStreamingResponse(200, nil, NewBodyStream(chunks, errCh))
	assert.True(t, resp.IsStreaming())

	buffered, err := resp.ToBuffered()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), buffered.BufferedBody())
	assert.False(t, buffered.IsStreaming())
}

func TestResponseStreamSecondConsumptionFails(t *testing.T) {
	chunks := make(chan []byte)
	close(chunks)
	errCh := make(chan error)

	resp := NewStreamingResponse(200, nil, NewBodyStream(chunks, errCh))
	_, err := resp.Stream()
	require.NoError(t, err)

	_, err = resp.Stream()
	assert.ErrorIs(t, err, ErrStreamConsumed)
}

func TestResponseWithDurationDoesNotMutateOriginal(t *testing.T) {
	resp := NewBufferedResponse(200, nil, nil)
	stamped := resp.WithDuration(50 * time.Millisecond)
	assert.Equal(t, time.Duration(0), resp.Duration)
	assert.Equal(t, 50*time.Millisecond, stamped.Duration)
}
