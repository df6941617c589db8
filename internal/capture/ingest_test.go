package capture

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, h http.Handler, path, body string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec.Code
}

func TestIngestHandler_FrameReachesStream(t *testing.T) {
	dev := newPush()
	stream, err := dev.Open(context.Background(), KindVideo)
	require.NoError(t, err)
	h := IngestHandler(dev)

	assert.Equal(t, http.StatusAccepted, post(t, h, "/frame", `{"image":"/9g=","width":640,"height":480}`))

	p, err := stream.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, p.Data)
	assert.Equal(t, 640, p.Width)
	assert.Equal(t, 480, p.Height)
}

func TestIngestHandler_AudioReachesStream(t *testing.T) {
	dev := newPush()
	stream, err := dev.Open(context.Background(), KindAudio)
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, post(t, IngestHandler(dev), "/audio", `{"audio":"AQACAA=="}`))

	p, err := stream.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0}, p.Data)
	assert.Equal(t, KindAudio, p.Kind)
}

func TestIngestHandler_RejectsBadRequests(t *testing.T) {
	h := IngestHandler(newPush())

	assert.Equal(t, http.StatusBadRequest, post(t, h, "/frame", `{not json`))
	assert.Equal(t, http.StatusBadRequest, post(t, h, "/frame", `{"width":1}`))
	assert.Equal(t, http.StatusBadRequest, post(t, h, "/frame", `{"image":"%%%"}`))
	assert.Equal(t, http.StatusBadRequest, post(t, h, "/audio", `{"audio":"%%%"}`))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frame", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIngestHandler_NoStreamStillAccepts(t *testing.T) {
	dev := newPush()

	assert.Equal(t, http.StatusAccepted, post(t, IngestHandler(dev), "/frame", `{"image":"AQ=="}`))
	assert.Equal(t, int64(1), dev.Dropped())
}
