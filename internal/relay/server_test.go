package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/normanking/posesync/internal/channel"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T, voice VoiceHandler) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(Config{ClientQueue: 8}, voice, zerolog.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) channel.Conn {
	t.Helper()
	return dialAs(t, ts, "")
}

func dialAs(t *testing.T, ts *httptest.Server, user string) channel.Conn {
	t.Helper()
	tr, err := channel.NewWSTransport(ts.URL, time.Second, zerolog.Nop())
	require.NoError(t, err)
	if user != "" {
		tr.Header = http.Header{channel.UserHeader: []string{user}}
	}
	conn, err := tr.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn channel.Conn) channel.Envelope {
	t.Helper()
	got := make(chan channel.Envelope, 1)
	errc := make(chan error, 1)
	go func() {
		env, err := conn.Read()
		if err != nil {
			errc <- err
			return
		}
		got <- env
	}()
	select {
	case env := <-got:
		return env
	case err := <-errc:
		t.Fatalf("read: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	return channel.Envelope{}
}

func TestServer_RebroadcastsPoseToOthers(t *testing.T) {
	s, ts := startRelay(t, nil)
	a := dial(t, ts)
	b := dial(t, ts)
	c := dial(t, ts)
	require.Eventually(t, func() bool { return s.Stats().Clients == 3 }, time.Second, 5*time.Millisecond)

	pose := json.RawMessage(`{"nose":{"x":0.6,"y":0.4,"z":0}}`)
	require.NoError(t, a.Write(channel.Envelope{Event: channel.EventPoseData, Data: pose}))

	for _, conn := range []channel.Conn{b, c} {
		env := readEnvelope(t, conn)
		assert.Equal(t, channel.EventAvatarUpdate, env.Event)
		assert.JSONEq(t, string(pose), string(env.Data))
	}
	assert.Equal(t, int64(2), s.Stats().Relayed)

	// The sender hears its voice reply and nothing of its own pose
	require.NoError(t, a.Write(channel.Envelope{Event: channel.EventVoiceCommand, Data: json.RawMessage(`{"audio":"AQI=","mime_type":"audio/wav"}`)}))
	env := readEnvelope(t, a)
	assert.Equal(t, channel.EventVoiceResponse, env.Event)
}

func TestServer_AcknowledgesVoice(t *testing.T) {
	s, ts := startRelay(t, nil)
	conn := dial(t, ts)

	payload, err := json.Marshal(channel.VoicePayload{Audio: []byte{1, 2, 3, 4}, MimeType: "audio/wav", DurationMs: 125})
	require.NoError(t, err)
	require.NoError(t, conn.Write(channel.Envelope{Event: channel.EventVoiceCommand, Data: payload}))

	env := readEnvelope(t, conn)
	require.Equal(t, channel.EventVoiceResponse, env.Event)
	var ack AckResponse
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, AckResponse{Status: "received", Bytes: 4, MimeType: "audio/wav", DurationMs: 125}, ack)
	assert.Equal(t, int64(1), s.Stats().VoiceCmds)
}

func TestServer_VoiceHandlerError(t *testing.T) {
	_, ts := startRelay(t, VoiceHandlerFunc(func(context.Context, string, channel.VoicePayload) (any, error) {
		return nil, errors.New("speech backend offline")
	}))
	conn := dial(t, ts)

	require.NoError(t, conn.Write(channel.Envelope{Event: channel.EventVoiceCommand, Data: json.RawMessage(`{"audio":""}`)}))
	env := readEnvelope(t, conn)
	var reply map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &reply))
	assert.Equal(t, "error", reply["status"])
	assert.Equal(t, "speech backend offline", reply["error"])
}

func TestServer_CustomVoiceHandlerSeesClient(t *testing.T) {
	ids := make(chan string, 1)
	_, ts := startRelay(t, VoiceHandlerFunc(func(_ context.Context, id string, cmd channel.VoicePayload) (any, error) {
		ids <- id
		return map[string]string{"text": "hello"}, nil
	}))
	conn := dial(t, ts)

	require.NoError(t, conn.Write(channel.Envelope{Event: channel.EventVoiceCommand, Data: json.RawMessage(`{"audio":"AA=="}`)}))
	env := readEnvelope(t, conn)
	assert.JSONEq(t, `{"text":"hello"}`, string(env.Data))
	assert.Len(t, <-ids, 36)
}

func TestServer_SlowVoiceHandlerDoesNotDelayPoses(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s, ts := startRelay(t, VoiceHandlerFunc(func(context.Context, string, channel.VoicePayload) (any, error) {
		started <- struct{}{}
		<-release
		return map[string]string{"text": "late"}, nil
	}))
	a := dial(t, ts)
	b := dial(t, ts)
	require.Eventually(t, func() bool { return s.Stats().Clients == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Write(channel.Envelope{Event: channel.EventVoiceCommand, Data: json.RawMessage(`{"audio":"AA=="}`)}))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("voice handler not called")
	}

	pose := json.RawMessage(`{"nose":{"x":0.1,"y":0,"z":0}}`)
	require.NoError(t, a.Write(channel.Envelope{Event: channel.EventPoseData, Data: pose}))
	env := readEnvelope(t, b)
	assert.Equal(t, channel.EventAvatarUpdate, env.Event)
	assert.JSONEq(t, string(pose), string(env.Data))

	close(release)
	env = readEnvelope(t, a)
	assert.Equal(t, channel.EventVoiceResponse, env.Event)
	assert.JSONEq(t, `{"text":"late"}`, string(env.Data))
}

func TestServer_VoiceQueueFullDrops(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := NewServer(Config{ClientQueue: 1}, VoiceHandlerFunc(func(context.Context, string, channel.VoicePayload) (any, error) {
		<-release
		return nil, nil
	}), zerolog.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	conn := dial(t, ts)

	// One command in the handler, one queued, the rest dropped
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.Write(channel.Envelope{Event: channel.EventVoiceCommand, Data: json.RawMessage(`{"audio":"AA=="}`)}))
	}
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.VoiceCmds == 5 && st.Dropped >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestServer_Health(t *testing.T) {
	s, ts := startRelay(t, nil)
	dialAs(t, ts, "alice")
	dial(t, ts)
	require.Eventually(t, func() bool { return s.Stats().Clients == 2 }, time.Second, 5*time.Millisecond)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status  string   `json:"status"`
		Clients int      `json:"clients"`
		Users   []string `json:"users"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Clients)
	assert.Equal(t, []string{"alice"}, body.Users)
}

func TestServer_DisconnectRemovesClient(t *testing.T) {
	s, ts := startRelay(t, nil)
	conn := dial(t, ts)
	require.Eventually(t, func() bool { return s.Stats().Clients == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.Stats().Clients == 0 }, time.Second, 5*time.Millisecond)
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0"}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not stop")
	}
}
