package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chat/internal/session"
)

type stubAPI struct {
	startErr error
	sendErr  error
}

func (s *stubAPI) StartSession(_ context.Context, anonymous bool, _ *chat.UserProfile) (*chat.StartSessionResponse, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	return &chat.StartSessionResponse{SessionID: "s-1", Greeting: "Welcome!", Anonymous: anonymous}, nil
}

func (s *stubAPI) SendMessage(_ context.Context, sessionID, text string) (*chat.MessageResponse, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &chat.MessageResponse{SessionID: sessionID, Reply: "echo: " + text, IsFinal: text == "bye"}, nil
}

func (s *stubAPI) EndSession(_ context.Context, sessionID string) (*chat.EndSessionResponse, error) {
	return &chat.EndSessionResponse{SessionID: sessionID}, nil
}

func newTestBridge(t *testing.T, api *stubAPI) (*httptest.Server, *session.Store) {
	t.Helper()
	store := session.New(api)
	srv := httptest.NewServer(New(store).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	return resp, raw
}

func TestSendWithoutSessionIsRejected(t *testing.T) {
	srv, store := newTestBridge(t, &stubAPI{})

	resp, body := post(t, srv.URL+"/send", `{"text":"hello"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, string(body), "detail")
	require.Empty(t, store.Transcript())
}

func TestStartAndSend(t *testing.T) {
	srv, _ := newTestBridge(t, &stubAPI{})

	resp, body := post(t, srv.URL+"/start", `{"anonymous":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st session.State
	require.NoError(t, json.Unmarshal(body, &st))
	require.Equal(t, "s-1", st.SessionID)
	require.Len(t, st.Transcript, 1)

	resp, body = post(t, srv.URL+"/send", `{"text":"bye"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &st))
	require.Len(t, st.Transcript, 3)
	require.Equal(t, "echo: bye", st.Transcript[2].Text)
	require.True(t, st.IsConcluded)

	resp, _ = post(t, srv.URL+"/send", `{"text":"again"}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = post(t, srv.URL+"/end", ``)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Contains(t, string(body), "s-1")
}

func TestStartFailureReportsConnectionError(t *testing.T) {
	srv, store := newTestBridge(t, &stubAPI{startErr: errors.New("dial tcp: refused")})

	resp, body := post(t, srv.URL+"/start", ``)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var detail chat.ErrorBody
	require.NoError(t, json.Unmarshal(body, &detail))
	require.Equal(t, session.DefaultConnectionError, detail.Detail)
	require.False(t, store.Started())

	get, err := http.Get(srv.URL + "/state")
	require.NoError(t, err)
	defer get.Body.Close()
	var st session.State
	require.NoError(t, json.NewDecoder(get.Body).Decode(&st))
	require.Equal(t, session.DefaultConnectionError, st.ConnectionError)
}

func readState(t *testing.T, conn *websocket.Conn) session.State {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var st session.State
	require.NoError(t, conn.ReadJSON(&st))
	return st
}

func TestWebSocketPushesState(t *testing.T) {
	srv, store := newTestBridge(t, &stubAPI{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	initial := readState(t, conn)
	require.Equal(t, session.PhaseIdle, initial.Phase())

	require.NoError(t, store.StartSession(context.Background(), true, nil))

	var last session.State
	for !last.Started || last.IsLoading {
		last = readState(t, conn)
	}
	require.Equal(t, "s-1", last.SessionID)
	require.Equal(t, "Welcome!", last.Transcript[0].Text)

	require.True(t, store.SendMessage(context.Background(), "hello"))
	for len(last.Transcript) < 3 || last.IsLoading {
		last = readState(t, conn)
	}
	require.Equal(t, chat.SenderUser, last.Transcript[1].Sender)
	require.Equal(t, "echo: hello", last.Transcript[2].Text)
}

func TestEventsStreamState(t *testing.T) {
	srv, store := newTestBridge(t, &stubAPI{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	nextState := func() session.State {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var st session.State
				require.NoError(t, json.Unmarshal([]byte(data), &st))
				return st
			}
		}
	}

	require.False(t, nextState().Started)

	go func() { _ = store.StartSession(context.Background(), true, nil) }()

	st := nextState()
	for !st.Started {
		st = nextState()
	}
	require.Equal(t, "s-1", st.SessionID)
}
