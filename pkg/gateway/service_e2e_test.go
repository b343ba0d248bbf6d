package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"qqbot/pkg/auth"
	"qqbot/pkg/channel/qq"
)

type deliveredReply struct {
	Path          string
	Authorization string
	Body          map[string]any
}

// newEventServer serves one websocket connection that writes frames, then
// waits for release before closing with code.
func newEventServer(t *testing.T, frames []string, release <-chan struct{}, code int) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()

		for _, frame := range frames {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				t.Errorf("write frame: %v", err)
				return
			}
		}

		<-release
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "bye"), time.Now().Add(time.Second))
		time.Sleep(50 * time.Millisecond)
	}))
	t.Cleanup(server.Close)
	return server
}

func newDeliveryServer(t *testing.T) (*httptest.Server, <-chan deliveredReply) {
	t.Helper()

	replies := make(chan deliveredReply, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(payload, &body)
		replies <- deliveredReply{Path: r.URL.Path, Authorization: r.Header.Get("Authorization"), Body: body}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"reply-1"}`))
	}))
	t.Cleanup(server.Close)
	return server, replies
}

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":"7200"}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newE2EService(t *testing.T, eventURL string, deliveryURL string, tokenURL string) (*Service, int) {
	t.Helper()

	dir := t.TempDir()
	writeManifest(t, dir, "basic.yaml", "kind: basic\nsettings:\n  help: 帮助菜单\n")

	cfg := testConfig(t, dir)
	cfg.Gateway.Port = freeTCPPort(t)

	conn, err := qq.NewConn(eventURL, 0, nil)
	require.NoError(t, err)

	svc, err := NewService(cfg, Deps{
		Adapter: conn,
		Tokens:  auth.NewIdentityClient(tokenURL, "app", "secret"),
		Sender:  qq.NewSender(qq.SenderOptions{BaseURL: deliveryURL, Timeout: 5 * time.Second}, nil),
	}, nil)
	require.NoError(t, err)

	return svc, cfg.Gateway.Port
}

func TestGatewayServiceRunE2EGroupCommandReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frame := `{"op":0,"s":1,"t":"GROUP_AT_MESSAGE_CREATE","id":"ev-1","d":{"id":"m1","content":" /帮助 ","group_openid":"g1","author":{"member_openid":"u1"},"timestamp":"2026-01-01T00:00:00+08:00"}}`
	release := make(chan struct{})
	events := newEventServer(t, []string{frame}, release, websocket.CloseNormalClosure)
	delivery, replies := newDeliveryServer(t)
	tokens := newTokenServer(t)

	svc, port := newE2EService(t, wsURL(events), delivery.URL, tokens.URL)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	select {
	case reply := <-replies:
		require.Equal(t, "/v2/groups/g1/messages", reply.Path)
		require.Equal(t, "QQBot tok-1", reply.Authorization)
		require.Equal(t, "帮助菜单", reply.Body["content"])
		require.Equal(t, "m1", reply.Body["msg_id"])
		require.EqualValues(t, 1, reply.Body["msg_seq"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the reply")
	}

	readyURL := fmt.Sprintf("http://127.0.0.1:%d/readyz", port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, readyURL, 2*time.Second))

	close(release)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
	require.Zero(t, svc.runtime.Registry.Snapshot().Len())
}

func TestGatewayServiceRunE2EAnswersFramesBeforeNormalClose(t *testing.T) {
	frame := `{"op":0,"s":1,"t":"GROUP_AT_MESSAGE_CREATE","id":"ev-2","d":{"id":"m2","content":"/帮助","group_openid":"g2","author":{"member_openid":"u2"}}}`
	release := make(chan struct{})
	close(release)
	events := newEventServer(t, []string{frame}, release, websocket.CloseNormalClosure)
	delivery, replies := newDeliveryServer(t)
	tokens := newTokenServer(t)

	svc, _ := newE2EService(t, wsURL(events), delivery.URL, tokens.URL)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(context.Background())
	}()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}

	select {
	case reply := <-replies:
		require.Equal(t, "/v2/groups/g2/messages", reply.Path)
		require.Equal(t, "m2", reply.Body["msg_id"])
	default:
		t.Fatal("frame received before the close was not answered")
	}
	require.Zero(t, svc.runtime.Bus.Pending())
}

func TestGatewayServiceRunE2EAbnormalCloseFails(t *testing.T) {
	release := make(chan struct{})
	close(release)
	events := newEventServer(t, nil, release, websocket.CloseInternalServerErr)
	delivery, _ := newDeliveryServer(t)
	tokens := newTokenServer(t)

	svc, _ := newE2EService(t, wsURL(events), delivery.URL, tokens.URL)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(context.Background())
	}()

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.Contains(t, err.Error(), "run qq channel")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func TestGatewayServiceRunE2ECancelIsClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	events := newEventServer(t, nil, release, websocket.CloseNormalClosure)
	t.Cleanup(func() { close(release) })
	delivery, _ := newDeliveryServer(t)
	tokens := newTokenServer(t)

	svc, port := newE2EService(t, wsURL(events), delivery.URL, tokens.URL)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, healthURL, 2*time.Second))

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			if statusCode == http.StatusOK || time.Now().After(deadline) {
				return statusCode
			}
		} else if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
