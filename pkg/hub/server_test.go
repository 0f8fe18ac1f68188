package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questsync/pkg/ledger"
	"questsync/pkg/proto"
	"questsync/pkg/registry"
	"questsync/pkg/session"
)

const testSecret = "test-secret"

type harness struct {
	auth   *TokenAuth
	server *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	reg := registry.New(nil)
	coord := session.New(context.Background(), l, reg)
	t.Cleanup(coord.Close)

	auth := NewTokenAuth(testSecret)
	mux := http.NewServeMux()
	NewServer(auth, reg, coord).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &harness{auth: auth, server: srv}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
}

func (h *harness) dial(t *testing.T, identity proto.Identity) *websocket.Conn {
	t.Helper()
	token, err := h.auth.IssueToken(identity, time.Hour)
	require.NoError(t, err)

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event proto.Event, payload any) {
	t.Helper()
	data, err := proto.MustMsg(event, payload).ToJSON()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readEvent(t *testing.T, conn *websocket.Conn) *proto.Msg {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := proto.FromJSON(data)
	require.NoError(t, err)
	return msg
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	h := newHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRejectsForgedToken(t *testing.T) {
	h := newHarness(t)

	forged, err := NewTokenAuth("wrong-secret").IssueToken(proto.Identity{ID: "mallory"}, time.Hour)
	require.NoError(t, err)

	header := http.Header{"Authorization": []string{"Bearer " + forged}}
	_, resp, dialErr := websocket.DefaultDialer.Dial(h.wsURL(), header)
	require.Error(t, dialErr)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenViaQueryParameter(t *testing.T) {
	h := newHarness(t)
	token, err := h.auth.IssueToken(proto.Identity{ID: "alice", DisplayName: "Alice"}, time.Hour)
	require.NoError(t, err)

	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL()+"?token="+token, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	_ = conn.Close()
}

func TestJoinProjectRoundTrip(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, proto.Identity{ID: "alice", DisplayName: "Alice", Role: proto.RoleLearner})

	send(t, conn, proto.EventJoinProject, proto.JoinProjectPayload{ProjectID: "proj-1"})

	msg := readEvent(t, conn)
	require.Equal(t, proto.EventProjectJoined, msg.Event)
	var joined proto.ProjectJoinedPayload
	require.NoError(t, msg.DecodeInto(&joined))
	assert.Equal(t, "proj-1", joined.ProjectID)
	assert.Contains(t, joined.Members, "Alice")
}

func TestPresenceFlowsBetweenPeers(t *testing.T) {
	h := newHarness(t)
	aliceConn := h.dial(t, proto.Identity{ID: "alice", DisplayName: "Alice", Role: proto.RoleLearner})
	bobConn := h.dial(t, proto.Identity{ID: "bob", DisplayName: "Bob", Role: proto.RoleLearner})

	send(t, aliceConn, proto.EventJoinProject, proto.JoinProjectPayload{ProjectID: "proj-1"})
	require.Equal(t, proto.EventProjectJoined, readEvent(t, aliceConn).Event)

	send(t, bobConn, proto.EventJoinProject, proto.JoinProjectPayload{ProjectID: "proj-1"})
	require.Equal(t, proto.EventProjectJoined, readEvent(t, bobConn).Event)

	msg := readEvent(t, aliceConn)
	require.Equal(t, proto.EventUserJoined, msg.Event)
	var presence proto.PresencePayload
	require.NoError(t, msg.DecodeInto(&presence))
	assert.Equal(t, "bob", presence.Identity.ID)
}

func TestVerificationOverWire(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, proto.Identity{ID: "alice", DisplayName: "Alice", Role: proto.RoleLearner})

	send(t, conn, proto.EventJoinProject, proto.JoinProjectPayload{ProjectID: "proj-1"})
	require.Equal(t, proto.EventProjectJoined, readEvent(t, conn).Event)

	send(t, conn, proto.EventRequestVerification, proto.RequestVerificationPayload{
		ProjectID:     "proj-1",
		QuestID:       "quest-1",
		StepID:        "step-1",
		FilePath:      "main.js",
		SubmittedCode: "let x = 1;",
		ExpectedCode:  "let x = 1;",
		StepKind:      proto.StepKindArrange,
		TotalSteps:    2,
	})

	sawResult, sawProgress := false, false
	for i := 0; i < 2; i++ {
		msg := readEvent(t, conn)
		switch msg.Event {
		case proto.EventVerificationResult:
			var vr proto.VerificationResultPayload
			require.NoError(t, msg.DecodeInto(&vr))
			assert.True(t, vr.Success)
			assert.Equal(t, 100, vr.Score)
			sawResult = true
		case proto.EventQuestProgress:
			var qp proto.QuestProgressPayload
			require.NoError(t, msg.DecodeInto(&qp))
			assert.Equal(t, 1, qp.CompletedSteps)
			sawProgress = true
		default:
			t.Fatalf("unexpected event %s", msg.Event)
		}
	}
	assert.True(t, sawResult)
	assert.True(t, sawProgress)
}

func TestCodeUpdateRequiresJoinedRoom(t *testing.T) {
	h := newHarness(t)
	aliceConn := h.dial(t, proto.Identity{ID: "alice", DisplayName: "Alice", Role: proto.RoleLearner})
	malloryConn := h.dial(t, proto.Identity{ID: "mallory", DisplayName: "Mallory", Role: proto.RoleLearner})

	send(t, aliceConn, proto.EventJoinProject, proto.JoinProjectPayload{ProjectID: "proj-1"})
	require.Equal(t, proto.EventProjectJoined, readEvent(t, aliceConn).Event)

	// Mallory is authenticated but never joined proj-1.
	send(t, malloryConn, proto.EventCodeUpdate, proto.CodeUpdatePayload{
		ProjectID: "proj-1",
		Changes: []proto.FileChange{{
			RelativePath: "main.js",
			Kind:         proto.ChangeModified,
			Content:      "alert('pwned')",
			HasContent:   true,
			Timestamp:    time.Now().UTC(),
		}},
	})

	msg := readEvent(t, malloryConn)
	require.Equal(t, proto.EventError, msg.Event)
	var ep proto.ErrorPayload
	require.NoError(t, msg.DecodeInto(&ep))
	assert.Equal(t, proto.ErrCodeUnauthorized, ep.Code)

	// Nothing reached the room. The next frame alice sees is her own
	// join echo for proj-2, not a file-update.
	send(t, aliceConn, proto.EventJoinProject, proto.JoinProjectPayload{ProjectID: "proj-2"})
	assert.Equal(t, proto.EventProjectJoined, readEvent(t, aliceConn).Event)
}

func TestVerificationRequiresJoinedRoom(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, proto.Identity{ID: "mallory", DisplayName: "Mallory", Role: proto.RoleLearner})

	send(t, conn, proto.EventRequestVerification, proto.RequestVerificationPayload{
		ProjectID:     "proj-1",
		QuestID:       "quest-1",
		StepID:        "step-1",
		FilePath:      "main.js",
		SubmittedCode: "let x = 1;",
		StepKind:      proto.StepKindArrange,
	})

	msg := readEvent(t, conn)
	require.Equal(t, proto.EventError, msg.Event)
	var ep proto.ErrorPayload
	require.NoError(t, msg.DecodeInto(&ep))
	assert.Equal(t, proto.ErrCodeUnauthorized, ep.Code)
}

func TestMalformedFrameGetsStructuredError(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, proto.Identity{ID: "alice", DisplayName: "Alice", Role: proto.RoleLearner})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	msg := readEvent(t, conn)
	require.Equal(t, proto.EventError, msg.Event)
	var ep proto.ErrorPayload
	require.NoError(t, msg.DecodeInto(&ep))
	assert.Equal(t, proto.ErrCodeBadPayload, ep.Code)

	// The connection survives the bad frame.
	send(t, conn, proto.EventJoinProject, proto.JoinProjectPayload{ProjectID: "proj-1"})
	assert.Equal(t, proto.EventProjectJoined, readEvent(t, conn).Event)
}

func TestDisconnectAnnouncesLeave(t *testing.T) {
	h := newHarness(t)
	aliceConn := h.dial(t, proto.Identity{ID: "alice", DisplayName: "Alice", Role: proto.RoleLearner})
	bobConn := h.dial(t, proto.Identity{ID: "bob", DisplayName: "Bob", Role: proto.RoleLearner})

	send(t, aliceConn, proto.EventJoinProject, proto.JoinProjectPayload{ProjectID: "proj-1"})
	require.Equal(t, proto.EventProjectJoined, readEvent(t, aliceConn).Event)
	send(t, bobConn, proto.EventJoinProject, proto.JoinProjectPayload{ProjectID: "proj-1"})
	require.Equal(t, proto.EventProjectJoined, readEvent(t, bobConn).Event)
	require.Equal(t, proto.EventUserJoined, readEvent(t, aliceConn).Event)

	require.NoError(t, bobConn.Close())

	msg := readEvent(t, aliceConn)
	require.Equal(t, proto.EventUserLeft, msg.Event)
	var presence proto.PresencePayload
	require.NoError(t, msg.DecodeInto(&presence))
	assert.Equal(t, "bob", presence.Identity.ID)
}
