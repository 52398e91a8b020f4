package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator"
	"github.com/botfleet/orchestrator/broker"
	"github.com/botfleet/orchestrator/identity"
	"github.com/botfleet/orchestrator/registry"
)

// dialLogs opens the run's log stream. The upgrade always succeeds; denial
// arrives as a close frame afterwards.
func dialLogs(t *testing.T, ta *testAPI, runID, tok string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ta.srv.URL, "http") + "/ws/runs/" + runID + "/logs"
	if tok != "" {
		url += "?token=" + tok
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, code), "want close code %d, got %v", code, err)
}

func TestStreamRunLogsCloseCodes(t *testing.T) {
	ta := newTestAPI(t)
	ctx := context.Background()
	robot, _ := seedRobotWithVersion(t, ta.store, "streamed")
	run, err := ta.registry.CreateRun(ctx, registry.CreateRunParams{RobotID: robot.ID})
	require.NoError(t, err)

	conn := dialLogs(t, ta, run.ID, "")
	expectClose(t, conn, wsCloseUnauthenticated)

	conn = dialLogs(t, ta, "no-such-run", token(t, identity.PermRunRead))
	expectClose(t, conn, wsCloseNotFound)

	conn = dialLogs(t, ta, run.ID, token(t, identity.PermRobotRead))
	expectClose(t, conn, wsClosePermissionDenied)
}

func TestStreamRunLogsReplayThenLive(t *testing.T) {
	ta := newTestAPI(t)
	ctx := context.Background()
	robot, _ := seedRobotWithVersion(t, ta.store, "live")
	run, err := ta.registry.CreateRun(ctx, registry.CreateRunParams{RobotID: robot.ID})
	require.NoError(t, err)

	_, err = ta.recorder.Append(ctx, run.ID, orchestrator.LogInfo, "line one")
	require.NoError(t, err)
	_, err = ta.recorder.Append(ctx, run.ID, orchestrator.LogInfo, "line two")
	require.NoError(t, err)

	conn := dialLogs(t, ta, run.ID, token(t, identity.PermRunRead))
	readFrame := func() broker.LogFrame {
		t.Helper()
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame broker.LogFrame
		require.NoError(t, json.Unmarshal(payload, &frame))
		return frame
	}

	assert.Equal(t, "line one", readFrame().Message)
	assert.Equal(t, "line two", readFrame().Message)

	// Receiving the replay proves the live subscription is in place, so a
	// fresh append arrives without reconnecting.
	_, err = ta.recorder.Append(ctx, run.ID, orchestrator.LogError, "boom")
	require.NoError(t, err)
	frame := readFrame()
	assert.Equal(t, "boom", frame.Message)
	assert.Equal(t, "ERROR", frame.Level)
	assert.Equal(t, run.ID, frame.RunID)
}
