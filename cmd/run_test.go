// File: cmd/run_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/service"
	"github.com/xkilldash9x/autoqa-cli/internal/session"
)

func TestRunSession(t *testing.T) {
	t.Run("AutoConfirm", func(t *testing.T) {
		svc := newFakeService(t)
		var out bytes.Buffer

		sess, err := runSession(context.Background(), svc, "check the form on https://app.test", runOptions{assumeYes: true}, strings.NewReader(""), &out)
		require.NoError(t, err)

		assert.Equal(t, schemas.StatusCompleted, sess.Status)
		require.Len(t, svc.confirms, 1)
		assert.Nil(t, svc.confirms[0].SelectedIDs, "no --case flag keeps the generated selection")
		assert.Contains(t, out.String(), "2 test case(s) generated")
		assert.Contains(t, out.String(), "TC-2")
		assert.NotContains(t, out.String(), "[Y/n]")
	})

	t.Run("CaseSelection", func(t *testing.T) {
		svc := newFakeService(t)
		_, err := runSession(context.Background(), svc, "intent", runOptions{assumeYes: true, caseIDs: []string{"TC-2"}}, strings.NewReader(""), &bytes.Buffer{})
		require.NoError(t, err)
		require.Len(t, svc.confirms, 1)
		assert.Equal(t, []string{"TC-2"}, svc.confirms[0].SelectedIDs)
	})

	t.Run("PromptAccepted", func(t *testing.T) {
		svc := newFakeService(t)
		var out bytes.Buffer
		sess, err := runSession(context.Background(), svc, "intent", runOptions{}, strings.NewReader("\n"), &out)
		require.NoError(t, err)
		assert.Equal(t, schemas.StatusCompleted, sess.Status)
		assert.Contains(t, out.String(), "Run the selected cases? [Y/n]")
	})

	t.Run("PromptDeclined", func(t *testing.T) {
		svc := newFakeService(t)
		sess, err := runSession(context.Background(), svc, "intent", runOptions{}, strings.NewReader("no\n"), &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, schemas.StatusStopped, sess.Status)
		assert.Empty(t, svc.confirms)
		assert.Len(t, svc.stops, 1)
	})

	t.Run("ClosedStdinDeclines", func(t *testing.T) {
		svc := newFakeService(t)
		sess, err := runSession(context.Background(), svc, "intent", runOptions{}, strings.NewReader(""), &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, schemas.StatusStopped, sess.Status)
	})

	t.Run("FailsBeforeConfirmation", func(t *testing.T) {
		svc := newFakeService(t)
		svc.initial = schemas.StatusFailed
		sess, err := runSession(context.Background(), svc, "intent", runOptions{assumeYes: true}, strings.NewReader(""), &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, schemas.StatusFailed, sess.Status)
		assert.Equal(t, []string{"start"}, svc.calls)
	})

	t.Run("StartError", func(t *testing.T) {
		svc := newFakeService(t)
		svc.startErr = errors.New("intent is empty")
		_, err := runSession(context.Background(), svc, "", runOptions{}, strings.NewReader(""), &bytes.Buffer{})
		assert.ErrorContains(t, err, "failed to start session")
	})

	t.Run("ConfirmRejected", func(t *testing.T) {
		svc := newFakeService(t)
		svc.confirmErr = session.ErrBusy
		_, err := runSession(context.Background(), svc, "intent", runOptions{assumeYes: true}, strings.NewReader(""), &bytes.Buffer{})
		require.ErrorIs(t, err, session.ErrBusy)
		assert.Len(t, svc.stops, 1, "a rejected confirmation stops the session")
	})

	t.Run("InterruptStopsExecution", func(t *testing.T) {
		svc := newFakeService(t)
		svc.afterRun = schemas.StatusExecuting
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		sess, err := runSession(ctx, svc, "intent", runOptions{assumeYes: true}, strings.NewReader(""), &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, schemas.StatusStopped, sess.Status)
		require.NotNil(t, sess.Result)
		assert.True(t, sess.Result.Stopped)
		assert.Equal(t, []string{"start", "confirm", "stop"}, svc.calls)
	})
}

func TestPrintSession(t *testing.T) {
	svc := newFakeService(t)
	id, err := svc.Start(context.Background(), "intent")
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(context.Background(), id, service.ConfirmRequest{}))
	sess, err := svc.GetStatus(context.Background(), id)
	require.NoError(t, err)

	t.Run("Text", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printSession(&out, sess, "text"))
		text := out.String()
		assert.Contains(t, text, "Session "+id+": completed")
		assert.Contains(t, text, "target: https://app.test")
		assert.Contains(t, text, "stop_loss")
		assert.Contains(t, text, "Summary: 2 total, 1 passed, 1 failed, 0 skipped (1.5s)")
	})

	t.Run("JSON", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printSession(&out, sess, "json"))
		var decoded schemas.Session
		require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
		assert.Equal(t, sess.ID, decoded.ID)
		require.NotNil(t, decoded.Result)
		assert.Equal(t, 1, decoded.Result.Summary.Passed)
	})

	t.Run("StoppedFlag", func(t *testing.T) {
		stopped := sess.Clone()
		stopped.Result.Stopped = true
		stopped.Result.RateLimited = true
		var out bytes.Buffer
		require.NoError(t, printSession(&out, stopped, "text"))
		assert.Contains(t, out.String(), "[rate limited, stopped]")
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "héllo w...", truncate("héllo wörld!!", 10))
}
