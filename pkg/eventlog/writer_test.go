package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questsync/pkg/proto"
)

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.Record(proto.EventQuestProgress, proto.QuestProgressPayload{
		QuestID:        "quest-1",
		Identity:       proto.Identity{ID: "alice", DisplayName: "Alice", Role: proto.RoleLearner},
		StepID:         "step-1",
		StepCompleted:  true,
		Score:          92,
		CompletedSteps: 1,
		TotalSteps:     3,
	}))
	require.NoError(t, w.Record(proto.EventFileUpdate, proto.FileUpdatePayload{
		ProjectID: "proj-1",
		Identity:  proto.Identity{ID: "alice"},
	}))

	messages, err := ReadMessages(w.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, proto.EventQuestProgress, messages[0].Event)
	assert.Equal(t, proto.EventFileUpdate, messages[1].Event)

	var qp proto.QuestProgressPayload
	require.NoError(t, messages[0].DecodeInto(&qp))
	assert.Equal(t, 92, qp.Score)
}

func TestFileNameCarriesDate(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	assert.Contains(t, w.CurrentLogFile(), "audit-"+time.Now().UTC().Format("2006-01-02")+".jsonl")
}

func TestListLogFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Record(proto.EventUserJoined, proto.PresencePayload{ProjectID: "proj-1"}))
	require.NoError(t, w.Close())

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestWriteAfterCloseReopens(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// The date check reopens the file on the next write.
	require.NoError(t, w.Record(proto.EventUserLeft, proto.PresencePayload{ProjectID: "proj-1"}))
	require.NoError(t, w.Close())

	messages, err := ReadMessages(w.logDir + "/audit-" + time.Now().UTC().Format("2006-01-02") + ".jsonl")
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}
