package proto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMsgRoundTrip(t *testing.T) {
	payload := CodeUpdatePayload{
		ProjectID: "proj-1",
		Changes: []FileChange{
			{
				RelativePath: "src/index.js",
				Kind:         ChangeModified,
				Content:      "let x = 1;",
				HasContent:   true,
				Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
				Step: &StepContext{
					QuestID: "quest-js",
					StepID:  "step-1",
				},
			},
		},
	}

	msg, err := NewMsg(EventCodeUpdate, payload)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, EventCodeUpdate, msg.Event)

	data, err := msg.ToJSON()
	require.NoError(t, err)

	parsed, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, parsed.ID)

	var decoded CodeUpdatePayload
	require.NoError(t, parsed.DecodeInto(&decoded))
	assert.Equal(t, payload.ProjectID, decoded.ProjectID)
	require.Len(t, decoded.Changes, 1)
	assert.Equal(t, ChangeModified, decoded.Changes[0].Kind)
	require.NotNil(t, decoded.Changes[0].Step)
	assert.Equal(t, "quest-js", decoded.Changes[0].Step.QuestID)
}

func TestFromJSONRejectsEventlessMessage(t *testing.T) {
	_, err := FromJSON([]byte(`{"id":"abc","payload":{}}`))
	require.Error(t, err)
}

func TestDecodeIntoEmptyPayload(t *testing.T) {
	msg := MustMsg(EventLeaveProject, nil)

	var decoded LeaveProjectPayload
	err := msg.DecodeInto(&decoded)
	require.Error(t, err)
}

func TestCodeUpdateValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload CodeUpdatePayload
		wantErr bool
	}{
		{
			name: "valid",
			payload: CodeUpdatePayload{
				ProjectID: "p",
				Changes:   []FileChange{{RelativePath: "a.go", Kind: ChangeCreated}},
			},
		},
		{
			name:    "missing project",
			payload: CodeUpdatePayload{Changes: []FileChange{{RelativePath: "a.go", Kind: ChangeCreated}}},
			wantErr: true,
		},
		{
			name: "missing path",
			payload: CodeUpdatePayload{
				ProjectID: "p",
				Changes:   []FileChange{{Kind: ChangeCreated}},
			},
			wantErr: true,
		},
		{
			name: "missing kind",
			payload: CodeUpdatePayload{
				ProjectID: "p",
				Changes:   []FileChange{{RelativePath: "a.go"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRequestVerificationValidate(t *testing.T) {
	valid := RequestVerificationPayload{
		ProjectID: "p",
		QuestID:   "q",
		StepID:    "s",
		StepKind:  StepKindArrange,
	}
	require.NoError(t, valid.Validate())

	missingStep := valid
	missingStep.StepID = ""
	require.Error(t, missingStep.Validate())

	missingKind := valid
	missingKind.StepKind = ""
	require.Error(t, missingKind.Validate())
}
