package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRule() Rule {
	last := time.Date(2026, 3, 4, 20, 15, 0, 0, time.UTC)
	return Rule{
		ID:       "rule-quiet-hours",
		Name:     "Quiet hours",
		Enabled:  true,
		Priority: 2,
		Conditions: []Condition{
			{Type: ConditionKeyword, Operator: OpContains, Value: ListValue("urgent", "asap")},
			{Type: ConditionSender, Operator: OpEquals, Value: TextValue("other")},
			{Type: ConditionTime, Operator: OpBetween, Value: RangeValue("18:00", "09:00")},
		},
		ConditionLogic: LogicAll,
		Actions: []Action{
			Label("after-hours"),
			Notify("Urgent", "Someone needs you", UrgencyHigh),
			DelayResponse(30),
			AIGenerate("Reply politely", "friendly", 200, 5),
			Reply("Back tomorrow", 0),
			Forward("assistant", "fyi"),
			Archive(),
			{Type: ActionArchive},
		},
		Schedule: &Schedule{
			Enabled:   true,
			StartTime: "18:00",
			EndTime:   "09:00",
			Days:      []string{"mon", "tue"},
		},
		TriggerCount:    7,
		LastTriggeredAt: &last,
		CreatedAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRuleJSONRoundTrip(t *testing.T) {
	rule := sampleRule()

	data, err := json.Marshal(rule)
	require.NoError(t, err)

	var decoded Rule
	require.NoError(t, json.Unmarshal(data, &decoded))

	if diff := cmp.Diff(rule, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestConditionValueShapes(t *testing.T) {
	tests := []struct {
		name string
		json string
		kind ValueKind
		want ConditionValue
	}{
		{"string", `"urgent"`, ValueText, TextValue("urgent")},
		{"list", `["mon","tue"]`, ValueList, ListValue("mon", "tue")},
		{"empty list", `[]`, ValueList, ConditionValue{List: []string{}}},
		{"range", `{"start":"18:00","end":"09:00"}`, ValueRange, RangeValue("18:00", "09:00")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v ConditionValue
			require.NoError(t, json.Unmarshal([]byte(tt.json), &v))
			assert.Equal(t, tt.kind, v.Kind())
			if diff := cmp.Diff(tt.want, v); diff != "" {
				t.Errorf("decoded value mismatch (-want +got):\n%s", diff)
			}

			out, err := json.Marshal(v)
			require.NoError(t, err)
			assert.JSONEq(t, tt.json, string(out))
		})
	}
}

func TestConditionValueRejectsNumbers(t *testing.T) {
	var v ConditionValue
	err := json.Unmarshal([]byte(`42`), &v)
	assert.ErrorIs(t, err, ErrInvalidCondition)
}

func TestActionWireFormat(t *testing.T) {
	data, err := json.Marshal(Notify("Heads up", "", UrgencyHigh))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"notify","config":{"title":"Heads up","urgency":"high"}}`, string(data))

	data, err = json.Marshal(Action{Type: ActionNotify})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"notify"}`, string(data))
}

func TestActionUnmarshal(t *testing.T) {
	t.Run("typed config", func(t *testing.T) {
		var a Action
		require.NoError(t, json.Unmarshal([]byte(`{"type":"delay_response","config":{"seconds":90}}`), &a))
		require.NotNil(t, a.Delay)
		assert.Equal(t, 90, a.Delay.Seconds)
		assert.Nil(t, a.Reply)
	})

	t.Run("unknown type", func(t *testing.T) {
		var a Action
		err := json.Unmarshal([]byte(`{"type":"teleport","config":{}}`), &a)
		assert.ErrorIs(t, err, ErrInvalidAction)
	})

	t.Run("bad config", func(t *testing.T) {
		var a Action
		err := json.Unmarshal([]byte(`{"type":"label","config":{"label":5}}`), &a)
		assert.ErrorIs(t, err, ErrInvalidAction)
	})
}

func TestRuleCloneIsDeep(t *testing.T) {
	rule := sampleRule()
	clone := rule.Clone()

	clone.Conditions[0].Value.List[0] = "changed"
	clone.Actions[0].Label.Label = "changed"
	clone.Schedule.Days[0] = "sun"
	*clone.LastTriggeredAt = time.Time{}

	assert.Equal(t, "urgent", rule.Conditions[0].Value.List[0])
	assert.Equal(t, "after-hours", rule.Actions[0].Label.Label)
	assert.Equal(t, "mon", rule.Schedule.Days[0])
	assert.False(t, rule.LastTriggeredAt.IsZero())
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Equal(t, 0, Priority("bogus").Rank())
}
