package dom

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsAreUniqueAndValid(t *testing.T) {
	t.Parallel()

	seen := make(map[Kind]struct{})
	for _, k := range Kinds() {
		_, dup := seen[k]
		require.False(t, dup, "duplicate kind %q", k)
		seen[k] = struct{}{}
		assert.True(t, k.Valid(), "kind %q must validate", k)
	}
	assert.False(t, Kind("teleport").Valid())
}

func TestKindSelectorRules(t *testing.T) {
	t.Parallel()

	assert.True(t, KindClick.RequiresSelector())
	assert.True(t, KindClick.TakesSelector())

	// press can fall back to the focused element.
	assert.False(t, KindPress.RequiresSelector())
	assert.True(t, KindPress.TakesSelector())

	// page-level kinds take no selector at all.
	assert.False(t, KindGetPageInfo.RequiresSelector())
	assert.False(t, KindGetPageInfo.TakesSelector())
	assert.False(t, KindEvaluate.TakesSelector())
}

func TestActionValidate(t *testing.T) {
	t.Parallel()

	sel := CSSSelector("button")
	tests := []struct {
		name    string
		action  Action
		wantErr string
	}{
		{
			name:    "unknown_type",
			action:  Action{Type: "warp"},
			wantErr: `unknown action type "warp"`,
		},
		{
			name:    "click_missing_selector",
			action:  Action{Type: KindClick},
			wantErr: "requires a selector",
		},
		{
			name:    "click_bad_button",
			action:  Action{Type: KindClick, Selector: sel, Button: "back"},
			wantErr: `unknown button "back"`,
		},
		{
			name:   "click_ok",
			action: Action{Type: KindClick, Selector: sel, Button: ButtonRight},
		},
		{
			name:    "type_missing_text",
			action:  Action{Type: KindType, Selector: sel},
			wantErr: "requires text",
		},
		{
			name:   "type_clear_only",
			action: Action{Type: KindType, Selector: sel, Clear: true},
		},
		{
			name:    "press_missing_key",
			action:  Action{Type: KindPress},
			wantErr: "requires a key",
		},
		{
			name:    "waitfor_bad_state",
			action:  Action{Type: KindWaitFor, Selector: sel, State: "detached"},
			wantErr: `unknown state "detached"`,
		},
		{
			name:   "waitfor_default_state",
			action: Action{Type: KindWaitFor, Selector: sel},
		},
		{
			name:    "evaluate_missing_expression",
			action:  Action{Type: KindEvaluate},
			wantErr: "requires an expression",
		},
		{
			name:    "get_attribute_missing_name",
			action:  Action{Type: KindGetAttribute, Selector: sel},
			wantErr: "requires an attribute name",
		},
		{
			name:    "select_missing_value",
			action:  Action{Type: KindSelect, Selector: sel},
			wantErr: "requires a value",
		},
		{
			name:    "bad_selector_on_optional",
			action:  Action{Type: KindGetText, Selector: &Selector{}},
			wantErr: "no location strategy",
		},
		{
			name:   "page_info_ok",
			action: Action{Type: KindGetPageInfo},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.action.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFlexStringAcceptsNumbers(t *testing.T) {
	t.Parallel()

	var a Action
	require.NoError(t, json.Unmarshal([]byte(`{"type":"select","selector":"select#qty","value":2}`), &a))
	assert.Equal(t, "2", a.Value.String())

	require.NoError(t, json.Unmarshal([]byte(`{"type":"setValue","selector":"#note","value":"two"}`), &a))
	assert.Equal(t, "two", a.Value.String())

	var s FlexString
	require.Error(t, s.UnmarshalJSON([]byte(`{"nested":1}`)))
}

func TestActionDecodeClick(t *testing.T) {
	t.Parallel()

	raw := `{
		"type": "click",
		"selector": {"role": "button", "text": "Save", "strict": true},
		"button": "left",
		"clickCount": 2,
		"delayMs": 40
	}`
	var a Action
	require.NoError(t, json.Unmarshal([]byte(raw), &a))
	require.NoError(t, a.Validate())
	assert.Equal(t, KindClick, a.Type)
	assert.EqualValues(t, 2, a.ClickCount.Int64)
	assert.EqualValues(t, 40, a.DelayMs.Int64)
	assert.Equal(t, "button", a.Selector.Role)
	assert.True(t, a.Selector.Strict)
}
