package closure

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const closingReply = "Gracias por tu tiempo.\n" +
	"===VISIBLE_MARKDOWN===\n" +
	"**Resumen**: cefalea de 3 días, sin fiebre.\n" +
	"===VISIBLE_MARKDOWN===\n" +
	"===STRUCTURED_JSON===\n" +
	"```json\n" +
	`{"clinical_impression": {"status": "completed", "subject_ref": "Patient/p1", "encounter_ref": "Encounter/<encounter_id>", ` +
	`"summary": "Cefalea de 3 días", "protocols": ["` + AnamnesisProtocol + `"], "problems": ["Cefalea"], "findings": [{"text": "Sin fiebre"}]}}` + "\n" +
	"```\n" +
	"===STRUCTURED_JSON===\n"

func defaultParser() *Parser {
	return NewParser("===VISIBLE_MARKDOWN===", "===STRUCTURED_JSON===")
}

func TestParse_BothBlocks(t *testing.T) {
	res := defaultParser().Parse(closingReply)
	require.True(t, res.Closing())
	assert.Equal(t, "**Resumen**: cefalea de 3 días, sin fiebre.", *res.Visible)

	plan := res.Payload.Plan
	require.NotNil(t, plan)
	assert.Equal(t, "completed", plan.Status)
	assert.Equal(t, "Patient/p1", plan.SubjectRef)
	assert.Equal(t, TextList{"Cefalea"}, plan.Problems)
	assert.Equal(t, TextList{"Sin fiebre"}, plan.Findings)
	assert.Equal(t, "Cefalea de 3 días", res.Payload.Inner["summary"])
}

func TestParse_VisibleOnly(t *testing.T) {
	res := defaultParser().Parse("===VISIBLE_MARKDOWN===\nResumen listo\n===VISIBLE_MARKDOWN===")
	require.NotNil(t, res.Visible)
	assert.Nil(t, res.Payload)
	assert.False(t, res.Closing())
}

func TestParse_Degenerate(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"plain reply":    "¿Desde cuándo tiene el dolor?",
		"single opener":  "===VISIBLE_MARKDOWN=== nota sin cierre",
		"broken json":    "===VISIBLE_MARKDOWN===a===VISIBLE_MARKDOWN======STRUCTURED_JSON==={not json===STRUCTURED_JSON===",
		"json not alone": "===VISIBLE_MARKDOWN===a===VISIBLE_MARKDOWN======STRUCTURED_JSON===[1,2]===STRUCTURED_JSON===",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, defaultParser().Parse(in).Closing())
		})
	}
}

func TestParse_CaseInsensitiveAndCustomDelims(t *testing.T) {
	p := NewParser("<<NOTA>>", "<<PLAN>>")
	res := p.Parse(`<<nota>> hola <<NOTA>> <<PLAN>> {"status":"completed"} <<plan>>`)
	require.True(t, res.Closing())
	assert.Equal(t, "hola", *res.Visible)
	require.NotNil(t, res.Payload.Plan, "a bare plan object is accepted")
	assert.Equal(t, "completed", res.Payload.Plan.Status)
}

func TestParse_NonObjectPlan(t *testing.T) {
	res := defaultParser().Parse("===VISIBLE_MARKDOWN===a===VISIBLE_MARKDOWN===" +
		`===STRUCTURED_JSON==={"clinical_impression": "text"}===STRUCTURED_JSON===`)
	require.True(t, res.Closing())
	assert.Nil(t, res.Payload.Plan)
	assert.Error(t, Validate(res.Payload))
}

func TestTextList(t *testing.T) {
	cases := []struct {
		in   string
		want TextList
	}{
		{`"uno"`, TextList{"uno"}},
		{`["uno", " ", "dos"]`, TextList{"uno", "dos"}},
		{`[{"display": "uno"}, {"description": "dos"}, 3]`, TextList{"uno", "dos"}},
		{`null`, nil},
	}
	for _, tc := range cases {
		var got TextList
		require.NoError(t, json.Unmarshal([]byte(tc.in), &got), tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	var bad TextList
	assert.Error(t, json.Unmarshal([]byte(`{"a": 1}`), &bad))
}
