package protocol

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReportBetweenProse(t *testing.T) {
	input := "Result: ```json\n{\"type\":\"report\",\"title\":\"MRR\",\"value\":\"R$10\"}\n```\nDone."
	blocks := Parse(input)

	require.Len(t, blocks, 3)
	assert.Equal(t, KindText, blocks[0].Kind)
	assert.Equal(t, "Result: ", blocks[0].Text())

	require.Equal(t, KindWidget, blocks[1].Kind)
	report, ok := blocks[1].Widget.(*Report)
	require.True(t, ok, "got %T", blocks[1].Widget)
	assert.Equal(t, "MRR", report.Title)
	assert.Equal(t, Flex("R$10"), report.Value)
	assert.Equal(t, "```json\n{\"type\":\"report\",\"title\":\"MRR\",\"value\":\"R$10\"}\n```", blocks[1].Source)

	assert.Equal(t, KindText, blocks[2].Kind)
	assert.Equal(t, "\nDone.", blocks[2].Text())
	assert.Equal(t, input, Join(blocks))
}

func TestParseUnterminatedFence(t *testing.T) {
	input := "See ```json\n{broken"
	blocks := Parse(input)

	require.Len(t, blocks, 1)
	assert.Equal(t, KindText, blocks[0].Kind)
	assert.Equal(t, input, blocks[0].Text())
}

func TestParseMalformedJSON(t *testing.T) {
	input := "```json\n{bad}\n```"
	blocks := Parse(input)

	require.Len(t, blocks, 1)
	assert.Equal(t, KindText, blocks[0].Kind)
	assert.Equal(t, input, blocks[0].Text())
}

func TestParseMalformedSpanNeverAlsoWidget(t *testing.T) {
	cases := []string{
		"```json\n{{{{}}}}\n```",
		"```json\n{\"type\":\"report\",\"title\":\"x\",}\n```",
		"```json\n{\"a\":{\"b\":{\"c\":[1,2,}}}\n```",
		"```json\n\n```",
		"```json```",
		"```json\n{\"type\":\"chart\"\n```",
	}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			blocks := Parse("before " + input + " after")
			require.Len(t, blocks, 1)
			assert.Equal(t, KindText, blocks[0].Kind)
			assert.Contains(t, blocks[0].Text(), input)
			assert.Empty(t, Widgets(blocks))
		})
	}
}

func TestParsePlainText(t *testing.T) {
	assert.Empty(t, Parse(""))

	blocks := Parse("no widgets here, only ``` stray fences")
	require.Len(t, blocks, 1)
	assert.Equal(t, KindText, blocks[0].Kind)
}

func TestParseAdjacentWidgets(t *testing.T) {
	input := "```json\n{\"type\":\"report\",\"title\":\"A\",\"value\":1}\n``````json\n{\"type\":\"report\",\"title\":\"B\",\"value\":2}\n```"
	blocks := Parse(input)

	require.Len(t, blocks, 2)
	assert.Equal(t, KindWidget, blocks[0].Kind)
	assert.Equal(t, KindWidget, blocks[1].Kind)
	assert.Equal(t, Flex("2"), blocks[1].Widget.(*Report).Value)
	assert.Equal(t, input, Join(blocks))
}

func TestParseUnknownAndInvalidShapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		rawType string
		wantErr bool
	}{
		{"no type", `{"title":"x"}`, "", false},
		{"unrecognized type", `{"type":"kanban","columns":[]}`, "kanban", false},
		{"array payload", `[1,2,3]`, "", true},
		{"chart with bad chartType", `{"type":"chart","title":"t","chartType":"radar","xAxis":"m","series":[{"key":"v"}],"data":[]}`, "chart", true},
		{"task missing status", `{"type":"task_list","items":[{"id":1,"title":"Post"}]}`, "task_list", true},
		{"report value wrong type", `{"type":"report","title":"MRR","value":true}`, "report", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks := Parse("```json\n" + tt.body + "\n```")
			require.Len(t, blocks, 1)
			require.Equal(t, KindWidget, blocks[0].Kind)

			u, ok := blocks[0].Widget.(*Unknown)
			require.True(t, ok, "got %T", blocks[0].Widget)
			assert.Equal(t, tt.rawType, u.RawType)
			assert.Equal(t, tt.wantErr, u.Err != nil)
		})
	}
}

func TestParseRecognizedVariants(t *testing.T) {
	tests := []struct {
		body  string
		check func(t *testing.T, w Widget)
	}{
		{
			`{"type":"task_list","items":[{"id":7,"title":"Ads report","status":"todo","priority":"high","due_date":"2026-10-20","assignee":"Ana","client_name":"Acme"}]}`,
			func(t *testing.T, w Widget) {
				tl := w.(*TaskList)
				require.Len(t, tl.Items, 1)
				assert.Equal(t, Flex("7"), tl.Items[0].ID)
				assert.Equal(t, "high", tl.Items[0].Priority)
			},
		},
		{
			`{"type":"user_list","items":[{"name":"Ana","role":"admin","last_access":"2026-10-01"}]}`,
			func(t *testing.T, w Widget) { assert.Equal(t, "admin", w.(*UserList).Items[0].Role) },
		},
		{
			`{"type":"access_list","items":[{"name":"Ana","total_accesses":0}]}`,
			func(t *testing.T, w Widget) { assert.Equal(t, 0, *w.(*AccessList).Items[0].TotalAccesses) },
		},
		{
			`{"type":"chart","title":"Leads","chartType":"bar","xAxis":"month","series":[{"key":"leads","name":"Leads","color":"#f00"}],"data":[{"month":"Jan","leads":10}]}`,
			func(t *testing.T, w Widget) {
				c := w.(*Chart)
				assert.Equal(t, ChartBar, c.ChartType)
				assert.Len(t, c.Data, 1)
			},
		},
		{
			`{"type":"image_grid","title":"Creatives","items":[{"url":"https://cdn/x.png","caption":"v1"}]}`,
			func(t *testing.T, w Widget) { assert.Equal(t, "v1", w.(*ImageGrid).Items[0].Caption) },
		},
		{
			`{"type":"proposal_list","items":[{"id":"p1","company_name":"Acme","responsible_name":"Bia","setup_fee":1500,"monthly_fee":"2500.50","slug":"acme"}]}`,
			func(t *testing.T, w Widget) {
				p := w.(*ProposalList).Items[0]
				fee, ok := p.SetupFee.Float()
				assert.True(t, ok)
				assert.Equal(t, 1500.0, fee)
				assert.Equal(t, Flex("2500.50"), p.MonthlyFee)
			},
		},
		{
			`{"type":"project_list","items":[{"id":3,"title":"Site","company_name":"Acme"}]}`,
			func(t *testing.T, w Widget) {
				p := w.(*ProjectList).Items[0]
				assert.Equal(t, "Site", p.DisplayName())
				assert.Equal(t, "Acme", p.Client())
			},
		},
		{
			`{"type":"client_list","items":[{"name":"Acme","has_traffic":true}]}`,
			func(t *testing.T, w Widget) { assert.Equal(t, "Acme", w.(*ClientList).Items[0].DisplayName()) },
		},
	}
	for _, tt := range tests {
		blocks := Parse("```json\n" + tt.body + "\n```")
		require.Len(t, blocks, 1)
		require.Equal(t, KindWidget, blocks[0].Kind)
		_, unknown := blocks[0].Widget.(*Unknown)
		require.False(t, unknown, "body %s: %+v", tt.body, blocks[0].Widget)
		tt.check(t, blocks[0].Widget)
		assert.NotEmpty(t, RenderText(blocks))
	}
}

func TestBlockJSON(t *testing.T) {
	blocks := Parse("Hi ```json\n{ \"type\": \"report\", \"title\": \"MRR\", \"value\": \"R$10\" }\n```")
	out, err := json.Marshal(blocks)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"kind":"text","value":"Hi "},
		{"kind":"widget","type":"report","payload":{"type":"report","title":"MRR","value":"R$10"}}
	]`, string(out))

	out, err = json.Marshal(Parse("```json\n{\"type\":\"report\"}\n```"))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"error":"report: title and value are required"`)
}

// Lossless split: random compositions of prose, valid and broken fences
// always join back to the input.
func TestParseLossless(t *testing.T) {
	pieces := []string{
		"plain prose ", "\n", "```", "```json", "```json\n", "{", "}", "\"type\":\"report\"",
		"```json\n{\"type\":\"report\",\"title\":\"t\",\"value\":1}\n```",
		"```json\n{\"type\":\"mystery\"}```", "```json\n{oops}\n```", "ção ", "💡", "`", "json",
	}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		var sb strings.Builder
		n := rng.Intn(12)
		for j := 0; j < n; j++ {
			sb.WriteString(pieces[rng.Intn(len(pieces))])
		}
		input := sb.String()
		blocks := Parse(input)
		require.Equal(t, input, Join(blocks), "input %q", input)

		for k, b := range blocks {
			if b.Kind == KindText && k > 0 {
				require.NotEqual(t, KindText, blocks[k-1].Kind, "adjacent text blocks for %q", input)
			}
			if b.Kind == KindWidget {
				require.True(t, strings.HasPrefix(b.Source, StartMarker))
				require.True(t, strings.HasSuffix(b.Source, EndMarker))
			}
		}
	}
}

func FuzzParseLossless(f *testing.F) {
	f.Add("Result: ```json\n{\"type\":\"report\",\"title\":\"MRR\",\"value\":\"R$10\"}\n```\nDone.")
	f.Add("See ```json\n{broken")
	f.Add("```json\n{bad}\n```")
	f.Fuzz(func(t *testing.T, input string) {
		if got := Join(Parse(input)); got != input {
			t.Fatalf("lossy parse: %q -> %q", input, got)
		}
	})
}
