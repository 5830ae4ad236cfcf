package extract

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaji/internal/llm"
	"github.com/ashita-ai/kaji/internal/model"
)

type fakeCompleter struct {
	content string
	err     error
}

func (f *fakeCompleter) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Content: f.content, FinishReason: "stop"}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func inventoryTemplate() *model.DecisionTemplate {
	return &model.DecisionTemplate{
		Name: "inventory_rebalance",
		Inputs: []model.TemplateInput{
			{Name: "sku", Type: model.InputString, Description: "SKU identifier", Required: true},
			{Name: "period", Type: model.InputNumber, Description: "planning period in weeks", Required: true},
			{Name: "region", Type: model.InputEnum, Description: "target region", Enum: []string{"NA", "EU", "APAC"}},
			{Name: "dry_run", Type: model.InputBoolean, Description: "simulate only", Default: true},
		},
	}
}

func TestExtract_CoercesAndFilters(t *testing.T) {
	e := NewExtractor(&fakeCompleter{
		content: "```json\n{\"sku\": \"SKU-42\", \"period\": \"6\", \"region\": \"eu\", \"unknown_field\": 1}\n```",
	}, testLogger())

	params, err := e.Extract(context.Background(), inventoryTemplate(), "rebalance SKU-42 over 6 weeks in eu")
	require.NoError(t, err)
	assert.Equal(t, "SKU-42", params["sku"])
	assert.Equal(t, 6.0, params["period"])
	assert.Equal(t, "EU", params["region"])
	assert.NotContains(t, params, "unknown_field")
}

func TestExtract_CompletionErrorDegradesToNothing(t *testing.T) {
	e := NewExtractor(&fakeCompleter{err: errors.New("connection refused")}, testLogger())
	params, err := e.Extract(context.Background(), inventoryTemplate(), "rebalance SKU-42")
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestExtract_UnparseableOutputIsNil(t *testing.T) {
	e := NewExtractor(&fakeCompleter{content: "I could not determine any parameters."}, testLogger())
	params, err := e.Extract(context.Background(), inventoryTemplate(), "hello")
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestExtract_FailedCoercionTreatedAsMissing(t *testing.T) {
	e := NewExtractor(&fakeCompleter{content: `{"period": "soon"}`}, testLogger())
	params, err := e.Extract(context.Background(), inventoryTemplate(), "rebalance soon")
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestExtractSingle(t *testing.T) {
	in := model.TemplateInput{Name: "period", Type: model.InputNumber, Description: "weeks", Required: true}

	e := NewExtractor(&fakeCompleter{content: `{"period": 8}`}, testLogger())
	value, ok, err := e.ExtractSingle(context.Background(), in, "let's do 8 weeks")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8.0, value)

	e = NewExtractor(&fakeCompleter{content: `{}`}, testLogger())
	_, ok, err = e.ExtractSingle(context.Background(), in, "not sure yet")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdentifyMissing_OrderAndIdempotence(t *testing.T) {
	tmpl := inventoryTemplate()

	missing := IdentifyMissing(tmpl, map[string]any{})
	require.Len(t, missing, 2)
	assert.Equal(t, "sku", missing[0].Name)
	assert.Equal(t, "period", missing[1].Name)

	extracted := map[string]any{"sku": "SKU-42"}
	missing = IdentifyMissing(tmpl, extracted)
	require.Len(t, missing, 1)
	assert.Equal(t, "period", missing[0].Name)

	extracted["period"] = 6.0
	assert.Empty(t, IdentifyMissing(tmpl, extracted))
	// A second call over the completed set stays empty.
	assert.Empty(t, IdentifyMissing(tmpl, extracted))
}

func TestApplyDefaults(t *testing.T) {
	tmpl := inventoryTemplate()
	params := map[string]any{"sku": "SKU-1", "period": 4.0}
	ApplyDefaults(tmpl, params)
	assert.Equal(t, true, params["dry_run"])

	params["dry_run"] = false
	ApplyDefaults(tmpl, params)
	assert.Equal(t, false, params["dry_run"])
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name  string
		in    model.TemplateInput
		value any
		want  any
		ok    bool
	}{
		{"number from string", model.TemplateInput{Type: model.InputNumber}, "3.5", 3.5, true},
		{"number from float", model.TemplateInput{Type: model.InputNumber}, 2.0, 2.0, true},
		{"number invalid", model.TemplateInput{Type: model.InputNumber}, "many", nil, false},
		{"integer from float", model.TemplateInput{Type: model.InputInteger}, 7.0, int64(7), true},
		{"integer rejects fraction", model.TemplateInput{Type: model.InputInteger}, 7.5, nil, false},
		{"boolean from yes", model.TemplateInput{Type: model.InputBoolean}, "yes", true, true},
		{"boolean invalid", model.TemplateInput{Type: model.InputBoolean}, "maybe", nil, false},
		{"date iso", model.TemplateInput{Type: model.InputDate}, "2026-03-01", "2026-03-01", true},
		{"date from rfc3339", model.TemplateInput{Type: model.InputDate}, "2026-03-01T10:00:00Z", "2026-03-01", true},
		{"date invalid", model.TemplateInput{Type: model.InputDate}, "next tuesday", nil, false},
		{"enum canonical case", model.TemplateInput{Type: model.InputEnum, Enum: []string{"NA", "EU"}}, "eu", "EU", true},
		{"enum unknown", model.TemplateInput{Type: model.InputEnum, Enum: []string{"NA", "EU"}}, "MARS", nil, false},
		{"string trims", model.TemplateInput{Type: model.InputString}, "  x  ", "x", true},
		{"string empty", model.TemplateInput{Type: model.InputString}, "   ", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Coerce(tt.in, tt.value)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
