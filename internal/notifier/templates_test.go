package notifier

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solwatch/watchtower/internal/alerts"
)

func renderAlert() *alerts.Alert {
	return &alerts.Alert{
		ID:          "abc",
		RuleName:    "large_transaction",
		ProgramID:   "orca111",
		ProgramName: "Orca",
		Severity:    alerts.SeverityHigh,
		Message:     "Large transaction of 1000000 observed",
		Confidence:  1.0,
		Timestamp:   time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC),
		Metadata:    map[string]string{"amount": "1000000"},
		SuggestedActions: []string{
			"Verify the transaction signature",
		},
	}
}

func TestDefaultTemplateRender(t *testing.T) {
	e, err := NewTemplateEngine(nil)
	require.NoError(t, err)

	subject, body, err := e.Render("slack", renderAlert())
	require.NoError(t, err)

	assert.Equal(t, "[HIGH] large_transaction: Orca", subject)
	assert.Contains(t, body, "HIGH alert from large_transaction")
	assert.Contains(t, body, "Program: Orca")
	assert.Contains(t, body, "amount: 1000000")
	assert.Contains(t, body, "Verify the transaction signature")
}

func TestDefaultFuncFallsBackToProgramID(t *testing.T) {
	e, err := NewTemplateEngine(nil)
	require.NoError(t, err)

	alert := renderAlert()
	alert.ProgramName = ""

	subject, _, err := e.Render("slack", alert)
	require.NoError(t, err)
	assert.Equal(t, "[HIGH] large_transaction: orca111", subject)
}

func TestChannelTemplateOverride(t *testing.T) {
	e, err := NewTemplateEngine(map[string]string{
		"telegram": `{{ .Severity }} | {{ .Alert.Message | truncate 10 }}`,
	})
	require.NoError(t, err)

	_, body, err := e.Render("telegram", renderAlert())
	require.NoError(t, err)
	assert.Equal(t, "HIGH | Large t...", body)

	// Other channels keep the default body.
	_, defaultBody, err := e.Render("slack", renderAlert())
	require.NoError(t, err)
	assert.NotEqual(t, body, defaultBody)
}

func TestBadTemplateIsFatalAtStartup(t *testing.T) {
	_, err := NewTemplateEngine(map[string]string{"slack": "{{ .Unclosed"})
	assert.Error(t, err)
}

func TestRenderErrorFallsBackToPlaintext(t *testing.T) {
	e, err := NewTemplateEngine(map[string]string{
		"slack": `{{ .NoSuchField.Inner }}`,
	})
	require.NoError(t, err)

	_, body, err := e.Render("slack", renderAlert())
	assert.Error(t, err)
	assert.Contains(t, body, "[HIGH] large_transaction")
}

func TestRenderBatch(t *testing.T) {
	e, err := NewTemplateEngine(nil)
	require.NoError(t, err)

	subject, body, err := e.RenderBatch([]*alerts.Alert{renderAlert(), renderAlert()})
	require.NoError(t, err)
	assert.Equal(t, "[BATCH] 2 alerts", subject)
	assert.Equal(t, 2, strings.Count(body, "large_transaction"))
}

func TestSeverityColors(t *testing.T) {
	assert.Equal(t, "#dc3545", alerts.SeverityCritical.Color())
	assert.Equal(t, "#fd7e14", alerts.SeverityHigh.Color())
	assert.Equal(t, "#ffc107", alerts.SeverityMedium.Color())
	assert.Equal(t, "#28a745", alerts.SeverityLow.Color())
	assert.Equal(t, "#17a2b8", alerts.SeverityInfo.Color())
}
