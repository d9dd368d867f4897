package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/InsightPipe/internal/models"
)

const minimalDefinition = `
mode: direct
interim_feedback: false
keywords:
  start: ["Begin"]
messages:
  welcome: "Welcome to a {{.Total}} question survey."
  start_hint: "Send Begin to start."
  already_complete: "Already done."
  apology: "Sorry."
prompts:
  final:
    instructions: "Summarize."
    context: "{{range .Answers}}{{.Answer}}{{end}}"
    canned: "Canned report."
questions:
  - prompt: "Only question?"
`

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Equal(t, 12, c.Len())
	assert.Equal(t, ModeConsent, c.Mode)
	assert.True(t, c.InterimFeedback)
	assert.False(t, c.RetainCompleted)
	assert.Contains(t, c.Messages.Welcome, "12問の質問")
	assert.NotContains(t, c.Messages.Welcome, "{{")

	q1, ok := c.Question(1)
	require.True(t, ok)
	assert.Equal(t, 1, q1.Ordinal)
	q12, ok := c.Question(12)
	require.True(t, ok)
	assert.Equal(t, 12, q12.Ordinal)
	_, ok = c.Question(13)
	assert.False(t, ok)
	_, ok = c.Question(0)
	assert.False(t, ok)

	final := c.Prompts[models.RoleFinal]
	assert.Equal(t, 2000, final.MaxOutputTokens)
	assert.Equal(t, 100, final.MinLength)
	assert.Equal(t, 60*time.Second, final.Timeout)
	assert.GreaterOrEqual(t, len([]rune(final.Canned)), 100)
	assert.Equal(t, 200, c.Prompts[models.RoleInterim].MaxOutputTokens)
}

func TestKeywordMatching(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.True(t, c.IsStart("診断開始"))
	assert.True(t, c.IsStart("  START \n"))
	assert.False(t, c.IsStart("診断開始してください"))
	assert.True(t, c.IsConsent("はい"))
	assert.True(t, c.IsConsent("OK"))
	assert.False(t, c.IsConsent("いいえ"))
}

func TestFormatQuestion(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	q1, _ := c.Question(1)
	first := c.FormatQuestion(q1)
	assert.True(t, strings.HasPrefix(first, "Q1: 最近、「自分らしい」と思えた出来事を教えてください。\n\n例："))
	assert.True(t, strings.HasSuffix(first, "\n\n（できるだけ具体的にお答えください）"))

	q2, _ := c.Question(2)
	second := c.FormatQuestion(q2)
	assert.NotContains(t, second, "できるだけ具体的に")

	joined := c.WithObservation("所見です。", second)
	assert.Equal(t, "所見です。\n\n━━━━━━━━━━\n\n"+second, joined)
	assert.Equal(t, second, c.WithObservation("", second))

	assert.True(t, strings.HasPrefix(c.Completion("本文"), "🎯 診断完了！\n\n【あなたの性格診断結果】\n\n本文"))
}

func TestParseMinimalDirectCatalog(t *testing.T) {
	c, err := Parse([]byte(minimalDefinition))
	require.NoError(t, err)

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, ModeDirect, c.Mode)
	assert.False(t, c.InterimFeedback)
	assert.False(t, c.RetainCompleted, "completed sessions are cleared unless retained")
	assert.Equal(t, "Welcome to a 1 question survey.", c.Messages.DirectWelcome)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr error
	}{
		{
			name: "no questions",
			mutate: func(s string) string {
				return s[:strings.Index(s, "questions:")]
			},
			wantErr: ErrEmptyCatalog,
		},
		{
			name:    "bad mode",
			mutate:  func(s string) string { return strings.Replace(s, "mode: direct", "mode: sideways", 1) },
			wantErr: ErrInvalidMode,
		},
		{
			name:    "consent mode without consent keywords",
			mutate:  func(s string) string { return strings.Replace(s, "mode: direct", "mode: consent", 1) },
			wantErr: ErrMissingKeywords,
		},
		{
			name:    "interim enabled without template",
			mutate:  func(s string) string { return strings.Replace(s, "interim_feedback: false", "interim_feedback: true", 1) },
			wantErr: ErrMissingInterimRole,
		},
		{
			name:    "missing apology",
			mutate:  func(s string) string { return strings.Replace(s, `apology: "Sorry."`, `apology: ""`, 1) },
			wantErr: ErrMissingMessage,
		},
		{
			name:    "empty prompt",
			mutate:  func(s string) string { return strings.Replace(s, `"Only question?"`, `" "`, 1) },
			wantErr: ErrEmptyPrompt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.mutate(minimalDefinition)))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "survey.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalDefinition), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	c, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, 12, c.Len())
}
