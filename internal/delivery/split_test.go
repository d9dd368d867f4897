package delivery

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(n, width int, fill string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strings.Repeat(fill, width)
	}
	return out
}

func TestSplit_ShortTextIsOnePart(t *testing.T) {
	assert.Equal(t, []string{"hello\nworld"}, Split("hello\nworld", 5000))
	assert.Equal(t, []string{""}, Split("", 5000))
}

func TestSplit_ExactlyAtLimit(t *testing.T) {
	text := strings.Repeat("a", 10)
	assert.Equal(t, []string{text}, Split(text, 10))
}

func TestSplit_TwelveThousandFourHundredCharacterReport(t *testing.T) {
	ls := lines(124, 99, "x")
	ls[123] += "x"
	text := strings.Join(ls, "\n")
	require.Equal(t, 12400, utf8.RuneCountInString(text))

	parts := Split(text, 5000)
	require.Len(t, parts, 3)
	for i, p := range parts {
		assert.LessOrEqual(t, utf8.RuneCountInString(p), 5000, "part %d", i)
	}
	assert.Equal(t, 50, strings.Count(parts[0], "\n")+1)
	assert.Equal(t, 50, strings.Count(parts[1], "\n")+1)
	assert.Equal(t, 24, strings.Count(parts[2], "\n")+1)
	assert.Equal(t, text, strings.Join(parts, "\n"))
}

func TestSplit_CountsRunesNotBytes(t *testing.T) {
	// 3 lines of 4 kana: 14 runes with newlines, 40 bytes
	text := strings.Join(lines(3, 4, "あ"), "\n")
	assert.Equal(t, []string{text}, Split(text, 14))

	parts := Split(text, 9)
	want := []string{"ああああ\nああああ", "ああああ"}
	if diff := cmp.Diff(want, parts); diff != "" {
		t.Errorf("Split mismatch (-want +got):\n%s", diff)
	}
}

func TestSplit_NeverSplitsLinesThatFit(t *testing.T) {
	text := "alpha\nbravo charlie\n\ndelta\necho foxtrot golf\nhotel"
	for limit := len("echo foxtrot golf"); limit <= len(text); limit++ {
		parts := Split(text, limit)
		assert.Equal(t, text, strings.Join(parts, "\n"), "limit %d", limit)

		var rebuilt []string
		for _, p := range parts {
			assert.LessOrEqual(t, utf8.RuneCountInString(p), limit, "limit %d", limit)
			rebuilt = append(rebuilt, strings.Split(p, "\n")...)
		}
		if diff := cmp.Diff(strings.Split(text, "\n"), rebuilt); diff != "" {
			t.Errorf("limit %d: lines changed (-want +got):\n%s", limit, diff)
		}
	}
}

func TestSplit_OversizeLineIsHardCut(t *testing.T) {
	text := "head\n" + strings.Repeat("界", 12) + "\ntail"
	parts := Split(text, 5)

	want := []string{"head", "界界界界界", "界界界界界", "界界", "tail"}
	if diff := cmp.Diff(want, parts); diff != "" {
		t.Errorf("Split mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, strings.ReplaceAll(text, "\n", ""), strings.Join(parts, ""))
	assert.NotEqual(t, text, strings.Join(parts, "\n"), "hard-cut pieces do not rejoin with newlines")
}

func TestSplit_DefaultLimit(t *testing.T) {
	text := strings.Join(lines(2, 3000, "y"), "\n")
	assert.Len(t, Split(text, 0), 2)
}
