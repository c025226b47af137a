// ABOUTME: Tests for emoji glyph/name/code translation
// ABOUTME: Variation selectors must not leak into Zulip emoji codes

package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmojiName(t *testing.T) {
	name, ok := EmojiName("👍")
	require.True(t, ok)
	assert.Equal(t, "+1", name)

	// Heart usually arrives with a trailing variation selector.
	name, ok = EmojiName("❤️")
	require.True(t, ok)
	assert.Equal(t, "heart", name)

	// ASCII custom emoji names pass through.
	name, ok = EmojiName("octocat")
	require.True(t, ok)
	assert.Equal(t, "octocat", name)

	_, ok = EmojiName("🫠")
	assert.False(t, ok)
}

func TestEmojiCode(t *testing.T) {
	assert.Equal(t, "1f44d", EmojiCode("👍"))
	assert.Equal(t, "2764", EmojiCode("❤️"))
	assert.Equal(t, "1f44b-1f3fd", EmojiCode("👋🏽"))
}

func TestEmojiGlyph(t *testing.T) {
	assert.Equal(t, "👍", EmojiGlyph("1f44d"))
	assert.Equal(t, "❤", EmojiGlyph("2764"))
	assert.Equal(t, "", EmojiGlyph("not-hex"))
}

func TestGlyphForName(t *testing.T) {
	glyph, ok := GlyphForName("tada")
	require.True(t, ok)
	assert.Equal(t, "🎉", glyph)

	_, ok = GlyphForName("no_such_emoji")
	assert.False(t, ok)
}
