// ABOUTME: Emoji translation between Matrix reaction keys and Zulip names/codes
// ABOUTME: Covers the common reaction set; unknown glyphs fall back to codepoints

package format

import (
	"strconv"
	"strings"
	"unicode"
)

// variationSelector16 requests emoji presentation and is not part of the
// Zulip emoji_code.
const variationSelector16 = '\uFE0F'

// emojiNames maps reaction glyphs to Zulip emoji names.
var emojiNames = map[string]string{
	"👍": "+1",
	"👎": "-1",
	"❤": "heart",
	"😄": "smile",
	"😃": "big_smile",
	"😂": "joy",
	"🎉": "tada",
	"🚀": "rocket",
	"👀": "eyes",
	"😕": "confused",
	"😢": "cry",
	"🔥": "fire",
	"💯": "100",
	"✅": "check",
	"❌": "cross_mark",
	"⭐": "star",
	"⚠": "warning",
	"🤔": "thinking",
	"🙏": "thank_you",
	"👋": "wave",
	"🐙": "octopus",
	"🎯": "direct_hit",
	"😮": "open_mouth",
	"😍": "heart_eyes",
	"🤷": "shrug",
}

// emojiGlyphs is the reverse of emojiNames, built once at init.
var emojiGlyphs = func() map[string]string {
	m := make(map[string]string, len(emojiNames))
	for glyph, name := range emojiNames {
		m[name] = glyph
	}
	return m
}()

// EmojiName resolves a Matrix reaction key to a Zulip emoji name. Plain
// ASCII keys (custom Zulip emoji names typed as reactions) pass through
// unchanged. Unknown glyphs return ok=false.
func EmojiName(key string) (string, bool) {
	key = stripVariationSelectors(key)
	if name, ok := emojiNames[key]; ok {
		return name, true
	}
	if isASCIIName(key) {
		return key, true
	}
	return "", false
}

// EmojiCode returns the Zulip emoji_code for a glyph: the lowercase hex
// codepoints joined with "-", variation selectors stripped.
func EmojiCode(glyph string) string {
	var parts []string
	for _, r := range stripVariationSelectors(glyph) {
		parts = append(parts, strconv.FormatInt(int64(r), 16))
	}
	return strings.Join(parts, "-")
}

// EmojiGlyph reconstructs the glyph from a Zulip unicode emoji_code. It
// returns "" when the code does not parse; callers then fall back to the
// emoji name as the reaction key.
func EmojiGlyph(code string) string {
	var b strings.Builder
	for _, part := range strings.Split(code, "-") {
		n, err := strconv.ParseInt(part, 16, 32)
		if err != nil || !unicode.IsGraphic(rune(n)) {
			return ""
		}
		b.WriteRune(rune(n))
	}
	return b.String()
}

// GlyphForName returns the reaction key for a Zulip emoji name when the
// common table knows it.
func GlyphForName(name string) (string, bool) {
	glyph, ok := emojiGlyphs[name]
	return glyph, ok
}

func stripVariationSelectors(s string) string {
	return strings.Map(func(r rune) rune {
		if r == variationSelector16 {
			return -1
		}
		return r
	}, s)
}

func isASCIIName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '+', r == '-':
		default:
			return false
		}
	}
	return true
}
