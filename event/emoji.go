package event

import (
	"regexp"

	"go.mau.fi/util/emojirunes"
)

// emoteTagRe matches a custom-emote <img> tag as emitted by rich message
// bodies ("data-mx-emote" or the legacy "data-mx-emoticon" attribute).
var emoteTagRe = regexp.MustCompile(`(?i)<img[^>]*\bdata-mx-(?:emote|emoticon)\b[^>]*>`)

// emojiCharRe matches the unicode ranges spec'd for "only emoji" detection:
// copyright/registered signs, the dingbats-through-misc-symbols block, the
// surrogate-pair range used by supplementary-plane emoji, optional
// variation selectors, and whitespace.
var emojiCharRe = regexp.MustCompile(`[\x{00A9}\x{00AE}\x{2000}-\x{3300}\x{1F000}-\x{1FFFF}\x{FE00}-\x{FE0F}\s]`)

// IsOnlyEmotes reports whether text consists entirely of emoji (and, for
// rich/HTML bodies, custom-emote <img> tags) and whitespace. For plain-text
// bodies this defers to go.mau.fi/util/emojirunes, which implements the
// same unicode-range test the sync engine already relies on for big-emoji
// rendering; for rich bodies, custom-emote tags are stripped first so they
// count as a single emoji each.
func IsOnlyEmotes(text string, rich bool) bool {
	if rich {
		stripped := emoteTagRe.ReplaceAllString(text, "\U0001F600")
		return emojirunes.IsOnlyEmojis(stripped)
	}
	return emojirunes.IsOnlyEmojis(text)
}

// NumberEmotes counts the matches of emojiCharRe in text (so whitespace
// and variation selectors count too) plus, for rich bodies, the
// custom-emote tags.
func NumberEmotes(text string, rich bool) int {
	if rich {
		count := len(emoteTagRe.FindAllString(text, -1))
		text = emoteTagRe.ReplaceAllString(text, "")
		count += len(emojiCharRe.FindAllString(text, -1))
		return count
	}
	return len(emojiCharRe.FindAllString(text, -1))
}
