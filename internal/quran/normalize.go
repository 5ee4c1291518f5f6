// Package quran provides the Qur'an text corpus: Arabic normalization,
// the remote corpus source, and a fuzzy-searchable index over all ~6,236
// ayat keyed on normalized text.
//
// Normalization reduces both recited speech-to-text output and canonical
// corpus text to a common base form so they can be compared with string
// similarity. It strips the combining marks that transcription output
// almost never carries (tashkeel and the small Qur'anic annotation signs)
// and unifies the alef variants that recitation collapses phonetically.
package quran

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// arabicTatweel is the kashida elongation character, used purely for
// typographic justification and meaningless for matching.
const arabicTatweel = 'ـ'

// alefWasla does not decompose under NFD, so it needs an explicit mapping
// to bare alef (the hamza/madda alef forms decompose to alef + a
// nonspacing mark and are handled by the mark stripper).
const alefWasla = 'ٱ'

// stripMarks removes every Arabic nonspacing mark: the tashkeel range
// (fatha, damma, kasra, tanwin, shadda, sukun), the dagger alef, and the
// small Qur'anic annotation marks. Decomposing first also folds the
// alef-with-hamza and alef-with-madda letters down to bare alef.
var stripMarks = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	runes.Map(func(r rune) rune {
		if r == alefWasla {
			return 'ا'
		}
		return r
	}),
	runes.Remove(runes.Predicate(func(r rune) bool { return r == arabicTatweel })),
	norm.NFC,
)

// Normalize reduces Arabic text to its comparison base form: combining
// diacritics and annotation marks removed, alef variants unified, tatweel
// dropped, and whitespace trimmed with internal runs collapsed to single
// spaces. It is deterministic and idempotent, has no failure modes, and
// maps the empty string to the empty string.
func Normalize(text string) string {
	out, _, err := transform.String(stripMarks, text)
	if err != nil {
		// transform.String only fails on malformed UTF-8; fall back to
		// the raw input so matching still degrades instead of erroring.
		out = text
	}
	return strings.Join(strings.Fields(out), " ")
}
