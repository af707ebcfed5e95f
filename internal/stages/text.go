package stages

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"
	"github.com/surgebase/porter2"
)

// Text-analysis stages. These all operate on the extracted plain text and
// are gated behind WordCount > 0 by the pipeline.

func stageLanguage(_ *Pipeline, in *Input, r *Results) error {
	info := whatlanggo.Detect(string(in.Text))
	r.Language = info.Lang.Iso6393()
	r.LangConfidence = info.Confidence
	return nil
}

// stageReadability computes the Flesch-Kincaid grade level:
// 0.39*(words/sentences) + 11.8*(syllables/words) - 15.59.
func stageReadability(_ *Pipeline, in *Input, r *Results) error {
	text := string(in.Text)
	words := tokenize(text)
	sentences := countSentences(text)
	if sentences == 0 {
		sentences = 1
	}
	syllables := 0
	for _, w := range words {
		syllables += countSyllables(w)
	}
	nw := float64(len(words))
	if nw == 0 {
		nw = 1
	}
	r.Readability = 0.39*(nw/float64(sentences)) + 11.8*(float64(syllables)/nw) - 15.59
	return nil
}

const maxKeywords = 20

// stageKeywords ranks stemmed tokens by frequency, breaking ties
// lexicographically, and keeps the top 20.
func stageKeywords(_ *Pipeline, in *Input, r *Results) error {
	freq := make(map[string]int)
	for _, tok := range tokenize(string(in.Text)) {
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		freq[porter2.Stem(tok)]++
	}
	terms := make([]string, 0, len(freq))
	for term := range freq {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > maxKeywords {
		terms = terms[:maxKeywords]
	}
	r.Keywords = terms
	return nil
}

var (
	doiRe   = regexp.MustCompile(`\b10\.\d{4,9}/[-._;()/:a-zA-Z0-9]+`)
	arxivRe = regexp.MustCompile(`\barXiv:\d{4}\.\d{4,5}(?:v\d+)?`)
	isbnRe  = regexp.MustCompile(`\bISBN(?:-1[03])?:?\s?(?:97[89][- ]?)?\d{1,5}[- ]?\d{1,7}[- ]?\d{1,7}[- ]?[\dX]\b`)
)

func stageCitations(_ *Pipeline, in *Input, r *Results) error {
	text := string(in.Text)
	seen := make(map[string]bool)
	var out []string
	for _, re := range []*regexp.Regexp{doiRe, arxivRe, isbnRe} {
		for _, m := range re.FindAllString(text, -1) {
			m = strings.TrimRight(m, ".,;)")
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	r.Citations = out
	return nil
}

var (
	tocChapterRe = regexp.MustCompile(`^(?:Chapter|Section|Part|Appendix)\s+[\dIVXLC]+\b.*`)
	tocNumberRe  = regexp.MustCompile(`^\d+(?:\.\d+)*\.?\s+\S.*`)
)

const maxTOCEntries = 50

// stageTOC picks up heading-shaped lines from the extracted text. Real
// structural TOC data (EPUB nav, PDF outlines) is the parser's job; this
// stage recovers headings when the parser surfaced none.
func stageTOC(_ *Pipeline, in *Input, r *Results) error {
	var entries []string
	for _, line := range strings.Split(string(in.Text), "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || len(line) > 120 {
			continue
		}
		if tocChapterRe.MatchString(line) || tocNumberRe.MatchString(line) {
			entries = append(entries, line)
			if len(entries) == maxTOCEntries {
				break
			}
		}
	}
	r.TOC = entries
	return nil
}

// stageNER runs only when the ML backend was probed; the builtin fallback
// extracts capitalized multi-word spans as entity candidates.
var entityRe = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+\b`)

func stageNER(_ *Pipeline, in *Input, r *Results) error {
	seen := make(map[string]bool)
	var out []string
	for _, m := range entityRe.FindAllString(string(in.Text), -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
		if len(out) == 100 {
			break
		}
	}
	r.Entities = out
	return nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func countSentences(text string) int {
	n := 0
	inRun := false
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			if !inRun {
				n++
				inRun = true
			}
		default:
			inRun = false
		}
	}
	return n
}

// countSyllables approximates by counting vowel groups, with the usual
// silent-e adjustment. Every word counts at least one.
func countSyllables(word string) int {
	n := 0
	prevVowel := false
	for _, r := range word {
		v := strings.ContainsRune("aeiouy", r)
		if v && !prevVowel {
			n++
		}
		prevVowel = v
	}
	if strings.HasSuffix(word, "e") && !strings.HasSuffix(word, "le") && n > 1 {
		n--
	}
	if n == 0 {
		n = 1
	}
	return n
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"has": true, "his": true, "how": true, "its": true, "may": true,
	"new": true, "now": true, "old": true, "see": true, "two": true,
	"who": true, "did": true, "get": true, "him": true, "she": true,
	"too": true, "use": true, "this": true, "that": true, "with": true,
	"from": true, "have": true, "they": true, "been": true, "were": true,
	"will": true, "would": true, "there": true, "their": true, "which": true,
	"about": true, "these": true, "other": true, "than": true, "then": true,
	"them": true, "some": true, "into": true, "more": true, "when": true,
	"also": true, "only": true, "over": true, "such": true, "most": true,
}
