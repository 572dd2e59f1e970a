// Package wordpiece implements the uncased BERT tokenizer: text cleanup,
// lower-casing, accent stripping and punctuation splitting followed by
// greedy longest-match-first WordPiece segmentation.
package wordpiece

import (
	"bufio"
	"os"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// Special tokens every vocabulary must contain.
const (
	PadToken = "[PAD]"
	UnkToken = "[UNK]"
	ClsToken = "[CLS]"
	SepToken = "[SEP]"
)

const (
	maxWordRunes = 100
	cacheSize    = 1 << 14
)

// Tokenizer maps text to vocabulary ids. It is safe for concurrent use.
type Tokenizer struct {
	vocab  map[string]int
	tokens []string
	cache  *lru.Cache

	Pad int
	Unk int
	Cls int
	Sep int
}

// New builds a tokenizer from an ordered token list; a token's id is its
// position. The padding token must have id 0.
func New(tokens []string) (*Tokenizer, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating wordpiece cache")
	}
	t := &Tokenizer{
		vocab:  make(map[string]int, len(tokens)),
		tokens: tokens,
		cache:  cache,
	}
	for i, tok := range tokens {
		if _, dup := t.vocab[tok]; !dup {
			t.vocab[tok] = i
		}
	}

	for _, special := range []struct {
		name string
		dst  *int
	}{{PadToken, &t.Pad}, {UnkToken, &t.Unk}, {ClsToken, &t.Cls}, {SepToken, &t.Sep}} {
		id, ok := t.vocab[special.name]
		if !ok {
			return nil, errors.Errorf("vocabulary is missing %s", special.name)
		}
		*special.dst = id
	}
	if t.Pad != 0 {
		return nil, errors.Errorf("%s must have id 0, got %d", PadToken, t.Pad)
	}
	return t, nil
}

// Load reads a vocab.txt file with one token per line.
func Load(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening vocabulary %s", path)
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tokens = append(tokens, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading vocabulary %s", path)
	}
	t, err := New(tokens)
	if err != nil {
		return nil, errors.Wrapf(err, "vocabulary %s", path)
	}
	return t, nil
}

// VocabSize returns the number of ids.
func (t *Tokenizer) VocabSize() int {
	return len(t.tokens)
}

// Token returns the token string of id.
func (t *Tokenizer) Token(id int) string {
	if id < 0 || id >= len(t.tokens) {
		return UnkToken
	}
	return t.tokens[id]
}

// Tokenize splits text into wordpieces.
func (t *Tokenizer) Tokenize(text string) []string {
	var pieces []string
	for _, word := range basicTokenize(text) {
		pieces = append(pieces, t.wordPieces(word)...)
	}
	return pieces
}

// Encode returns [CLS] pieces [SEP] as ids. When maxLen > 0 the pieces are
// truncated so the result holds at most maxLen ids; trailing pieces are
// dropped silently.
func (t *Tokenizer) Encode(text string, maxLen int) []int {
	pieces := t.Tokenize(text)
	if maxLen > 0 {
		keep := maxLen - 2
		if keep < 0 {
			keep = 0
		}
		if len(pieces) > keep {
			pieces = pieces[:keep]
		}
	}
	ids := make([]int, 0, len(pieces)+2)
	ids = append(ids, t.Cls)
	for _, p := range pieces {
		ids = append(ids, t.id(p))
	}
	ids = append(ids, t.Sep)
	if maxLen > 0 && len(ids) > maxLen {
		ids = ids[:maxLen]
	}
	return ids
}

func (t *Tokenizer) id(piece string) int {
	if id, ok := t.vocab[piece]; ok {
		return id
	}
	return t.Unk
}

// wordPieces segments one basic token, greedy longest match first.
func (t *Tokenizer) wordPieces(word string) []string {
	if cached, ok := t.cache.Get(word); ok {
		return cached.([]string)
	}

	runes := []rune(word)
	var pieces []string
	if len(runes) > maxWordRunes {
		pieces = []string{UnkToken}
	} else {
		for start := 0; start < len(runes); {
			end := len(runes)
			found := ""
			for start < end {
				sub := string(runes[start:end])
				if start > 0 {
					sub = "##" + sub
				}
				if _, ok := t.vocab[sub]; ok {
					found = sub
					break
				}
				end--
			}
			if found == "" {
				pieces = []string{UnkToken}
				break
			}
			pieces = append(pieces, found)
			start = end
		}
	}

	t.cache.Add(word, pieces)
	return pieces
}

// basicTokenize cleans, lower-cases, strips accents and splits on
// whitespace and punctuation.
func basicTokenize(text string) []string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
			continue
		case isWhitespace(r):
			b.WriteRune(' ')
		case isCJK(r):
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}

	var words []string
	for _, tok := range strings.Fields(b.String()) {
		tok = stripAccents(strings.ToLower(tok))
		words = append(words, splitPunctuation(tok)...)
	}
	return words
}

func stripAccents(s string) string {
	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func splitPunctuation(s string) []string {
	var out []string
	var cur []rune
	for _, r := range s {
		if isPunctuation(r) {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			}
			out = append(out, string(r))
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.In(r, unicode.Cc, unicode.Cf)
}

// isPunctuation treats every non-alphanumeric ASCII symbol as punctuation,
// as BERT does, in addition to the Unicode P categories.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
