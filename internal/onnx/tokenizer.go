package onnx

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// WordPiece implements the uncased BERT/DistilBERT tokenizer: basic
// splitting on whitespace and punctuation, accent stripping, then greedy
// longest-match-first subword lookup.
type WordPiece struct {
	vocab        map[string]int64
	lowerCase    bool
	clsID        int64
	sepID        int64
	padID        int64
	unkID        int64
	continuation string
	maxWordRunes int
}

// LoadWordPiece reads vocab.txt, one token per line, id = line number.
func LoadWordPiece(path string) (*WordPiece, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		token := strings.TrimRight(sc.Text(), "\r\n")
		if token != "" {
			vocab[token] = idx
		}
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan vocab: %w", err)
	}
	return NewWordPiece(vocab)
}

// FindWordPiece loads vocab.txt from dir or dir/tokenizer.
func FindWordPiece(dir string) (*WordPiece, error) {
	for _, path := range []string{
		filepath.Join(dir, "vocab.txt"),
		filepath.Join(dir, "tokenizer", "vocab.txt"),
	} {
		if _, err := os.Stat(path); err == nil {
			return LoadWordPiece(path)
		}
	}
	return nil, fmt.Errorf("vocab.txt not found under %s", dir)
}

// NewWordPiece builds a tokenizer from an in-memory vocabulary. The four
// special tokens must be present.
func NewWordPiece(vocab map[string]int64) (*WordPiece, error) {
	t := &WordPiece{
		vocab:        vocab,
		lowerCase:    true,
		continuation: "##",
		maxWordRunes: 100,
	}
	for tok, dst := range map[string]*int64{
		"[CLS]": &t.clsID,
		"[SEP]": &t.sepID,
		"[PAD]": &t.padID,
		"[UNK]": &t.unkID,
	} {
		id, ok := vocab[tok]
		if !ok {
			return nil, fmt.Errorf("vocab missing %s", tok)
		}
		*dst = id
	}
	return t, nil
}

// Encode returns input ids and attention mask of exactly seqLen entries:
// [CLS] pieces... [SEP] followed by padding. Long input is truncated.
func (t *WordPiece) Encode(text string, seqLen int) ([]int64, []int64) {
	if seqLen < 2 {
		return nil, nil
	}
	budget := seqLen - 2
	tokens := make([]int64, 0, seqLen)
	tokens = append(tokens, t.clsID)
	for _, w := range t.basicTokens(text) {
		pieces := t.wordPiece(w)
		if len(tokens)-1+len(pieces) > budget {
			pieces = pieces[:budget-(len(tokens)-1)]
			tokens = append(tokens, pieces...)
			break
		}
		tokens = append(tokens, pieces...)
	}
	tokens = append(tokens, t.sepID)

	ids := make([]int64, seqLen)
	attn := make([]int64, seqLen)
	for i := range ids {
		if i < len(tokens) {
			ids[i] = tokens[i]
			attn[i] = 1
			continue
		}
		ids[i] = t.padID
	}
	return ids, attn
}

// basicTokens lowercases, strips accents and splits punctuation into
// separate tokens.
func (t *WordPiece) basicTokens(text string) []string {
	if t.lowerCase {
		text = strings.ToLower(text)
		text = stripAccents(text)
	}
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || unicode.IsControl(r) && !unicode.IsSpace(r):
			continue
		case unicode.IsSpace(r):
			flush()
		case isPunct(r) || isCJK(r):
			flush()
			out = append(out, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

func (t *WordPiece) wordPiece(word string) []int64 {
	runes := []rune(word)
	if len(runes) > t.maxWordRunes {
		return []int64{t.unkID}
	}
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}
	var pieces []int64
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := false
		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = t.continuation + sub
			}
			if id, ok := t.vocab[sub]; ok {
				pieces = append(pieces, id)
				found = true
				break
			}
			end--
		}
		if !found {
			return []int64{t.unkID}
		}
		start = end
	}
	return pieces
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

func isPunct(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r)
}
