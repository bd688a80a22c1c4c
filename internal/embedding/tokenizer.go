package embedding

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// wordPieceTokenizer is a BERT-style WordPiece tokenizer loaded from the
// model's tokenizer.json descriptor.
type wordPieceTokenizer struct {
	vocab    map[string]int
	clsToken int64
	sepToken int64
	unkToken int64
}

// Special token ids for BERT-family vocabularies.
const (
	tokenUNK = 100
	tokenCLS = 101
	tokenSEP = 102
)

// loadTokenizer reads the vocabulary from a tokenizer.json file.
func loadTokenizer(path string) (*wordPieceTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}

	var descriptor struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &descriptor); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(descriptor.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has an empty vocabulary", path)
	}

	t := &wordPieceTokenizer{
		vocab:    descriptor.Model.Vocab,
		clsToken: tokenCLS,
		sepToken: tokenSEP,
		unkToken: tokenUNK,
	}
	if id, ok := t.vocab["[CLS]"]; ok {
		t.clsToken = int64(id)
	}
	if id, ok := t.vocab["[SEP]"]; ok {
		t.sepToken = int64(id)
	}
	if id, ok := t.vocab["[UNK]"]; ok {
		t.unkToken = int64(id)
	}
	return t, nil
}

// tokenize converts text to token ids: case-fold, split on whitespace and
// punctuation, then greedy longest-prefix WordPiece per word.
func (t *wordPieceTokenizer) tokenize(text string) []int64 {
	var ids []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		if id, ok := t.vocab[word]; ok {
			ids = append(ids, int64(id))
			continue
		}
		for _, piece := range t.wordPieces(word) {
			if id, ok := t.vocab[piece]; ok {
				ids = append(ids, int64(id))
			} else {
				ids = append(ids, t.unkToken)
			}
		}
	}
	return ids
}

// wordPieces splits a single word into greedy longest-match subwords, with
// the "##" continuation prefix after the first piece.
func (t *wordPieceTokenizer) wordPieces(word string) []string {
	if word == "" {
		return nil
	}
	var pieces []string
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for end > start {
			piece := word[start:end]
			if start > 0 {
				piece = "##" + piece
			}
			if _, ok := t.vocab[piece]; ok {
				pieces = append(pieces, piece)
				start = end
				found = true
				break
			}
			end--
		}
		if !found {
			pieces = append(pieces, "[UNK]")
			_, size := utf8.DecodeRuneInString(word[start:])
			start += size
		}
	}
	return pieces
}

// splitWords segments text into word and punctuation tokens. Standalone
// punctuation becomes its own token, matching BERT's basic tokenizer.
func splitWords(text string) []string {
	var words []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return words
}
