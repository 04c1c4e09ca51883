package wallet

import (
	"fmt"

	"github.com/tyler-smith/go-bip39/wordlists"
	"golang.org/x/text/unicode/norm"
)

const wordlistSize = 2048

// WordlistProvider maps BIP39 words to their 11-bit index and back.
type WordlistProvider interface {
	Word(index int) string
	Index(word string) (int, bool)
}

// Wordlist is an immutable WordlistProvider backed by a list of 2048 words.
type Wordlist struct {
	words []string
	index map[string]int
}

var (
	// EnglishWordlist is the default wordlist.
	EnglishWordlist = mustWordlist(wordlists.English)
	// SpanishWordlist ...
	SpanishWordlist = mustWordlist(wordlists.Spanish)
	// JapaneseWordlist ...
	JapaneseWordlist = mustWordlist(wordlists.Japanese)
)

// NewWordlist returns a wordlist for the given words. Words are NFKD
// normalized and must be unique.
func NewWordlist(words []string) (*Wordlist, error) {
	if len(words) != wordlistSize {
		return nil, fmt.Errorf(
			"%w: expected %d words, got %d", ErrInvalidWordlist, wordlistSize, len(words),
		)
	}

	wl := &Wordlist{
		words: make([]string, len(words)),
		index: make(map[string]int, len(words)),
	}
	for i, w := range words {
		w = norm.NFKD.String(w)
		if _, ok := wl.index[w]; ok {
			return nil, fmt.Errorf("%w: duplicated word '%s'", ErrInvalidWordlist, w)
		}
		wl.words[i] = w
		wl.index[w] = i
	}
	return wl, nil
}

// Word returns the word at index, or the empty string when out of range.
func (wl *Wordlist) Word(index int) string {
	if index < 0 || index >= len(wl.words) {
		return ""
	}
	return wl.words[index]
}

// Index returns the position of word in the list.
func (wl *Wordlist) Index(word string) (int, bool) {
	i, ok := wl.index[norm.NFKD.String(word)]
	return i, ok
}

func mustWordlist(words []string) *Wordlist {
	wl, err := NewWordlist(words)
	if err != nil {
		panic(err)
	}
	return wl
}
