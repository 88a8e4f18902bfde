package vocab

// Package vocab maps caption tokens to the integer ids used by the decoder model, and back.

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// PadID is reserved for sequence padding. No token may map to it.
const PadID int32 = 0

// Default special tokens, as produced by the Keras caption training script
const DefaultStartToken = "startseq"
const DefaultEndToken = "endseq"

var ErrDuplicateID = errors.New("Two tokens map to the same id")
var ErrMissingSpecialToken = errors.New("Start or end token is not in the vocabulary")

// Options controls Vocabulary construction
type Options struct {
	// Id returned by IDForToken when the token is unknown. Zero value is PadID.
	UnknownID int32
}

// Vocabulary is an immutable bidirectional token <-> id mapping.
// Because it is never mutated after New(), it is safe to share between goroutines.
type Vocabulary struct {
	tokenToID map[string]int32
	idToToken map[int32]string
	start     string
	end       string
	unknownID int32
	maxID     int32
}

// New creates a vocabulary from a token -> id map.
// The input map is copied.
func New(tokenToID map[string]int32, start, end string, opts Options) (*Vocabulary, error) {
	v := &Vocabulary{
		tokenToID: make(map[string]int32, len(tokenToID)),
		idToToken: make(map[int32]string, len(tokenToID)),
		start:     start,
		end:       end,
		unknownID: opts.UnknownID,
	}
	// Iterate in sorted order so that error messages are deterministic
	tokens := make([]string, 0, len(tokenToID))
	for tok := range tokenToID {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	for _, tok := range tokens {
		id := tokenToID[tok]
		if tok == "" {
			return nil, fmt.Errorf("Empty token in vocabulary (id %v)", id)
		}
		if id == PadID {
			return nil, fmt.Errorf("Token '%v' uses the reserved pad id %v", tok, PadID)
		}
		if id < 0 {
			return nil, fmt.Errorf("Token '%v' has negative id %v", tok, id)
		}
		if other, exists := v.idToToken[id]; exists {
			return nil, fmt.Errorf("%w: '%v' and '%v' both map to %v", ErrDuplicateID, other, tok, id)
		}
		v.tokenToID[tok] = id
		v.idToToken[id] = tok
		v.maxID = max(v.maxID, id)
	}
	if _, ok := v.tokenToID[start]; !ok {
		return nil, fmt.Errorf("%w: start token '%v'", ErrMissingSpecialToken, start)
	}
	if _, ok := v.tokenToID[end]; !ok {
		return nil, fmt.Errorf("%w: end token '%v'", ErrMissingSpecialToken, end)
	}
	return v, nil
}

// Load a JSON word index, such as the one produced by a Keras Tokenizer
// eg {"startseq": 1, "a": 2, "dog": 3, "endseq": 4}
func Load(filename, start, end string, opts Options) (*Vocabulary, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	tokenToID := map[string]int32{}
	if err := json.Unmarshal(raw, &tokenToID); err != nil {
		return nil, fmt.Errorf("Error loading vocabulary %v as JSON: %w", filename, err)
	}
	v, err := New(tokenToID, start, end, opts)
	if err != nil {
		return nil, fmt.Errorf("Invalid vocabulary %v: %w", filename, err)
	}
	return v, nil
}

// IDForToken returns the id of token, or the configured unknown id
func (v *Vocabulary) IDForToken(token string) int32 {
	if id, ok := v.tokenToID[token]; ok {
		return id
	}
	return v.unknownID
}

// TokenForID returns the token for id. If no token maps to id, ok is false.
func (v *Vocabulary) TokenForID(id int32) (token string, ok bool) {
	token, ok = v.idToToken[id]
	return
}

func (v *Vocabulary) Start() string {
	return v.start
}

func (v *Vocabulary) End() string {
	return v.end
}

// Number of tokens
func (v *Vocabulary) Size() int {
	return len(v.tokenToID)
}

// Largest id in the vocabulary. A decoder's score vector must have at least MaxID()+1 entries
// to be able to emit every token.
func (v *Vocabulary) MaxID() int32 {
	return v.maxID
}
