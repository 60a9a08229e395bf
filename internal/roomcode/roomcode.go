// Package roomcode generates and normalizes the short codes viewers type
// in to join a live map session.
package roomcode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Length is the number of characters in every room code.
const Length = 5

const (
	LowerAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	MixedAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// DefaultMaxAttempts bounds Reserve. With 36^5 codes it is only reached
// when the code space is close to full or the store keeps failing.
const DefaultMaxAttempts = 1000

var (
	// ErrCollision is returned by a reserve func when the candidate code
	// is already held by a live session.
	ErrCollision = errors.New("room code already in use")
	// ErrCodeSpaceExhausted means Reserve gave up after MaxAttempts collisions.
	ErrCodeSpaceExhausted = errors.New("no free room code found")
)

type Generator struct {
	alphabet    string
	fold        func(string) string
	maxAttempts int
	rand        io.Reader
}

// NewGenerator returns a generator drawing from alphabet. An empty
// alphabet selects LowerAlphabet. Codes are case-insensitive unless the
// alphabet contains both lower and upper case letters.
func NewGenerator(alphabet string) *Generator {
	if alphabet == "" {
		alphabet = LowerAlphabet
	}

	g := &Generator{
		alphabet:    alphabet,
		maxAttempts: DefaultMaxAttempts,
		rand:        rand.Reader,
	}

	switch {
	case strings.ToLower(alphabet) == alphabet:
		g.fold = strings.ToLower
	case strings.ToUpper(alphabet) == alphabet:
		g.fold = strings.ToUpper
	}

	return g
}

func (g *Generator) Alphabet() string {
	return g.alphabet
}

// CaseSensitive reports whether codes keep their case. Only mixed case
// alphabets produce case-sensitive codes.
func (g *Generator) CaseSensitive() bool {
	return g.fold == nil
}

// WithMaxAttempts sets the retry ceiling used by Reserve.
func (g *Generator) WithMaxAttempts(n int) *Generator {
	if n > 0 {
		g.maxAttempts = n
	}
	return g
}

// Generate draws Length independent uniform samples from the alphabet.
func (g *Generator) Generate() (string, error) {
	n := len(g.alphabet)
	// largest multiple of n that fits in a byte; bytes above it are
	// rejected so every character stays equally likely
	limit := 256 - (256 % n)

	code := make([]byte, 0, Length)
	buf := make([]byte, Length*2)
	for len(code) < Length {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}

		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			code = append(code, g.alphabet[int(b)%n])
			if len(code) == Length {
				break
			}
		}
	}

	return g.Normalize(string(code)), nil
}

// Normalize maps a user supplied code to its canonical stored form.
func (g *Generator) Normalize(code string) string {
	code = strings.TrimSpace(code)
	if g.fold != nil {
		code = g.fold(code)
	}
	return code
}

// Parse normalizes code and reports whether it is a well-formed room code.
func (g *Generator) Parse(code string) (string, bool) {
	code = g.Normalize(code)
	if len(code) != Length {
		return "", false
	}

	for i := 0; i < len(code); i++ {
		if strings.IndexByte(g.alphabet, code[i]) < 0 {
			return "", false
		}
	}

	return code, true
}

// Reserve generates candidates until try accepts one. try must return
// ErrCollision (possibly wrapped) when the code is taken; any other error
// aborts immediately.
func Reserve[T any](g *Generator, try func(code string) (T, error)) (T, error) {
	var zero T
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		code, err := g.Generate()
		if err != nil {
			return zero, err
		}

		v, err := try(code)
		if errors.Is(err, ErrCollision) {
			continue
		}
		return v, err
	}

	return zero, fmt.Errorf("%w after %d attempts", ErrCodeSpaceExhausted, g.maxAttempts)
}
