package connection

import (
	"math/rand"
	"sync"
	"time"
)

// TokenGenerator produces the token for a new Session. Grounded on the
// teacher's coap/token.go: a random generator for normal use and a
// counting generator for deterministic tests.
type TokenGenerator interface {
	NextToken() []byte
}

type randomTokenGenerator struct {
	mu   sync.Mutex
	seq  uint8
	rand *rand.Rand
}

// NewRandomTokenGenerator is the default: 4-byte tokens seeded from a
// private random source, with a rolling sequence byte so two tokens
// minted in the same nanosecond never collide.
func NewRandomTokenGenerator() TokenGenerator {
	return &randomTokenGenerator{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (g *randomTokenGenerator) NextToken() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	tok := make([]byte, 4)
	g.rand.Read(tok)
	g.seq++
	tok[0] = g.seq
	return tok
}

type countingTokenGenerator struct {
	mu  sync.Mutex
	seq uint8
}

// NewCountingTokenGenerator returns 1-byte tokens that count up from 1,
// for deterministic tests.
func NewCountingTokenGenerator() TokenGenerator {
	return &countingTokenGenerator{}
}

func (g *countingTokenGenerator) NextToken() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return []byte{g.seq}
}
