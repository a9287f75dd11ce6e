// Package tokens measures submission text so oversized turns are rejected
// before a stream is opened.
package tokens

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultEncoding is used when no encoding is configured.
const DefaultEncoding = string(tokenizer.Cl100kBase)

// Counter counts tokens using tiktoken. When the encoding cannot be loaded it
// falls back to a character based estimate.
type Counter struct {
	encoding tokenizer.Encoding

	// codecCache caches tokenizer codecs by encoding name
	codecCache map[tokenizer.Encoding]tokenizer.Codec
	cacheMu    sync.RWMutex
}

// NewCounter creates a counter for the named encoding (for example
// "cl100k_base" or "o200k_base"). An empty name selects DefaultEncoding.
func NewCounter(encoding string) *Counter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Counter{
		encoding:   tokenizer.Encoding(strings.ToLower(encoding)),
		codecCache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// Encoding returns the encoding name this counter uses.
func (c *Counter) Encoding() string {
	return string(c.encoding)
}

func (c *Counter) getCodec() (tokenizer.Codec, error) {
	c.cacheMu.RLock()
	if cached, ok := c.codecCache[c.encoding]; ok {
		c.cacheMu.RUnlock()
		return cached, nil
	}
	c.cacheMu.RUnlock()

	codec, err := tokenizer.Get(c.encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.cacheMu.Lock()
	c.codecCache[c.encoding] = codec
	c.cacheMu.Unlock()

	return codec, nil
}

// Count returns the number of tokens in text. The bool result reports
// whether the count is exact (true) or estimated (false).
func (c *Counter) Count(text string) (int, bool) {
	if text == "" {
		return 0, true
	}
	codec, err := c.getCodec()
	if err != nil {
		return Estimate(text), false
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return Estimate(text), false
	}
	return len(ids), true
}

// Estimate approximates a token count at roughly four characters per token.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
