package persona

import (
	"strings"
)

const tokenCutset = " ,.!?;:-\"'`~"

// DefaultGreetings are the words accepted before a persona name.
var DefaultGreetings = []string{"hey"}

// AddressDetector recognizes utterances that address a persona by name,
// either "<greeting> <name> ..." or "<name> ..." as the first token.
type AddressDetector struct {
	catalog   *Catalog
	greetings []string
}

func NewAddressDetector(c *Catalog, greetings ...string) *AddressDetector {
	if len(greetings) == 0 {
		greetings = DefaultGreetings
	}
	return &AddressDetector{catalog: c, greetings: greetings}
}

func normalizeToken(tok string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(tok)), tokenCutset)
}

// Detect returns the addressed persona and the text after the name with
// surrounding punctuation trimmed. The remainder keeps its original case.
func (d *AddressDetector) Detect(text string) (Profile, string, bool) {
	words := strings.Fields(strings.TrimLeft(text, " \t\n\r\f\v\"'`~"))
	if len(words) == 0 {
		return Profile{}, "", false
	}
	idx := 0
	first := normalizeToken(words[0])
	for _, g := range d.greetings {
		if first == g && len(words) > 1 {
			idx = 1
			break
		}
	}
	p, ok := d.catalog.Lookup(normalizeToken(words[idx]))
	if !ok {
		return Profile{}, "", false
	}
	rest := strings.Trim(strings.Join(words[idx+1:], " "), tokenCutset)
	return p, rest, true
}
