package sparql

import (
	"fmt"
	"strings"

	"sepabroker/internal/rdf"
)

// UpdateKind distinguishes the two update forms this broker supports.
type UpdateKind int

const (
	UpdateInsertData UpdateKind = iota
	UpdateDeleteData
)

// Update is a ground-triple INSERT DATA / DELETE DATA update.
// Using-graph/using-named-graph lists are carried through
// even though the default store is graph-flat, so an HTTPEndpoint
// implementation has somewhere real to put them on the wire.
type Update struct {
	Kind        UpdateKind
	Triples     []rdf.Triple
	UsingGraphs []string
	UsingNamed  []string
	Text        string
	Principal   string
}

// ParseUpdate parses `INSERT DATA { ... }` or `DELETE DATA { ... }` over
// ground triples.
func ParseUpdate(text string, usingGraphs, usingNamed []string, principal string) (Update, error) {
	trimmed := strings.TrimSpace(text)
	upper := strings.ToUpper(trimmed)

	var kind UpdateKind
	var rest string
	switch {
	case strings.HasPrefix(upper, "INSERT DATA"):
		kind = UpdateInsertData
		rest = trimmed[len("INSERT DATA"):]
	case strings.HasPrefix(upper, "DELETE DATA"):
		kind = UpdateDeleteData
		rest = trimmed[len("DELETE DATA"):]
	default:
		return Update{}, fmt.Errorf("sparql: only INSERT DATA / DELETE DATA updates are supported")
	}

	rest = strings.TrimSpace(rest)
	open := strings.Index(rest, "{")
	close := strings.LastIndex(rest, "}")
	if open < 0 || close < 0 || close < open {
		return Update{}, fmt.Errorf("sparql: update body must be a braced quad data block")
	}

	triples, err := parseGroundTriples(rest[open+1 : close])
	if err != nil {
		return Update{}, err
	}

	return Update{
		Kind:        kind,
		Triples:     triples,
		UsingGraphs: append([]string(nil), usingGraphs...),
		UsingNamed:  append([]string(nil), usingNamed...),
		Text:        text,
		Principal:   principal,
	}, nil
}

func parseGroundTriples(s string) ([]rdf.Triple, error) {
	// A triple ends at a "." token or a token's trailing "."; a dot inside a
	// term such as <http://www.w3.org/...> does not end it.
	var lines [][]string
	var current []string
	for _, field := range strings.Fields(s) {
		end := strings.HasSuffix(field, ".")
		if field = strings.TrimSuffix(field, "."); field != "" {
			current = append(current, field)
		}
		if end {
			lines, current = append(lines, current), nil
		}
	}
	lines = append(lines, current)
	triples := make([]rdf.Triple, 0, len(lines))
	for _, fields := range lines {
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("sparql: ground triple %q must have exactly subject, predicate, object", strings.Join(fields, " "))
		}
		s, err := parseTermToken(fields[0])
		if err != nil {
			return nil, err
		}
		p, err := parseTermToken(fields[1])
		if err != nil {
			return nil, err
		}
		o, err := parseTermToken(fields[2])
		if err != nil {
			return nil, err
		}
		triples = append(triples, rdf.Triple{Subject: s, Predicate: p, Object: o})
	}
	if len(triples) == 0 {
		return nil, fmt.Errorf("sparql: update data block contains no triples")
	}
	return triples, nil
}
