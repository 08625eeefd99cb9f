// Package sparql implements the minimal subset of SPARQL 1.1 query and
// update the broker needs: SELECT over a basic graph pattern, and
// INSERT DATA / DELETE DATA over ground triples. No general-purpose
// SPARQL/RDF library exists in the reference corpus this broker is modeled
// on, so evaluation is hand-rolled on the standard library -- a nested-loop
// join over an in-memory triple store, matching the small-explicit-evaluator
// style the rest of the stack favors wherever no framework is available.
package sparql

import (
	"fmt"
	"strings"

	"sepabroker/internal/rdf"
)

// PatternTerm is one slot of a triple pattern: either a bound RDF term or an
// unbound variable (Variable non-empty, Term the zero value).
type PatternTerm struct {
	Variable string
	Term     rdf.Term
}

// Bound reports whether this slot is a concrete term rather than a variable.
func (p PatternTerm) Bound() bool {
	return p.Variable == ""
}

// TriplePattern is one (subject, predicate, object) line of a basic graph
// pattern.
type TriplePattern struct {
	Subject   PatternTerm
	Predicate PatternTerm
	Object    PatternTerm
}

// Query is a SELECT query over a basic graph pattern.
type Query struct {
	Text          string
	Variables     []string
	Pattern       []TriplePattern
	DefaultGraphs []string
	NamedGraphs   []string
}

// Var constructs an unbound pattern slot.
func Var(name string) PatternTerm {
	return PatternTerm{Variable: name}
}

// Bound constructs a bound pattern slot.
func Bound(t rdf.Term) PatternTerm {
	return PatternTerm{Term: t}
}

// ParseSelect parses the restricted `SELECT ?v1 ?v2 WHERE { s p o . s p o }`
// grammar this broker supports. Graph lists are supplied separately (they
// travel alongside the query text in SubscribeRequest, not embedded in it).
//
// This is deliberately not a general SPARQL parser: it recognizes the
// restricted grammar above only, rejecting anything else with a
// descriptive error rather than silently mis-parsing it.
func ParseSelect(text string, defaultGraphs, namedGraphs []string) (Query, error) {
	trimmed := strings.TrimSpace(text)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") {
		return Query{}, fmt.Errorf("sparql: expected SELECT query")
	}
	whereIdx := indexWord(upper, "WHERE")
	if whereIdx < 0 {
		return Query{}, fmt.Errorf("sparql: missing WHERE clause")
	}
	varsPart := strings.TrimSpace(trimmed[len("SELECT"):whereIdx])
	variables, err := parseVariables(varsPart)
	if err != nil {
		return Query{}, err
	}

	body := strings.TrimSpace(trimmed[whereIdx+len("WHERE"):])
	open := strings.Index(body, "{")
	close := strings.LastIndex(body, "}")
	if open < 0 || close < 0 || close < open {
		return Query{}, fmt.Errorf("sparql: WHERE clause must be a braced group pattern")
	}
	pattern, err := parsePattern(body[open+1 : close])
	if err != nil {
		return Query{}, err
	}

	return Query{
		Text:          text,
		Variables:     variables,
		Pattern:       pattern,
		DefaultGraphs: append([]string(nil), defaultGraphs...),
		NamedGraphs:   append([]string(nil), namedGraphs...),
	}, nil
}

func indexWord(haystack, word string) int {
	idx := strings.Index(haystack, word)
	return idx
}

func parseVariables(s string) ([]string, error) {
	if strings.TrimSpace(s) == "*" {
		return nil, fmt.Errorf("sparql: SELECT * is not supported, name projected variables explicitly")
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("sparql: SELECT clause has no projected variables")
	}
	vars := make([]string, 0, len(fields))
	for _, f := range fields {
		if !strings.HasPrefix(f, "?") {
			return nil, fmt.Errorf("sparql: %q is not a variable (expected ?name)", f)
		}
		vars = append(vars, strings.TrimPrefix(f, "?"))
	}
	return vars, nil
}

func parsePattern(s string) ([]TriplePattern, error) {
	// A pattern ends at a "." token or a token's trailing "."; a dot inside a
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
	pattern := make([]TriplePattern, 0, len(lines))
	for _, fields := range lines {
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("sparql: triple pattern %q must have exactly subject, predicate, object", strings.Join(fields, " "))
		}
		subj, err := parsePatternTerm(fields[0])
		if err != nil {
			return nil, err
		}
		pred, err := parsePatternTerm(fields[1])
		if err != nil {
			return nil, err
		}
		obj, err := parsePatternTerm(fields[2])
		if err != nil {
			return nil, err
		}
		pattern = append(pattern, TriplePattern{Subject: subj, Predicate: pred, Object: obj})
	}
	if len(pattern) == 0 {
		return nil, fmt.Errorf("sparql: empty basic graph pattern")
	}
	return pattern, nil
}

func parsePatternTerm(token string) (PatternTerm, error) {
	if strings.HasPrefix(token, "?") {
		return Var(strings.TrimPrefix(token, "?")), nil
	}
	term, err := parseTermToken(token)
	if err != nil {
		return PatternTerm{}, err
	}
	return Bound(term), nil
}

// parseTermToken parses a single ground-term token: <iri>, "lexical",
// "lexical"@lang, "lexical"^^<datatype>, or _:label.
func parseTermToken(token string) (rdf.Term, error) {
	switch {
	case strings.HasPrefix(token, "<") && strings.HasSuffix(token, ">"):
		return rdf.IRI(token[1 : len(token)-1]), nil
	case strings.HasPrefix(token, "_:"):
		return rdf.BlankNode(strings.TrimPrefix(token, "_:")), nil
	case strings.HasPrefix(token, "\""):
		return parseLiteralToken(token)
	default:
		return rdf.Term{}, fmt.Errorf("sparql: unrecognized term token %q", token)
	}
}

func parseLiteralToken(token string) (rdf.Term, error) {
	if idx := strings.Index(token, "\"^^<"); idx >= 0 && strings.HasSuffix(token, ">") {
		lexical := token[1:idx]
		datatype := token[idx+4 : len(token)-1]
		return rdf.Literal(lexical, datatype, ""), nil
	}
	if idx := strings.Index(token, "\"@"); idx >= 0 {
		lexical := token[1:idx]
		lang := token[idx+2:]
		return rdf.Literal(lexical, "", lang), nil
	}
	if strings.HasPrefix(token, "\"") && strings.HasSuffix(token, "\"") && len(token) >= 2 {
		return rdf.Literal(token[1:len(token)-1], "", ""), nil
	}
	return rdf.Term{}, fmt.Errorf("sparql: malformed literal token %q", token)
}
