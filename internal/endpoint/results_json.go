package endpoint

import (
	"encoding/json"
	"fmt"

	"sepabroker/internal/rdf"
)

// sparqlResultsDoc models the subset of the W3C SPARQL 1.1 Query Results
// JSON Format (https://www.w3.org/TR/sparql11-results-json/) this broker
// needs to decode results from an HTTPEndpoint.
type sparqlResultsDoc struct {
	Head struct {
		Vars []string `json:"vars"`
	} `json:"head"`
	Results struct {
		Bindings []map[string]sparqlResultsTerm `json:"bindings"`
	} `json:"results"`
}

type sparqlResultsTerm struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype"`
	XMLLang  string `json:"xml:lang"`
}

func decodeSPARQLResultsJSON(body []byte, variables []string) ([]rdf.Binding, error) {
	var doc sparqlResultsDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("malformed sparql-results+json: %w", err)
	}

	rows := make([]rdf.Binding, 0, len(doc.Results.Bindings))
	for _, row := range doc.Results.Bindings {
		binding := make(rdf.Binding, len(variables))
		for _, v := range variables {
			termJSON, ok := row[v]
			if !ok {
				continue
			}
			term, err := convertResultsTerm(termJSON)
			if err != nil {
				return nil, err
			}
			binding[v] = term
		}
		rows = append(rows, binding)
	}
	return rows, nil
}

func convertResultsTerm(t sparqlResultsTerm) (rdf.Term, error) {
	switch t.Type {
	case "uri":
		return rdf.IRI(t.Value), nil
	case "bnode":
		return rdf.BlankNode(t.Value), nil
	case "literal", "typed-literal":
		return rdf.Literal(t.Value, t.Datatype, t.XMLLang), nil
	default:
		return rdf.Term{}, fmt.Errorf("unrecognized sparql-results+json term type %q", t.Type)
	}
}
