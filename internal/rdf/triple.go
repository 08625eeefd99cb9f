package rdf

// Triple is a ground (subject, predicate, object) fact as stored in an
// endpoint's triple store.
type Triple struct {
	Subject   Term
	Predicate Term
	Object    Term
}

// Equal reports whether two triples denote the same fact.
func (t Triple) Equal(other Triple) bool {
	return t.Subject.Equal(other.Subject) && t.Predicate.Equal(other.Predicate) && t.Object.Equal(other.Object)
}

// Key returns a string uniquely identifying this triple's value, suitable
// for use as a map key.
func (t Triple) Key() string {
	return t.Subject.canonicalKey() + "\x01" + t.Predicate.canonicalKey() + "\x01" + t.Object.canonicalKey()
}
