package document

// Store is a JSON document that is kept in sync with remote copies of itself.
type Store interface {
	ToJSON() ([]byte, error)
	ReplaceWithJSON(doc []byte) error
	Replace(doc []byte, setter string) error
	ApplyJSONPatch(patch []byte, setter string) error

	ListenToUpdates() <-chan *Update

	Close() error
}

// Update is a patch that was applied to a document. Setter identifies who made the change so
// that it is not echoed back to them.
type Update struct {
	Patch  []byte
	Setter string
}
