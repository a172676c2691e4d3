package document

import (
	"encoding/json"
	"errors"
	"fmt"
)

type EventKind string

const (
	ModelChanged EventKind = "ModelChanged"
	RootAdded    EventKind = "RootAdded"
	RootRemoved  EventKind = "RootRemoved"
	TitleChanged EventKind = "TitleChanged"

	DocumentReplaced EventKind = "DocumentReplaced"
)

var (
	ErrInvalidPatch    = errors.New("invalid patch")
	ErrInvalidDocument = errors.New("invalid document")
	ErrUnknownModel    = errors.New("unknown model")
	ErrDuplicateRoot   = errors.New("model is already a root")
)

// Event is a single change to a document.
//
//   - ModelChanged sets attribute Attr of Model to New.
//   - RootAdded adds Model as a root, with Attributes as its initial attributes.
//   - RootRemoved removes the root Model along with its attributes.
//   - TitleChanged sets the document title to New, a JSON string.
//   - DocumentReplaced swaps the whole document for New, a JSON document.
type Event struct {
	Kind       EventKind       `json:"kind"`
	Model      string          `json:"model,omitempty"`
	Attr       string          `json:"attr,omitempty"`
	New        json.RawMessage `json:"new,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// Patch is the content of a PATCH-DOC message.
type Patch struct {
	Events []Event `json:"events"`
}

func (p Patch) Marshal() ([]byte, error) {
	if p.Events == nil {
		p.Events = []Event{}
	}

	return json.Marshal(p)
}

func ParsePatch(data []byte) (Patch, error) {
	var p Patch

	if err := json.Unmarshal(data, &p); err != nil {
		return Patch{}, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}

	for i, event := range p.Events {
		if err := event.validate(); err != nil {
			return Patch{}, fmt.Errorf("%w: event %d: %v", ErrInvalidPatch, i, err)
		}
	}

	return p, nil
}

func (e Event) validate() error {
	switch e.Kind {
	case ModelChanged:
		if e.Model == "" || e.Attr == "" {
			return errors.New("ModelChanged needs a model and an attr")
		}

		if len(e.New) == 0 {
			return errors.New("ModelChanged needs a new value")
		}

	case RootAdded, RootRemoved:
		if e.Model == "" {
			return fmt.Errorf("%s needs a model", e.Kind)
		}

	case TitleChanged:
		var title string
		if err := json.Unmarshal(e.New, &title); err != nil {
			return errors.New("TitleChanged needs a string title")
		}

	case DocumentReplaced:
		if len(e.New) == 0 {
			return errors.New("DocumentReplaced needs a new document")
		}

	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}

	return nil
}
