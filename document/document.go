package document

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	UpdateBufferSize = 255

	emptyDocument = `{"title":"","roots":[],"models":{}}`
)

// Document is an in-memory JSON document of models, of the form
//
//   {"title": "...", "roots": ["id", ...], "models": {"id": {"attr": value, ...}, ...}}
//
// Patches are applied all-or-nothing: if any event of a patch fails the document is left
// exactly as it was.
type Document struct {
	mu     sync.RWMutex
	values []byte

	updateMu  sync.Mutex
	listeners []*listener

	// stop will be closed when Close() is called
	stop chan struct{}
}

func New() *Document {
	return &Document{
		values:    []byte(emptyDocument),
		stop:      make(chan struct{}),
		listeners: make([]*listener, 0),
	}
}

// FromJSON returns a document holding doc.
func FromJSON(doc []byte) (*Document, error) {
	d := New()
	if err := d.ReplaceWithJSON(doc); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Document) Close() error {
	d.updateMu.Lock()
	defer d.updateMu.Unlock()

	if !d.isRunning() {
		return nil
	}

	close(d.stop)

	for _, l := range d.listeners {
		l.stop()
	}

	d.listeners = nil
	return nil
}

func (d *Document) ToJSON() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]byte, len(d.values))
	copy(out, d.values)
	return out, nil
}

// ReplaceWithJSON swaps the whole document for doc. Listeners are not notified, a replaced
// document is not a patch.
func (d *Document) ReplaceWithJSON(doc []byte) error {
	normalized, err := normalize(doc)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.values = normalized
	d.mu.Unlock()

	return nil
}

// Replace swaps the whole document for doc and notifies listeners with a DocumentReplaced
// patch, so that remote copies can follow.
func (d *Document) Replace(doc []byte, setter string) error {
	normalized, err := normalize(doc)
	if err != nil {
		return err
	}

	return d.Apply(Patch{Events: []Event{
		{Kind: DocumentReplaced, New: normalized},
	}}, setter)
}

// ApplyJSONPatch applies a serialized Patch and notifies listeners of it.
func (d *Document) ApplyJSONPatch(patch []byte, setter string) error {
	p, err := ParsePatch(patch)
	if err != nil {
		return err
	}

	return d.apply(p, patch, setter)
}

// Apply applies p and notifies listeners of it.
func (d *Document) Apply(p Patch, setter string) error {
	for i, event := range p.Events {
		if err := event.validate(); err != nil {
			return fmt.Errorf("%w: event %d: %v", ErrInvalidPatch, i, err)
		}
	}

	raw, err := p.Marshal()
	if err != nil {
		return err
	}

	return d.apply(p, raw, setter)
}

func (d *Document) SetAttr(model, attr string, value interface{}, setter string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return d.Apply(Patch{Events: []Event{
		{Kind: ModelChanged, Model: model, Attr: attr, New: raw},
	}}, setter)
}

func (d *Document) AddRoot(model string, attributes map[string]interface{}, setter string) error {
	if attributes == nil {
		attributes = map[string]interface{}{}
	}

	raw, err := json.Marshal(attributes)
	if err != nil {
		return err
	}

	return d.Apply(Patch{Events: []Event{
		{Kind: RootAdded, Model: model, Attributes: raw},
	}}, setter)
}

func (d *Document) RemoveRoot(model, setter string) error {
	return d.Apply(Patch{Events: []Event{
		{Kind: RootRemoved, Model: model},
	}}, setter)
}

func (d *Document) SetTitle(title, setter string) error {
	raw, err := json.Marshal(title)
	if err != nil {
		return err
	}

	return d.Apply(Patch{Events: []Event{
		{Kind: TitleChanged, New: raw},
	}}, setter)
}

func (d *Document) Title() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return gjson.GetBytes(d.values, "title").String()
}

func (d *Document) Roots() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roots := make([]string, 0)
	for _, root := range gjson.GetBytes(d.values, "roots").Array() {
		roots = append(roots, root.String())
	}

	return roots
}

// Attr returns the raw JSON value of a model attribute.
func (d *Document) Attr(model, attr string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := gjson.GetBytes(d.values, attrPath(model, attr))
	if !result.Exists() {
		return nil, false
	}

	return []byte(result.Raw), true
}

func (d *Document) ListenToUpdates() <-chan *Update {
	d.updateMu.Lock()
	defer d.updateMu.Unlock()

	if !d.isRunning() {
		updateChan := make(chan *Update)
		close(updateChan)
		return updateChan
	}

	l := newListener()
	d.listeners = append(d.listeners, l)
	return l.out
}

// StopListening closes and forgets a channel returned by ListenToUpdates.
func (d *Document) StopListening(updates <-chan *Update) {
	d.updateMu.Lock()
	defer d.updateMu.Unlock()

	for i, l := range d.listeners {
		if l.out == updates {
			l.stop()
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

// Get returns the raw JSON value at a gjson path, e.g. "models.plot.width".
func (d *Document) Get(path string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := gjson.GetBytes(d.values, path)
	if !result.Exists() {
		return nil, false
	}

	return []byte(result.Raw), true
}

func (d *Document) apply(p Patch, raw []byte, setter string) error {
	d.mu.Lock()

	next := make([]byte, len(d.values))
	copy(next, d.values)

	for i, event := range p.Events {
		var err error
		if next, err = applyEvent(next, event); err != nil {
			d.mu.Unlock()
			return fmt.Errorf("Failed to apply event %d (%s): %w", i, event.Kind, err)
		}
	}

	d.values = next

	// Queued while still holding mu, so listeners see patches in the order they were applied
	d.notify(&Update{Patch: raw, Setter: setter})
	d.mu.Unlock()

	return nil
}

// notify queues update for every listener. It never blocks on a listener.
func (d *Document) notify(update *Update) {
	d.updateMu.Lock()
	defer d.updateMu.Unlock()

	if !d.isRunning() {
		return
	}

	for _, l := range d.listeners {
		l.push(update)
	}
}

// isRunning returns true if Close has not been called
func (d *Document) isRunning() bool {
	select {
	case <-d.stop:
		return false

	default:
		return true
	}
}

func applyEvent(values []byte, event Event) ([]byte, error) {
	switch event.Kind {
	case ModelChanged:
		if !gjson.GetBytes(values, modelPath(event.Model)).Exists() {
			return nil, fmt.Errorf("%w %q", ErrUnknownModel, event.Model)
		}

		if !gjson.ValidBytes(event.New) {
			return nil, fmt.Errorf("%w: new value of %s.%s is not JSON", ErrInvalidPatch, event.Model, event.Attr)
		}

		return sjson.SetRawBytes(values, attrPath(event.Model, event.Attr), event.New)

	case RootAdded:
		if rootIndex(values, event.Model) >= 0 {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRoot, event.Model)
		}

		attributes := []byte(event.Attributes)
		if len(attributes) == 0 {
			attributes = []byte("{}")
		}

		if !gjson.ValidBytes(attributes) || !gjson.ParseBytes(attributes).IsObject() {
			return nil, fmt.Errorf("%w: attributes of %s must be an object", ErrInvalidPatch, event.Model)
		}

		next, err := sjson.SetRawBytes(values, modelPath(event.Model), attributes)
		if err != nil {
			return nil, err
		}

		return sjson.SetBytes(next, "roots.-1", event.Model)

	case RootRemoved:
		i := rootIndex(values, event.Model)
		if i < 0 {
			return nil, fmt.Errorf("%w %q", ErrUnknownModel, event.Model)
		}

		next, err := sjson.DeleteBytes(values, fmt.Sprintf("roots.%d", i))
		if err != nil {
			return nil, err
		}

		return sjson.DeleteBytes(next, modelPath(event.Model))

	case TitleChanged:
		return sjson.SetRawBytes(values, "title", event.New)

	case DocumentReplaced:
		return normalize(event.New)

	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", ErrInvalidPatch, event.Kind)
	}
}

func rootIndex(values []byte, model string) int {
	for i, root := range gjson.GetBytes(values, "roots").Array() {
		if root.String() == model {
			return i
		}
	}

	return -1
}

// normalize checks that doc has the shape of a document and fills in any missing part.
func normalize(doc []byte) ([]byte, error) {
	if !gjson.ValidBytes(doc) || !gjson.ParseBytes(doc).IsObject() {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidDocument)
	}

	parsed := gjson.ParseBytes(doc)
	out := []byte(emptyDocument)

	title := parsed.Get("title")
	if title.Exists() {
		if title.Type != gjson.String {
			return nil, fmt.Errorf("%w: title must be a string", ErrInvalidDocument)
		}

		var err error
		if out, err = sjson.SetRawBytes(out, "title", []byte(title.Raw)); err != nil {
			return nil, err
		}
	}

	models := parsed.Get("models")
	if models.Exists() {
		if !models.IsObject() {
			return nil, fmt.Errorf("%w: models must be an object", ErrInvalidDocument)
		}

		var err error
		if out, err = sjson.SetRawBytes(out, "models", []byte(models.Raw)); err != nil {
			return nil, err
		}
	}

	roots := parsed.Get("roots")
	if roots.Exists() {
		if !roots.IsArray() {
			return nil, fmt.Errorf("%w: roots must be an array", ErrInvalidDocument)
		}

		for _, root := range roots.Array() {
			if root.Type != gjson.String {
				return nil, fmt.Errorf("%w: root ids must be strings", ErrInvalidDocument)
			}

			if !models.Get(escape(root.Str)).Exists() {
				return nil, fmt.Errorf("%w: root %q has no model", ErrInvalidDocument, root.Str)
			}
		}

		var err error
		if out, err = sjson.SetRawBytes(out, "roots", []byte(roots.Raw)); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func modelPath(model string) string {
	return "models." + escape(model)
}

func attrPath(model, attr string) string {
	return modelPath(model) + "." + escape(attr)
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
	`:`, `\:`,
)

// escape makes a model id or attribute name safe to use as one gjson/sjson path component.
func escape(key string) string {
	return pathEscaper.Replace(key)
}

var _ Store = (*Document)(nil)
