package protocol

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/gjson"
)

var ErrDuplicateSpec = errors.New("message spec is already registered")

// CreateFunc builds a message of one type from positional arguments.
type CreateFunc func(args []interface{}) (*Message, error)

// CheckFunc validates the content of a message of one type after it has been assembled from
// the wire, before any of its buffers are accepted.
type CheckFunc func(msg *Message) error

// Spec binds a message type and revision to its factory and content check.
type Spec struct {
	Type     MsgType
	Revision int
	Create   CreateFunc
	Check    CheckFunc
}

type specKey struct {
	msgType  MsgType
	revision int
}

func (k specKey) String() string {
	return fmt.Sprintf("%s (revision %d)", k.msgType, k.revision)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[specKey]Spec)

	// versions maps each protocol version to the message types and revisions it speaks.
	versions = map[string][]specKey{
		"1.0": {
			{MsgAck, 1},
			{MsgOK, 1},
			{MsgError, 1},
			{MsgServerInfoReq, 1},
			{MsgServerInfoReply, 1},
			{MsgPullDocReq, 1},
			{MsgPullDocReply, 1},
			{MsgPushDoc, 1},
			{MsgPatchDoc, 1},
		},
	}
)

func init() {
	for _, spec := range []Spec{
		{Type: MsgAck, Revision: 1, Create: createAck},
		{Type: MsgOK, Revision: 1, Create: createOK, Check: requireReqID},
		{Type: MsgError, Revision: 1, Create: createError, Check: checkError},
		{Type: MsgServerInfoReq, Revision: 1, Create: createServerInfoReq},
		{Type: MsgServerInfoReply, Revision: 1, Create: createServerInfoReply, Check: checkServerInfoReply},
		{Type: MsgPullDocReq, Revision: 1, Create: createPullDocReq},
		{Type: MsgPullDocReply, Revision: 1, Create: createPullDocReply, Check: checkPullDocReply},
		{Type: MsgPushDoc, Revision: 1, Create: createPushDoc, Check: checkPushDoc},
		{Type: MsgPatchDoc, Revision: 1, Create: createPatchDoc},
	} {
		MustRegister(spec)
	}
}

// Register adds a message spec to the registry. Registering the same type and revision twice
// is an error.
func Register(spec Spec) error {
	if spec.Type == "" || spec.Create == nil {
		return fmt.Errorf("message spec needs a type and a create function: %+v", spec)
	}

	key := specKey{spec.Type, spec.Revision}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrDuplicateSpec)
	}

	registry[key] = spec
	return nil
}

// MustRegister is like Register but panics on error. It is meant for package initialisation.
func MustRegister(spec Spec) {
	if err := Register(spec); err != nil {
		panic(err)
	}
}

// Versions returns every known protocol version.
func Versions() []string {
	out := make([]string, 0, len(versions))
	for version := range versions {
		out = append(out, version)
	}

	sort.Strings(out)
	return out
}

// Protocol is a factory for the messages of one protocol version. It holds no state beyond
// its lookup table and can be shared between connections.
type Protocol struct {
	version string
	specs   map[MsgType]Spec
}

// New returns the protocol for version.
func New(version string) (*Protocol, error) {
	keys, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownVersion, version)
	}

	registryMu.RLock()
	defer registryMu.RUnlock()

	specs := make(map[MsgType]Spec, len(keys))
	for _, key := range keys {
		spec, ok := registry[key]
		if !ok {
			return nil, fmt.Errorf("%w: version %s needs %s", ErrUnknownMsgType, version, key)
		}

		specs[key.msgType] = spec
	}

	return &Protocol{version: version, specs: specs}, nil
}

func (p *Protocol) Version() string {
	return p.version
}

// Types returns the message types this protocol version knows, sorted by name.
func (p *Protocol) Types() []MsgType {
	out := make([]MsgType, 0, len(p.specs))
	for msgType := range p.specs {
		out = append(out, msgType)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Create builds a new message of msgType. Any Metadata arguments are merged into the message
// metadata, the remaining arguments are handed to the type's create function.
func (p *Protocol) Create(msgType MsgType, args ...interface{}) (*Message, error) {
	spec, ok := p.specs[msgType]
	if !ok {
		return nil, fmt.Errorf("%w %q for version %s", ErrUnknownMsgType, msgType, p.version)
	}

	var metadata Metadata
	rest := make([]interface{}, 0, len(args))

	for _, arg := range args {
		md, ok := arg.(Metadata)
		if !ok {
			rest = append(rest, arg)
			continue
		}

		if metadata == nil {
			metadata = Metadata{}
		}

		for k, v := range md {
			metadata[k] = v
		}
	}

	msg, err := spec.Create(rest)
	if err != nil {
		return nil, err
	}

	if metadata != nil {
		msg.SetMetadata(metadata)
	}

	return msg, nil
}

// Assemble builds a message from its three JSON fragments. The header is decoded first to
// find the message type, which decides how the rest is checked.
func (p *Protocol) Assemble(headerJSON, metadataJSON, contentJSON []byte) (*Message, error) {
	if !gjson.ValidBytes(headerJSON) {
		return nil, messageError("header", fmt.Errorf("invalid JSON %q", truncate(headerJSON)))
	}

	msgType := gjson.GetBytes(headerJSON, "msgtype")
	if msgType.Type != gjson.String || msgType.Str == "" {
		return nil, ErrMissingMsgType
	}

	spec, ok := p.specs[MsgType(msgType.Str)]
	if !ok {
		return nil, fmt.Errorf("%w %q for version %s", ErrUnknownMsgType, msgType.Str, p.version)
	}

	msg, err := Assemble(headerJSON, metadataJSON, contentJSON)
	if err != nil {
		return nil, err
	}

	if spec.Check != nil {
		if err := spec.Check(msg); err != nil {
			return nil, err
		}
	}

	return msg, nil
}
