package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Metadata is passed through untouched by the protocol. It is useful for diagnostics.
type Metadata map[string]interface{}

// Content is the type specific body of a message.
type Content map[string]interface{}

// BufferHeader describes a binary buffer attached to a message. The id correlates the payload
// with a reference elsewhere in the message content.
type BufferHeader map[string]interface{}

func NewBufferHeader(id string) BufferHeader {
	return BufferHeader{"id": id}
}

func (b BufferHeader) ID() string {
	id, _ := b["id"].(string)
	return id
}

type Buffer struct {
	Header  BufferHeader
	Payload []byte
}

// Message is the unit of exchange between a client and a server.
//
// Header, metadata and content each keep a serialized form alongside the decoded value. The
// serialized form is produced lazily and is dropped whenever the matching setter is called.
// Messages received from the wire keep the exact bytes that were received.
type Message struct {
	header   Header
	metadata Metadata
	content  Content
	buffers  []Buffer

	headerJSON   []byte
	metadataJSON []byte
	contentJSON  []byte
}

// NewMessage returns a message that is ready to send.
func NewMessage(header Header, metadata Metadata, content Content) *Message {
	if metadata == nil {
		metadata = Metadata{}
	}

	if content == nil {
		content = Content{}
	}

	return &Message{
		header:   header,
		metadata: metadata,
		content:  content,
	}
}

// Assemble decodes the header, metadata and content fragments of a message.
//
// The returned message is not Complete when its header declares buffers; they have to be
// attached with AssembleBuffer.
func Assemble(headerJSON, metadataJSON, contentJSON []byte) (*Message, error) {
	parts := []struct {
		name string
		data []byte
	}{
		{"header", headerJSON},
		{"metadata", metadataJSON},
		{"content", contentJSON},
	}

	for _, part := range parts {
		if !gjson.ValidBytes(part.data) {
			return nil, messageError(part.name, fmt.Errorf("invalid JSON %q", truncate(part.data)))
		}
	}

	header, err := decodeHeader(headerJSON)
	if err != nil {
		return nil, err
	}

	for _, part := range parts[1:] {
		if !gjson.ParseBytes(part.data).IsObject() {
			return nil, fmt.Errorf("%w: %s must be a JSON object", ErrMalformedContent, part.name)
		}
	}

	return &Message{
		header:       header,
		headerJSON:   headerJSON,
		metadataJSON: metadataJSON,
		contentJSON:  contentJSON,
	}, nil
}

func (m *Message) Header() Header {
	return m.header
}

func (m *Message) SetHeader(header Header) {
	m.header = header
	m.headerJSON = nil
}

func (m *Message) Type() MsgType {
	return m.header.MsgType
}

func (m *Message) MsgID() string {
	return m.header.MsgID
}

func (m *Message) ReqID() string {
	return m.header.ReqID
}

func (m *Message) HeaderJSON() ([]byte, error) {
	if m.headerJSON == nil {
		data, err := json.Marshal(m.header)
		if err != nil {
			return nil, err
		}

		m.headerJSON = data
	}

	return m.headerJSON, nil
}

func (m *Message) Metadata() Metadata {
	if m.metadata == nil && m.metadataJSON != nil {
		// Assemble already checked that this is a JSON object
		_ = json.Unmarshal(m.metadataJSON, &m.metadata)
	}

	return m.metadata
}

func (m *Message) SetMetadata(metadata Metadata) {
	m.metadata = metadata
	m.metadataJSON = nil
}

func (m *Message) MetadataJSON() ([]byte, error) {
	if m.metadataJSON == nil {
		data, err := marshalObject(m.metadata)
		if err != nil {
			return nil, err
		}

		m.metadataJSON = data
	}

	return m.metadataJSON, nil
}

func (m *Message) Content() Content {
	if m.content == nil && m.contentJSON != nil {
		// Assemble already checked that this is a JSON object
		_ = json.Unmarshal(m.contentJSON, &m.content)
	}

	return m.content
}

func (m *Message) SetContent(content Content) {
	m.content = content
	m.contentJSON = nil
}

func (m *Message) ContentJSON() ([]byte, error) {
	if m.contentJSON == nil {
		data, err := marshalObject(m.content)
		if err != nil {
			return nil, err
		}

		m.contentJSON = data
	}

	return m.contentJSON, nil
}

// DecodeContent unmarshals the message content into v.
func (m *Message) DecodeContent(v interface{}) error {
	data, err := m.ContentJSON()
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s content: %v", ErrMalformedContent, m.header.MsgType, err)
	}

	return nil
}

func (m *Message) Buffers() []Buffer {
	return m.buffers
}

// AddBuffer attaches a buffer to a message that is about to be sent.
func (m *Message) AddBuffer(header BufferHeader, payload []byte) {
	m.header.NumBuffers++
	m.headerJSON = nil

	m.buffers = append(m.buffers, Buffer{Header: header, Payload: payload})
}

// AssembleBuffer attaches a buffer received from the wire. A message never accepts more
// buffers than its header declared.
func (m *Message) AssembleBuffer(headerJSON, payload []byte) error {
	if len(m.buffers) >= m.header.NumBuffers {
		return fmt.Errorf("%w: header declared %d, got another after %d",
			ErrTooManyBuffers, m.header.NumBuffers, len(m.buffers))
	}

	if !gjson.ValidBytes(headerJSON) {
		return messageError("buffer header", fmt.Errorf("invalid JSON %q", truncate(headerJSON)))
	}

	var header BufferHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return fmt.Errorf("%w: buffer header: %v", ErrMalformedContent, err)
	}

	m.buffers = append(m.buffers, Buffer{Header: header, Payload: payload})
	return nil
}

// Complete reports whether header, metadata and content are present and every buffer the
// header declared has arrived.
func (m *Message) Complete() bool {
	hasMetadata := m.metadata != nil || m.metadataJSON != nil
	hasContent := m.content != nil || m.contentJSON != nil

	return hasMetadata && hasContent && len(m.buffers) == m.header.NumBuffers
}

// Send writes every fragment of the message to conn, holding the connection's write lock for
// the whole message. It returns the number of bytes written.
func (m *Message) Send(conn FragmentWriter) (int, error) {
	if conn == nil {
		return 0, ErrNoConnection
	}

	fragments, err := m.fragments()
	if err != nil {
		return 0, err
	}

	conn.Lock()
	defer conn.Unlock()

	sent := 0
	for _, f := range fragments {
		n, err := conn.WriteFragment(f)
		sent += n

		if err != nil {
			return sent, fmt.Errorf("Failed to send %s: %w", m.header.MsgType, err)
		}
	}

	return sent, nil
}

func (m *Message) fragments() ([]Fragment, error) {
	header, err := m.HeaderJSON()
	if err != nil {
		return nil, err
	}

	metadata, err := m.MetadataJSON()
	if err != nil {
		return nil, err
	}

	content, err := m.ContentJSON()
	if err != nil {
		return nil, err
	}

	fragments := make([]Fragment, 0, 3+2*len(m.buffers))
	fragments = append(fragments,
		TextFragment(header),
		TextFragment(metadata),
		TextFragment(content))

	for _, buf := range m.buffers {
		bufHeader, err := marshalObject(buf.Header)
		if err != nil {
			return nil, err
		}

		fragments = append(fragments, TextFragment(bufHeader), BinaryFragment(buf.Payload))
	}

	return fragments, nil
}

func (m *Message) String() string {
	content, err := m.ContentJSON()
	if err != nil {
		return fmt.Sprintf("Message %q (unserializable content: %v)", m.header.MsgType, err)
	}

	return fmt.Sprintf("Message %q content: %s", m.header.MsgType, truncate(content))
}

// marshalObject encodes v, writing nil maps as {} rather than null.
func marshalObject(v interface{}) ([]byte, error) {
	switch o := v.(type) {
	case Metadata:
		if o == nil {
			return []byte("{}"), nil
		}
	case Content:
		if o == nil {
			return []byte("{}"), nil
		}
	case BufferHeader:
		if o == nil {
			return []byte("{}"), nil
		}
	}

	return json.Marshal(v)
}

func truncate(data []byte) string {
	const max = 120

	if len(data) <= max {
		return string(data)
	}

	return string(data[:max]) + "..."
}
