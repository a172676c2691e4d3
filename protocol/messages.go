package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

type MsgType string

const (
	MsgAck             MsgType = "ACK"
	MsgOK              MsgType = "OK"
	MsgError           MsgType = "ERROR"
	MsgServerInfoReq   MsgType = "SERVER-INFO-REQ"
	MsgServerInfoReply MsgType = "SERVER-INFO-REPLY"
	MsgPullDocReq      MsgType = "PULL-DOC-REQ"
	MsgPullDocReply    MsgType = "PULL-DOC-REPLY"
	MsgPushDoc         MsgType = "PUSH-DOC"
	MsgPatchDoc        MsgType = "PATCH-DOC"
)

// ErrorContent is the content of an ERROR reply.
type ErrorContent struct {
	Text      string   `json:"text"`
	Traceback []string `json:"traceback,omitempty"`
}

type VersionInfo struct {
	Bokeh  string `json:"bokeh"`
	Server string `json:"server"`
}

type ServerInfoContent struct {
	VersionInfo VersionInfo `json:"version_info"`
}

// DocContent carries a serialized document, as used by PULL-DOC-REPLY and PUSH-DOC.
type DocContent struct {
	Doc json.RawMessage `json:"doc"`
}

func NewAck() *Message {
	return NewMessage(NewHeader(MsgAck, ""), nil, nil)
}

func NewOK(requestID string) *Message {
	return NewMessage(NewHeader(MsgOK, requestID), nil, nil)
}

func NewError(requestID, text string, traceback []string) *Message {
	content := Content{"text": text}
	if len(traceback) > 0 {
		content["traceback"] = traceback
	}

	return NewMessage(NewHeader(MsgError, requestID), nil, content)
}

func NewServerInfoReq() *Message {
	return NewMessage(NewHeader(MsgServerInfoReq, ""), nil, nil)
}

func NewServerInfoReply(requestID string, info VersionInfo) *Message {
	content := Content{
		"version_info": map[string]interface{}{
			"bokeh":  info.Bokeh,
			"server": info.Server,
		},
	}

	return NewMessage(NewHeader(MsgServerInfoReply, requestID), nil, content)
}

func NewPullDocReq() *Message {
	return NewMessage(NewHeader(MsgPullDocReq, ""), nil, nil)
}

func NewPullDocReply(requestID string, doc []byte) (*Message, error) {
	if err := checkObject("doc", doc); err != nil {
		return nil, err
	}

	content := Content{"doc": json.RawMessage(doc)}
	return NewMessage(NewHeader(MsgPullDocReply, requestID), nil, content), nil
}

func NewPushDoc(doc []byte) (*Message, error) {
	if err := checkObject("doc", doc); err != nil {
		return nil, err
	}

	content := Content{"doc": json.RawMessage(doc)}
	return NewMessage(NewHeader(MsgPushDoc, ""), nil, content), nil
}

// NewPatchDoc wraps serialized patch events. Any buffers are attached in order.
func NewPatchDoc(patch []byte, buffers ...Buffer) (*Message, error) {
	if err := checkObject("patch", patch); err != nil {
		return nil, err
	}

	msg := &Message{
		header:      NewHeader(MsgPatchDoc, ""),
		metadata:    Metadata{},
		contentJSON: patch,
	}

	for _, buf := range buffers {
		msg.AddBuffer(buf.Header, buf.Payload)
	}

	return msg, nil
}

func checkObject(name string, data []byte) error {
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return fmt.Errorf("%w: %s must be a JSON object", ErrBadArguments, name)
	}

	return nil
}

// Create functions, used by the registry. They take the same arguments as the typed
// constructors above, in the same order.

func createAck(args []interface{}) (*Message, error) {
	if err := argCount(MsgAck, args, 0, 0); err != nil {
		return nil, err
	}

	return NewAck(), nil
}

func createOK(args []interface{}) (*Message, error) {
	if err := argCount(MsgOK, args, 1, 1); err != nil {
		return nil, err
	}

	reqID, err := stringArg(MsgOK, args, 0)
	if err != nil {
		return nil, err
	}

	return NewOK(reqID), nil
}

func createError(args []interface{}) (*Message, error) {
	if err := argCount(MsgError, args, 2, 3); err != nil {
		return nil, err
	}

	reqID, err := stringArg(MsgError, args, 0)
	if err != nil {
		return nil, err
	}

	text, err := stringArg(MsgError, args, 1)
	if err != nil {
		return nil, err
	}

	var traceback []string
	if len(args) == 3 {
		tb, ok := args[2].([]string)
		if !ok {
			return nil, fmt.Errorf("%w: %s traceback must be []string, got %T", ErrBadArguments, MsgError, args[2])
		}

		traceback = tb
	}

	return NewError(reqID, text, traceback), nil
}

func createServerInfoReq(args []interface{}) (*Message, error) {
	if err := argCount(MsgServerInfoReq, args, 0, 0); err != nil {
		return nil, err
	}

	return NewServerInfoReq(), nil
}

func createServerInfoReply(args []interface{}) (*Message, error) {
	if err := argCount(MsgServerInfoReply, args, 2, 2); err != nil {
		return nil, err
	}

	reqID, err := stringArg(MsgServerInfoReply, args, 0)
	if err != nil {
		return nil, err
	}

	info, ok := args[1].(VersionInfo)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects a VersionInfo, got %T", ErrBadArguments, MsgServerInfoReply, args[1])
	}

	return NewServerInfoReply(reqID, info), nil
}

func createPullDocReq(args []interface{}) (*Message, error) {
	if err := argCount(MsgPullDocReq, args, 0, 0); err != nil {
		return nil, err
	}

	return NewPullDocReq(), nil
}

func createPullDocReply(args []interface{}) (*Message, error) {
	if err := argCount(MsgPullDocReply, args, 2, 2); err != nil {
		return nil, err
	}

	reqID, err := stringArg(MsgPullDocReply, args, 0)
	if err != nil {
		return nil, err
	}

	doc, err := bytesArg(MsgPullDocReply, args, 1)
	if err != nil {
		return nil, err
	}

	return NewPullDocReply(reqID, doc)
}

func createPushDoc(args []interface{}) (*Message, error) {
	if err := argCount(MsgPushDoc, args, 1, 1); err != nil {
		return nil, err
	}

	doc, err := bytesArg(MsgPushDoc, args, 0)
	if err != nil {
		return nil, err
	}

	return NewPushDoc(doc)
}

func createPatchDoc(args []interface{}) (*Message, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: %s expects a patch", ErrBadArguments, MsgPatchDoc)
	}

	patch, err := bytesArg(MsgPatchDoc, args, 0)
	if err != nil {
		return nil, err
	}

	buffers := make([]Buffer, 0, len(args)-1)
	for _, arg := range args[1:] {
		buf, ok := arg.(Buffer)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects Buffer arguments, got %T", ErrBadArguments, MsgPatchDoc, arg)
		}

		buffers = append(buffers, buf)
	}

	return NewPatchDoc(patch, buffers...)
}

// Content checks, run by the registry when a message is assembled from the wire.

func requireReqID(msg *Message) error {
	if msg.ReqID() == "" {
		return fmt.Errorf("%w: %s must carry a reqid", ErrMalformedContent, msg.Type())
	}

	return nil
}

func checkError(msg *Message) error {
	if err := requireReqID(msg); err != nil {
		return err
	}

	return requireField(msg, "text", gjson.String)
}

func checkServerInfoReply(msg *Message) error {
	if err := requireReqID(msg); err != nil {
		return err
	}

	return requireField(msg, "version_info", gjson.JSON)
}

func checkPullDocReply(msg *Message) error {
	if err := requireReqID(msg); err != nil {
		return err
	}

	return requireField(msg, "doc", gjson.JSON)
}

func checkPushDoc(msg *Message) error {
	return requireField(msg, "doc", gjson.JSON)
}

func requireField(msg *Message, field string, kind gjson.Type) error {
	content, err := msg.ContentJSON()
	if err != nil {
		return err
	}

	result := gjson.GetBytes(content, field)

	ok := result.Type == kind
	if kind == gjson.JSON {
		ok = result.IsObject()
	}

	if !ok {
		return fmt.Errorf("%w: %s content needs a %s %q field", ErrMalformedContent, msg.Type(), kindName(kind), field)
	}

	return nil
}

func kindName(kind gjson.Type) string {
	switch kind {
	case gjson.JSON:
		return "object"
	case gjson.String:
		return "string"
	default:
		return kind.String()
	}
}

func argCount(msgType MsgType, args []interface{}, min, max int) error {
	if len(args) < min || len(args) > max {
		return fmt.Errorf("%w: %s takes %d to %d arguments, got %d", ErrBadArguments, msgType, min, max, len(args))
	}

	return nil
}

func stringArg(msgType MsgType, args []interface{}, i int) (string, error) {
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s argument %d must be a string, got %T", ErrBadArguments, msgType, i, args[i])
	}

	return s, nil
}

func bytesArg(msgType MsgType, args []interface{}, i int) ([]byte, error) {
	switch b := args[i].(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("%w: %s argument %d must be JSON bytes, got %T", ErrBadArguments, msgType, i, args[i])
	}
}
