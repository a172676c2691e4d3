package protocol

import (
	"encoding/json"
	"fmt"
)

// Query parameters a client connects with.
const (
	ParamProtocolVersion = "bokeh-protocol-version"
	ParamSessionID       = "bokeh-session-id"
)

// Header identifies a message and, for replies, the request it answers.
type Header struct {
	MsgID      string  `json:"msgid"`
	MsgType    MsgType `json:"msgtype"`
	ReqID      string  `json:"reqid,omitempty"`
	NumBuffers int     `json:"num_buffers,omitempty"`
}

// NewHeader returns a header with a freshly generated msgid. The reqid is only set when
// requestID is not empty.
func NewHeader(msgType MsgType, requestID string) Header {
	return Header{
		MsgID:   MakeID(),
		MsgType: msgType,
		ReqID:   requestID,
	}
}

func decodeHeader(data []byte) (Header, error) {
	var header Header

	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, fmt.Errorf("%w: header: %v", ErrMalformedContent, err)
	}

	if header.MsgType == "" {
		return Header{}, ErrMissingMsgType
	}

	if header.NumBuffers < 0 {
		return Header{}, fmt.Errorf("%w: negative num_buffers %d", ErrMalformedContent, header.NumBuffers)
	}

	return header, nil
}
