// Package protocol implements the messages that docsync clients and servers exchange to keep a
// document synchronized.
//
// === Messages
//
// A message is made of
//
// - `header`   - the message id (`msgid`), type (`msgtype`), the id of the request it replies
//                to (`reqid`, replies only) and the number of binary buffers that follow
//                (`num_buffers`, defaults to 0).
// - `metadata` - a free-form object. The protocol never looks at it.
// - `content`  - an object whose shape depends on the message type.
// - `buffers`  - zero or more binary payloads, each described by a small JSON buffer header that
//                carries at least an `id`.
//
// === Wire format
//
// Each part of a message is sent as its own transport fragment (a websocket frame, say), in
// this exact order
//
//   ```
//     text:   header_json
//     text:   metadata_json
//     text:   content_json
//     text:   buffer_header_json    } once per buffer
//     binary: buffer_payload_bytes  }
//   ```
//
// The fragments of two messages never interleave: senders hold the connection's write lock
// for the whole message. A Receiver reassembles the fragments and rejects any other order.
//
// The header, metadata and content are assembled, and the content checked against its type, as
// soon as the content fragment arrives. A malformed message is refused before any of the
// buffers its header announced are accepted.
//
// === Request / reply
//
// Replies carry the `msgid` of the request they answer in their `reqid`. Requests can
// interleave with unsolicited messages, such as PATCH-DOC, so clients match replies on `reqid`
// rather than on arrival order.
//
// === Version 1.0
//
//  ```
//    ACK                 {}                                  server -> client after connect
//    OK                  {}                                  reply
//    ERROR               {text, traceback?}                  reply
//    SERVER-INFO-REQ     {}
//    SERVER-INFO-REPLY   {version_info: {bokeh, server}}     reply
//    PULL-DOC-REQ        {}
//    PULL-DOC-REPLY      {doc}                               reply
//    PUSH-DOC            {doc}
//    PATCH-DOC           {events, ...}                       unsolicited
//  ```
//
// === Errors
//
// - ErrMessage    - a fragment was not JSON at all.
// - ErrProtocol   - fragments decoded but break a rule: unknown version or type, too many
//                   buffers, content of the wrong shape.
// - ErrValidation - a text fragment arrived where a binary one was expected, or the reverse.
//
// All three are fatal to the connection that produced them.
package protocol
