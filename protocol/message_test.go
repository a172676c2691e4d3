package protocol_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/docsync/protocol"
)

var _ = Describe("Message", func() {
	Describe("NewHeader()", func() {
		It("generates a fresh msgid every time", func() {
			a := protocol.NewHeader(protocol.MsgAck, "")
			b := protocol.NewHeader(protocol.MsgAck, "")

			Expect(a.MsgID).NotTo(BeEmpty())
			Expect(a.MsgID).NotTo(Equal(b.MsgID))
		})

		It("only sets reqid when a request id is given", func() {
			Expect(protocol.NewHeader(protocol.MsgOK, "").ReqID).To(BeEmpty())
			Expect(protocol.NewHeader(protocol.MsgOK, "abc").ReqID).To(Equal("abc"))
		})
	})

	Describe("Assemble()", func() {
		header := []byte(`{"msgid":"1","msgtype":"ACK"}`)

		It("returns a message error when any fragment is not JSON", func() {
			_, err := protocol.Assemble([]byte(`{"msgid":`), []byte(`{}`), []byte(`{}`))
			Expect(errors.Is(err, protocol.ErrMessage)).To(BeTrue())

			_, err = protocol.Assemble(header, []byte(`nope`), []byte(`{}`))
			Expect(errors.Is(err, protocol.ErrMessage)).To(BeTrue())

			_, err = protocol.Assemble(header, []byte(`{}`), []byte(`{"a":`))
			Expect(errors.Is(err, protocol.ErrMessage)).To(BeTrue())
		})

		It("returns a protocol error when content is not an object", func() {
			_, err := protocol.Assemble(header, []byte(`{}`), []byte(`[1,2]`))
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
		})

		It("returns a protocol error when the header has no msgtype", func() {
			_, err := protocol.Assemble([]byte(`{"msgid":"1"}`), []byte(`{}`), []byte(`{}`))
			Expect(err).To(MatchError(protocol.ErrMissingMsgType))
		})

		It("keeps the received bytes as the serialized form", func() {
			content := []byte(`{ "bar" : 10 }`)
			msg, err := protocol.Assemble(header, []byte(`{}`), content)
			Expect(err).To(Succeed())

			Expect(msg.ContentJSON()).To(Equal(content))
			Expect(msg.Content()).To(Equal(protocol.Content{"bar": float64(10)}))
		})

		It("is complete when no buffers are declared", func() {
			msg, err := protocol.Assemble(header, []byte(`{}`), []byte(`{}`))
			Expect(err).To(Succeed())
			Expect(msg.Complete()).To(BeTrue())
		})

		It("is not complete until every declared buffer has arrived", func() {
			msg, err := protocol.Assemble(
				[]byte(`{"msgid":"1","msgtype":"PATCH-DOC","num_buffers":2}`),
				[]byte(`{}`),
				[]byte(`{}`))
			Expect(err).To(Succeed())
			Expect(msg.Complete()).To(BeFalse())

			Expect(msg.AssembleBuffer([]byte(`{"id":"a"}`), []byte("1"))).To(Succeed())
			Expect(msg.Complete()).To(BeFalse())

			Expect(msg.AssembleBuffer([]byte(`{"id":"b"}`), []byte("2"))).To(Succeed())
			Expect(msg.Complete()).To(BeTrue())
		})
	})

	Describe("AssembleBuffer()", func() {
		It("refuses more buffers than the header declared", func() {
			msg, err := protocol.Assemble(
				[]byte(`{"msgid":"1","msgtype":"PATCH-DOC","num_buffers":1}`),
				[]byte(`{}`),
				[]byte(`{}`))
			Expect(err).To(Succeed())

			Expect(msg.AssembleBuffer([]byte(`{"id":"a"}`), []byte("1"))).To(Succeed())

			err = msg.AssembleBuffer([]byte(`{"id":"b"}`), []byte("2"))
			Expect(errors.Is(err, protocol.ErrTooManyBuffers)).To(BeTrue())
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
			Expect(msg.Buffers()).To(HaveLen(1))
		})

		It("refuses buffers on a message that declared none", func() {
			msg := protocol.NewAck()
			err := msg.AssembleBuffer([]byte(`{"id":"a"}`), []byte("1"))
			Expect(errors.Is(err, protocol.ErrTooManyBuffers)).To(BeTrue())
		})

		It("returns a message error for a buffer header that is not JSON", func() {
			msg, err := protocol.Assemble(
				[]byte(`{"msgid":"1","msgtype":"PATCH-DOC","num_buffers":1}`),
				[]byte(`{}`),
				[]byte(`{}`))
			Expect(err).To(Succeed())

			err = msg.AssembleBuffer([]byte(`{"id"`), []byte("1"))
			Expect(errors.Is(err, protocol.ErrMessage)).To(BeTrue())
		})
	})

	Describe("AddBuffer()", func() {
		It("counts buffers in the header and drops the cached header JSON", func() {
			msg := protocol.NewAck()

			before, err := msg.HeaderJSON()
			Expect(err).To(Succeed())
			Expect(string(before)).NotTo(ContainSubstring("num_buffers"))

			msg.AddBuffer(protocol.NewBufferHeader("buf"), []byte("payload"))
			Expect(msg.Header().NumBuffers).To(Equal(1))

			after, err := msg.HeaderJSON()
			Expect(err).To(Succeed())
			Expect(string(after)).To(ContainSubstring(`"num_buffers":1`))
		})
	})

	Describe("SetContent() / SetMetadata()", func() {
		It("drops the cached serialized form", func() {
			msg := protocol.NewAck()
			Expect(msg.ContentJSON()).To(MatchJSON(`{}`))
			Expect(msg.MetadataJSON()).To(MatchJSON(`{}`))

			msg.SetContent(protocol.Content{"a": 1})
			msg.SetMetadata(protocol.Metadata{"trace": "x"})

			Expect(msg.ContentJSON()).To(MatchJSON(`{"a":1}`))
			Expect(msg.MetadataJSON()).To(MatchJSON(`{"trace":"x"}`))
		})
	})

	Describe("Send()", func() {
		It("fails without a connection", func() {
			_, err := protocol.NewAck().Send(nil)
			Expect(err).To(MatchError(protocol.ErrNoConnection))
		})

		It("writes header, metadata and content as text fragments under one lock", func() {
			conn := &recordingConn{}
			msg := protocol.NewOK("req-1")

			sent, err := msg.Send(conn)
			Expect(err).To(Succeed())
			Expect(conn.locks).To(Equal(1))
			Expect(conn.fragments).To(HaveLen(3))

			header, _ := msg.HeaderJSON()
			Expect(conn.fragments[0]).To(Equal(protocol.TextFragment(header)))
			Expect(conn.fragments[1].Data).To(MatchJSON(`{}`))
			Expect(conn.fragments[2].Data).To(MatchJSON(`{}`))
			Expect(sent).To(Equal(len(header) + 4))
		})

		It("writes each buffer as a text header followed by a binary payload", func() {
			conn := &recordingConn{}
			msg, err := protocol.NewPatchDoc([]byte(`{"events":[]}`),
				protocol.Buffer{Header: protocol.NewBufferHeader("one"), Payload: []byte("111")},
				protocol.Buffer{Header: protocol.NewBufferHeader("two"), Payload: []byte("22")})
			Expect(err).To(Succeed())

			_, err = msg.Send(conn)
			Expect(err).To(Succeed())
			Expect(conn.fragments).To(HaveLen(7))

			Expect(conn.fragments[3].Binary).To(BeFalse())
			Expect(conn.fragments[3].Data).To(MatchJSON(`{"id":"one"}`))
			Expect(conn.fragments[4]).To(Equal(protocol.BinaryFragment([]byte("111"))))
			Expect(conn.fragments[5].Data).To(MatchJSON(`{"id":"two"}`))
			Expect(conn.fragments[6]).To(Equal(protocol.BinaryFragment([]byte("22"))))
		})

		It("stops at the first failed write", func() {
			conn := &recordingConn{failOn: 2}

			_, err := protocol.NewAck().Send(conn)
			Expect(err).To(MatchError(ContainSubstring("broken pipe")))
			Expect(conn.fragments).To(HaveLen(1))
		})
	})
})
