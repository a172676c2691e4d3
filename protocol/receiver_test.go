package protocol_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/docsync/protocol"
)

var _ = Describe("Receiver", func() {
	var receiver *protocol.Receiver

	text := func(s string) protocol.Fragment { return protocol.TextFragment([]byte(s)) }
	binary := func(s string) protocol.Fragment { return protocol.BinaryFragment([]byte(s)) }

	consumeAll := func(fragments ...protocol.Fragment) (*protocol.Message, error) {
		var (
			msg *protocol.Message
			err error
		)

		for i, f := range fragments {
			msg, err = receiver.Consume(f)
			if err != nil {
				return nil, err
			}

			if i < len(fragments)-1 {
				Expect(msg).To(BeNil())
			}
		}

		return msg, nil
	}

	BeforeEach(func() {
		proto, err := protocol.New("1.0")
		Expect(err).To(Succeed())

		receiver = protocol.NewReceiver(proto)
	})

	It("assembles a message without buffers from three text fragments", func() {
		msg, err := consumeAll(
			text(`{"msgtype":"ACK","msgid":"1"}`),
			text(`{}`),
			text(`{}`))
		Expect(err).To(Succeed())
		Expect(msg).NotTo(BeNil())
		Expect(msg.Type()).To(Equal(protocol.MsgAck))
		Expect(receiver.Expecting()).To(Equal("HEADER"))
	})

	It("assembles a PATCH-DOC with a buffer", func() {
		msg, err := consumeAll(
			text(`{"msgtype":"PATCH-DOC","msgid":"10","num_buffers":1}`),
			text(`{}`),
			text(`{"bar":10}`),
			text(`{"id":"buf_header"}`),
			binary("payload"))
		Expect(err).To(Succeed())
		Expect(msg).NotTo(BeNil())

		Expect(msg.Header()).To(Equal(protocol.Header{
			MsgType:    protocol.MsgPatchDoc,
			MsgID:      "10",
			NumBuffers: 1,
		}))
		Expect(msg.Content()).To(Equal(protocol.Content{"bar": float64(10)}))

		Expect(msg.Buffers()).To(HaveLen(1))
		Expect(msg.Buffers()[0].Header.ID()).To(Equal("buf_header"))
		Expect(msg.Buffers()[0].Payload).To(Equal([]byte("payload")))
	})

	It("yields exactly one message for N buffers", func() {
		fragments := []protocol.Fragment{
			text(`{"msgtype":"PATCH-DOC","msgid":"10","num_buffers":3}`),
			text(`{}`),
			text(`{}`),
		}
		for _, id := range []string{"a", "b", "c"} {
			fragments = append(fragments, text(`{"id":"`+id+`"}`), binary(id))
		}

		completed := 0
		for _, f := range fragments {
			msg, err := receiver.Consume(f)
			Expect(err).To(Succeed())

			if msg != nil {
				completed++
				Expect(msg.Buffers()).To(HaveLen(3))
			}
		}

		Expect(completed).To(Equal(1))
	})

	It("is reused across messages", func() {
		for i := 0; i < 3; i++ {
			msg, err := consumeAll(
				text(`{"msgtype":"ACK","msgid":"1"}`),
				text(`{}`),
				text(`{}`))
			Expect(err).To(Succeed())
			Expect(msg).NotTo(BeNil())
		}
	})

	Describe("fragment order", func() {
		It("refuses a binary fragment when a header is expected", func() {
			_, err := receiver.Consume(binary("nope"))
			Expect(errors.Is(err, protocol.ErrValidation)).To(BeTrue())
		})

		It("refuses a text fragment when a buffer payload is expected", func() {
			_, err := consumeAll(
				text(`{"msgtype":"PATCH-DOC","msgid":"10","num_buffers":1}`),
				text(`{}`),
				text(`{}`),
				text(`{"id":"buf"}`),
				text(`payload`))
			Expect(errors.Is(err, protocol.ErrValidation)).To(BeTrue())
		})

		It("refuses a binary buffer header", func() {
			_, err := consumeAll(
				text(`{"msgtype":"PATCH-DOC","msgid":"10","num_buffers":1}`),
				text(`{}`),
				text(`{}`),
				binary(`{"id":"buf"}`))
			Expect(errors.Is(err, protocol.ErrValidation)).To(BeTrue())
		})

		It("expects a header again after a validation error", func() {
			_, err := consumeAll(
				text(`{"msgtype":"ACK","msgid":"1"}`),
				binary(`{}`))
			Expect(errors.Is(err, protocol.ErrValidation)).To(BeTrue())
			Expect(receiver.Expecting()).To(Equal("HEADER"))

			msg, err := consumeAll(
				text(`{"msgtype":"ACK","msgid":"2"}`),
				text(`{}`),
				text(`{}`))
			Expect(err).To(Succeed())
			Expect(msg.MsgID()).To(Equal("2"))
		})
	})

	Describe("malformed messages", func() {
		It("returns a message error and resets when a fragment is not JSON", func() {
			_, err := consumeAll(
				text(`{"msgtype":"ACK","msgid":"1"}`),
				text(`{}`),
				text(`{oops`))
			Expect(errors.Is(err, protocol.ErrMessage)).To(BeTrue())
			Expect(receiver.Expecting()).To(Equal("HEADER"))
		})

		It("returns a protocol error for an unknown message type", func() {
			_, err := consumeAll(
				text(`{"msgtype":"EVIL","msgid":"1"}`),
				text(`{}`),
				text(`{}`))
			Expect(errors.Is(err, protocol.ErrUnknownMsgType)).To(BeTrue())
		})

		It("checks content before accepting any buffer", func() {
			_, err := consumeAll(
				text(`{"msgtype":"PUSH-DOC","msgid":"1","num_buffers":1000000}`),
				text(`{}`),
				text(`{}`))
			Expect(errors.Is(err, protocol.ErrMalformedContent)).To(BeTrue())
			Expect(receiver.Expecting()).To(Equal("HEADER"))
		})
	})
})
