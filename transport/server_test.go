package transport_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/docsync/document"
	"github.com/luma/docsync/protocol"
	"github.com/luma/docsync/transport"
)

const testDoc = `{"title":"t","roots":["plot"],"models":{"plot":{"width":300}}}`

// testClient speaks the protocol to a server without going through the client package.
type testClient struct {
	ws       *transport.WebSocket
	receiver *protocol.Receiver
}

func dialServer(server *transport.Server, version string) (*testClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := transport.Dial(ctx, "ws://"+server.Addr()+transport.DefaultPath, url.Values{
		protocol.ParamProtocolVersion: []string{version},
		protocol.ParamSessionID:       []string{"test-session"},
	}, transport.DialOptions{})
	if err != nil {
		return nil, err
	}

	proto, err := protocol.New("1.0")
	Expect(err).To(Succeed())

	return &testClient{ws: ws, receiver: protocol.NewReceiver(proto)}, nil
}

// connect dials the server and waits for its ACK and for the server to register the
// connection.
func connect(server *transport.Server) *testClient {
	before := server.NumConns()

	client, err := dialServer(server, "1.0")
	Expect(err).To(Succeed())

	ack, err := client.next()
	Expect(err).To(Succeed())
	Expect(ack.Type()).To(Equal(protocol.MsgAck))

	Eventually(server.NumConns).Should(Equal(before + 1))
	return client
}

func (c *testClient) next() (*protocol.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		f, err := c.ws.ReadFragment(ctx)
		if err != nil {
			return nil, err
		}

		msg, err := c.receiver.Consume(f)
		if err != nil {
			return nil, err
		}

		if msg != nil {
			return msg, nil
		}
	}
}

func (c *testClient) request(msg *protocol.Message) *protocol.Message {
	_, err := msg.Send(c.ws)
	Expect(err).To(Succeed())

	reply, err := c.next()
	Expect(err).To(Succeed())
	Expect(reply.ReqID()).To(Equal(msg.MsgID()))

	return reply
}

func (c *testClient) close() {
	_ = c.ws.Close("")
}

func makeServer(doc *document.Document) *transport.Server {
	log, err := zap.NewDevelopment()
	Expect(err).To(Succeed())

	server := transport.NewServer(transport.Options{
		Host:        "127.0.0.1",
		Port:        0,
		Document:    doc,
		VersionInfo: protocol.VersionInfo{Bokeh: "1.0", Server: "test"},
		Log:         log,
	})

	Expect(server.Start(context.Background())).To(Succeed())
	return server
}

var _ = Describe("Server", func() {
	var (
		doc    *document.Document
		server *transport.Server
	)

	BeforeEach(func() {
		var err error
		doc, err = document.FromJSON([]byte(testDoc))
		Expect(err).To(Succeed())

		server = makeServer(doc)
	})

	AfterEach(func() {
		Expect(server.Close()).To(Succeed())
		Expect(doc.Close()).To(Succeed())
	})

	It("answers pings", func() {
		resp, err := http.Get("http://" + server.Addr() + "/ping")
		Expect(err).To(Succeed())
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		Expect(err).To(Succeed())
		Expect(string(body)).To(Equal("pong"))
	})

	It("refuses an unknown protocol version", func() {
		resp, err := http.Get("http://" + server.Addr() + transport.DefaultPath + "?bokeh-protocol-version=0.9")
		Expect(err).To(Succeed())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

		_, err = dialServer(server, "0.9")
		Expect(err).To(HaveOccurred())
	})

	It("acknowledges new connections", func() {
		client := connect(server)
		defer client.close()

		Eventually(server.NumConns).Should(Equal(1))
	})

	It("answers SERVER-INFO-REQ with its version info", func() {
		client := connect(server)
		defer client.close()

		reply := client.request(protocol.NewServerInfoReq())
		Expect(reply.Type()).To(Equal(protocol.MsgServerInfoReply))

		var content protocol.ServerInfoContent
		Expect(reply.DecodeContent(&content)).To(Succeed())
		Expect(content.VersionInfo).To(Equal(protocol.VersionInfo{Bokeh: "1.0", Server: "test"}))
	})

	It("answers PULL-DOC-REQ with the document", func() {
		client := connect(server)
		defer client.close()

		reply := client.request(protocol.NewPullDocReq())
		Expect(reply.Type()).To(Equal(protocol.MsgPullDocReply))

		var content protocol.DocContent
		Expect(reply.DecodeContent(&content)).To(Succeed())
		Expect([]byte(content.Doc)).To(MatchJSON(testDoc))
	})

	It("replaces the document on PUSH-DOC", func() {
		client := connect(server)
		defer client.close()

		push, err := protocol.NewPushDoc([]byte(`{"title":"pushed"}`))
		Expect(err).To(Succeed())

		reply := client.request(push)
		Expect(reply.Type()).To(Equal(protocol.MsgOK))
		Expect(doc.Title()).To(Equal("pushed"))
	})

	It("sends a pushed document to the other connections only", func() {
		pusher := connect(server)
		defer pusher.close()

		other := connect(server)
		defer other.close()

		pushed := `{"title":"pushed","roots":["fig"],"models":{"fig":{"height":10}}}`
		push, err := protocol.NewPushDoc([]byte(pushed))
		Expect(err).To(Succeed())

		reply := pusher.request(push)
		Expect(reply.Type()).To(Equal(protocol.MsgOK))

		forwarded, err := other.next()
		Expect(err).To(Succeed())
		Expect(forwarded.Type()).To(Equal(protocol.MsgPatchDoc))

		// The other side ends up with the pushed document by applying the patch
		copied, err := document.FromJSON([]byte(testDoc))
		Expect(err).To(Succeed())
		defer copied.Close()

		content, err := forwarded.ContentJSON()
		Expect(err).To(Succeed())
		Expect(copied.ApplyJSONPatch(content, "server")).To(Succeed())
		Expect(copied.ToJSON()).To(MatchJSON(pushed))

		// Nothing is echoed to the pusher
		next := pusher.request(protocol.NewPullDocReq())
		Expect(next.Type()).To(Equal(protocol.MsgPullDocReply))
	})

	It("always sends ACK first, even while patches are being broadcast", func() {
		stop := make(chan struct{})
		flooding := make(chan struct{})

		go func() {
			defer GinkgoRecover()
			defer close(flooding)

			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}

				Expect(doc.SetAttr("plot", "width", i, "local")).To(Succeed())
			}
		}()

		defer func() {
			close(stop)
			<-flooding
		}()

		for i := 0; i < 50; i++ {
			client, err := dialServer(server, "1.0")
			Expect(err).To(Succeed())

			first, err := client.next()
			Expect(err).To(Succeed())
			Expect(first.Type()).To(Equal(protocol.MsgAck))

			client.close()
		}
	})

	It("answers a PUSH-DOC it cannot apply with an ERROR", func() {
		client := connect(server)
		defer client.close()

		push, err := protocol.NewPushDoc([]byte(`{"roots":["missing"]}`))
		Expect(err).To(Succeed())

		reply := client.request(push)
		Expect(reply.Type()).To(Equal(protocol.MsgError))
		Expect(doc.Title()).To(Equal("t"))
	})

	Describe("PATCH-DOC", func() {
		patch := []byte(`{"events":[{"kind":"ModelChanged","model":"plot","attr":"width","new":600}]}`)

		It("applies the patch and broadcasts it to the other connections only", func() {
			sender := connect(server)
			defer sender.close()

			other := connect(server)
			defer other.close()

			msg, err := protocol.NewPatchDoc(patch)
			Expect(err).To(Succeed())

			reply := sender.request(msg)
			Expect(reply.Type()).To(Equal(protocol.MsgOK))

			width, ok := doc.Attr("plot", "width")
			Expect(ok).To(BeTrue())
			Expect(string(width)).To(Equal("600"))

			forwarded, err := other.next()
			Expect(err).To(Succeed())
			Expect(forwarded.Type()).To(Equal(protocol.MsgPatchDoc))
			Expect(forwarded.ContentJSON()).To(MatchJSON(patch))

			// The sender's next message is the reply to its next request, not its own patch
			next := sender.request(protocol.NewPullDocReq())
			Expect(next.Type()).To(Equal(protocol.MsgPullDocReply))
		})

		It("answers a patch it cannot apply with an ERROR", func() {
			client := connect(server)
			defer client.close()

			msg, err := protocol.NewPatchDoc([]byte(`{"events":[{"kind":"ModelChanged","model":"nope","attr":"a","new":1}]}`))
			Expect(err).To(Succeed())

			reply := client.request(msg)
			Expect(reply.Type()).To(Equal(protocol.MsgError))

			var content protocol.ErrorContent
			Expect(reply.DecodeContent(&content)).To(Succeed())
			Expect(content.Text).To(ContainSubstring("unknown model"))
		})
	})

	It("answers a message it does not serve with an ERROR", func() {
		client := connect(server)
		defer client.close()

		reply := client.request(protocol.NewServerInfoReply("x", protocol.VersionInfo{}))
		Expect(reply.Type()).To(Equal(protocol.MsgError))
	})

	It("closes a connection that breaks the fragment order", func() {
		client := connect(server)
		defer client.close()

		client.ws.Lock()
		_, err := client.ws.WriteFragment(protocol.BinaryFragment([]byte("nope")))
		client.ws.Unlock()
		Expect(err).To(Succeed())

		_, err = client.next()

		var closeErr *websocket.CloseError
		Expect(errors.As(err, &closeErr)).To(BeTrue())
		Expect(closeErr.Code).To(Equal(websocket.CloseProtocolError))

		Eventually(server.NumConns).Should(BeZero())
	})

	It("serves metrics", func() {
		client := connect(server)
		client.request(protocol.NewPullDocReq())
		client.close()

		resp, err := http.Get("http://" + server.Addr() + "/metrics")
		Expect(err).To(Succeed())
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		Expect(err).To(Succeed())
		Expect(string(body)).To(ContainSubstring(`docsync_messages_received_total{msgtype="PULL-DOC-REQ"} 1`))
		Expect(string(body)).To(ContainSubstring(`docsync_messages_sent_total{msgtype="ACK"} 1`))
	})

	It("closes open connections when closed", func() {
		client := connect(server)
		defer client.close()

		Eventually(server.NumConns).Should(Equal(1))
		Expect(server.Close()).To(Succeed())

		_, err := client.next()
		Expect(err).To(HaveOccurred())
		Expect(server.NumConns()).To(BeZero())
	})
})
