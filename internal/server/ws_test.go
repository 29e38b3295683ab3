package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/missionlink/internal/protocol"
	"github.com/opencode-ai/missionlink/internal/supervisor"
)

var _ = Describe("Websocket endpoint", func() {
	var s *stack

	AfterEach(func() {
		if s != nil {
			s.close()
			s = nil
		}
	})

	Describe("without authentication", func() {
		BeforeEach(func() {
			s = newStack(stackOptions{delay: 5 * time.Millisecond})
		})

		It("welcomes the client and confirms subscriptions", func() {
			conn := s.connect()

			send(conn, `{"type":"subscribe","topic":"resource:abc"}`)
			frame := read(conn)
			Expect(frame["type"]).To(Equal("subscribed"))
			Expect(frame["topic"]).To(Equal("resource:abc"))

			Eventually(s.reg.Count).Should(Equal(1))
		})

		It("streams an execution from start to completion", func() {
			conn := s.connect()

			send(conn, `{"type":"start_execution","resource_id":"abc","options":{},"request_id":"req-1"}`)
			started := read(conn)
			Expect(started["type"]).To(Equal("execution_started"))
			Expect(started["request_id"]).To(Equal("req-1"))
			executionID := started["execution_id"].(string)
			Expect(executionID).NotTo(BeEmpty())

			frames := readUntil(conn, "execution_completed")
			tokens := ofKind(frames, "execution_token")
			Expect(tokens).NotTo(BeEmpty())

			var text strings.Builder
			for i, tok := range tokens {
				Expect(tok["execution_id"]).To(Equal(executionID))
				Expect(tok["index"]).To(BeNumerically("==", i))
				text.WriteString(tok["content"].(string))
			}

			completed := frames[len(frames)-1]
			Expect(completed["execution_id"]).To(Equal(executionID))
			Expect(completed["content"]).To(Equal(text.String()))
			Expect(text.String()).To(HavePrefix("echo: "))

			msgs, err := s.repo.ListMessages(context.Background(), "abc")
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].Content).To(Equal(text.String()))
		})

		It("rejects a second start on the same resource while one runs", func() {
			s.close()
			s = newStack(stackOptions{delay: 40 * time.Millisecond})
			conn := s.connect()

			send(conn, `{"type":"start_execution","resource_id":"abc","options":{}}`)
			send(conn, `{"type":"start_execution","resource_id":"abc","options":{}}`)

			frames := readUntil(conn, "execution_completed")
			errs := ofKind(frames, "error")
			Expect(errs).To(HaveLen(1))
			Expect(errs[0]["code"]).To(Equal(protocol.CodeAlreadyRunning))
			Expect(ofKind(frames, "execution_started")).To(HaveLen(1))
		})

		It("reports cancelling an unknown execution", func() {
			conn := s.connect()

			send(conn, `{"type":"cancel_execution","execution_id":"unknown"}`)
			frame := read(conn)
			Expect(frame["type"]).To(Equal("error"))
			Expect(frame["code"]).To(Equal(protocol.CodeCancelFailed))
		})

		It("cancels a running execution", func() {
			s.close()
			s = newStack(stackOptions{delay: 100 * time.Millisecond})
			conn := s.connect()

			send(conn, `{"type":"start_execution","resource_id":"abc","options":{}}`)
			started := read(conn)
			Expect(started["type"]).To(Equal("execution_started"))

			send(conn, fmt.Sprintf(`{"type":"cancel_execution","execution_id":%q}`, started["execution_id"]))
			frames := readUntil(conn, "execution_cancelled")
			Expect(ofKind(frames, "execution_completed")).To(BeEmpty())
			Eventually(s.eng.ActiveCount).Should(BeZero())
		})

		It("keeps the connection open after protocol errors", func() {
			conn := s.connect()

			send(conn, `{"type":"subscrib","topic":"resource:abc"}`)
			frame := read(conn)
			Expect(frame["code"]).To(Equal(protocol.CodeUnknownMessage))
			Expect(frame["message"]).To(ContainSubstring("subscribe"))

			send(conn, `{{{`)
			Expect(read(conn)["code"]).To(Equal(protocol.CodeInvalidMessage))

			send(conn, `{"type":"ping","request_id":9}`)
			pong := read(conn)
			Expect(pong["type"]).To(Equal("pong"))
			Expect(pong["request_id"]).To(Equal("9"))
		})

		It("tells subscribers about messages from other sessions", func() {
			watcher := s.connect()
			send(watcher, `{"type":"subscribe","topic":"mission:abc"}`)
			Expect(read(watcher)["type"]).To(Equal("subscribed"))

			author := s.connect()
			send(author, `{"type":"send_message","resource_id":"abc","content":"hello"}`)
			Expect(read(author)["type"]).To(Equal("resource_changed"))

			changed := read(watcher)
			Expect(changed["type"]).To(Equal("resource_changed"))
			Expect(changed["change"]).To(Equal(protocol.ChangeMessageCreated))
		})

		It("removes the session and cancels its executions on disconnect", func() {
			s.close()
			s = newStack(stackOptions{delay: 100 * time.Millisecond})
			conn := s.connect()

			send(conn, `{"type":"start_execution","resource_id":"abc","options":{}}`)
			Expect(read(conn)["type"]).To(Equal("execution_started"))
			Expect(conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))).To(Succeed())

			Eventually(s.reg.Count).Should(BeZero())
			Eventually(s.eng.ActiveCount).Should(BeZero())
			Eventually(func() int64 {
				return s.srv.Stats().Snapshot().DisconnectReasons["client-closed"]
			}).Should(BeEquivalentTo(1))

			msgs, err := s.repo.ListMessages(context.Background(), "abc")
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(BeEmpty())
		})
	})

	Describe("heartbeat", func() {
		BeforeEach(func() {
			s = newStack(stackOptions{supervisor: supervisor.Config{
				PingInterval:   30 * time.Millisecond,
				PongMultiplier: 2,
			}})
		})

		It("closes a connection that stops answering pings", func() {
			conn := s.connect()
			Expect(s.reg.Count()).To(Equal(1))

			// Not reading means gorilla never answers the server's pings.
			Eventually(s.reg.Count, 2*time.Second).Should(BeZero())
			Expect(s.reg.Broadcast(protocol.Push(protocol.Notification{Level: "info", Title: "late"}))).To(BeZero())
			Eventually(func() int64 {
				return s.srv.Stats().Snapshot().DisconnectReasons["timeout"]
			}).Should(BeEquivalentTo(1))

			var closeErr *websocket.CloseError
			Eventually(func() bool {
				_ = conn.SetReadDeadline(time.Now().Add(time.Second))
				_, _, err := conn.ReadMessage()
				return errors.As(err, &closeErr)
			}).Should(BeTrue())
			Expect(closeErr.Code).To(Equal(websocket.CloseGoingAway))
		})

		It("keeps a reading client alive", func() {
			conn := s.connect()
			heartbeats := 0
			deadline := time.Now().Add(300 * time.Millisecond)
			for time.Now().Before(deadline) {
				Expect(conn.SetReadDeadline(time.Now().Add(time.Second))).To(Succeed())
				var frame map[string]any
				Expect(conn.ReadJSON(&frame)).To(Succeed())
				if frame["type"] == "heartbeat" {
					heartbeats++
				}
			}
			Expect(heartbeats).To(BeNumerically(">", 1))
			Expect(s.reg.Count()).To(Equal(1))
		})
	})

	Describe("with authentication", func() {
		BeforeEach(func() {
			s = newStack(stackOptions{
				supervisor: supervisor.Config{AuthRequired: true, AuthTimeout: 200 * time.Millisecond},
				tokens:     map[string]string{"secret-token": "alice"},
			})
		})

		It("accepts a bearer header", func() {
			conn, err := s.dial("client_id=desk-1", http.Header{"Authorization": {"Bearer secret-token"}})
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			welcome := read(conn)
			Expect(welcome["type"]).To(Equal("welcome"))
			Expect(welcome["authenticated"]).To(BeTrue())
			Expect(welcome["user_id"]).To(Equal("alice"))

			session, ok := s.reg.Get(welcome["session_id"].(string))
			Expect(ok).To(BeTrue())
			Expect(session.ClientID).To(Equal("desk-1"))
		})

		It("accepts an authenticate frame", func() {
			conn, err := s.dial("", nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			send(conn, `{"type":"authenticate","token":"secret-token","request_id":"auth"}`)
			welcome := read(conn)
			Expect(welcome["type"]).To(Equal("welcome"))
			Expect(welcome["request_id"]).To(Equal("auth"))
		})

		It("closes on a bad token", func() {
			conn, err := s.dial("token=wrong", nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			frame := read(conn)
			Expect(frame["code"]).To(Equal(protocol.CodeAuthFailed))

			_, _, err = conn.ReadMessage()
			var closeErr *websocket.CloseError
			Expect(errors.As(err, &closeErr)).To(BeTrue())
			Expect(closeErr.Code).To(Equal(websocket.ClosePolicyViolation))
			Expect(s.reg.Count()).To(BeZero())
		})

		It("closes when no credential arrives in time", func() {
			conn, err := s.dial("", nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			frame := read(conn)
			Expect(frame["code"]).To(Equal(protocol.CodeAuthTimeout))
			Eventually(func() int64 {
				return s.srv.Stats().Snapshot().DisconnectReasons["timeout"]
			}).Should(BeEquivalentTo(1))
		})
	})

	Describe("status", func() {
		BeforeEach(func() {
			s = newStack(stackOptions{})
		})

		It("reports live sessions and backends", func() {
			s.connect()
			Eventually(func() int {
				resp, err := http.Get(s.http.URL + "/status")
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				var body struct {
					Sessions int      `json:"sessions"`
					Backends []string `json:"backends"`
				}
				Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
				Expect(body.Backends).To(ContainElement("local"))
				return body.Sessions
			}).Should(Equal(1))
		})
	})
})
