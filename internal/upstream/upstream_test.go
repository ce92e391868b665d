package upstream_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/udsrelay/tunnel/internal/upstream"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Client", func() {
	var srv *httptest.Server
	var cl upstream.Client

	AfterEach(func() {
		if srv != nil {
			srv.Close()
		}
	})

	Describe("Resolve", func() {
		It("decodes a successful JSON resolution", func() {
			srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Path).To(Equal("/AAAA/10.0.0.1/tok1"))
				w.Header().Set("Content-Type", "application/json")
				_, _ = fmt.Fprint(w, `{"host":"127.0.0.1","port":5555,"notify":"N1"}`)
			}))
			cl = upstream.New(srv.URL, "tok1", 2*time.Second, nil)

			res, err := cl.Resolve(context.Background(), "AAAA", "10.0.0.1")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Host).To(Equal("127.0.0.1"))
			Expect(res.Port).To(Equal(5555))
			Expect(res.Notify).To(Equal("N1"))
		})

		It("fails on a non-2xx status", func() {
			srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			}))
			cl = upstream.New(srv.URL, "tok1", 2*time.Second, nil)

			_, err := cl.Resolve(context.Background(), "AAAA", "10.0.0.1")
			Expect(err).To(HaveOccurred())
		})

		It("fails when a required field is missing", func() {
			srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = fmt.Fprint(w, `{"host":"127.0.0.1","port":5555}`)
			}))
			cl = upstream.New(srv.URL, "tok1", 2*time.Second, nil)

			_, err := cl.Resolve(context.Background(), "AAAA", "10.0.0.1")
			Expect(err).To(HaveOccurred())
		})

		It("fails on malformed JSON", func() {
			srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = fmt.Fprint(w, `not json`)
			}))
			cl = upstream.New(srv.URL, "tok1", 2*time.Second, nil)

			_, err := cl.Resolve(context.Background(), "AAAA", "10.0.0.1")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Notify", func() {
		It("sends sent/recv as query parameters", func() {
			srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.URL.Path).To(Equal("/N1/stop/tok1"))
				Expect(r.URL.Query().Get("sent")).To(Equal("5"))
				Expect(r.URL.Query().Get("recv")).To(Equal("7"))
			}))
			cl = upstream.New(srv.URL, "tok1", 2*time.Second, nil)

			err := cl.Notify(context.Background(), "N1", 5, 7)
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns an error instead of panicking when the broker is unreachable", func() {
			cl = upstream.New("http://127.0.0.1:1", "tok1", 200*time.Millisecond, nil)
			err := cl.Notify(context.Background(), "N1", 1, 1)
			Expect(err).To(HaveOccurred())
		})
	})
})
