package tunnel_test

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/udsrelay/tunnel/internal/config"
	"github.com/udsrelay/tunnel/internal/srcfilter"
	"github.com/udsrelay/tunnel/internal/stats"
	"github.com/udsrelay/tunnel/internal/tunnel"
	"github.com/udsrelay/tunnel/internal/upstream"
	"github.com/udsrelay/tunnel/logger"

	liberr "github.com/udsrelay/tunnel/errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeUpstream is an in-memory stand-in for the broker's two endpoints.
type fakeUpstream struct {
	mu           sync.Mutex
	resolveCalls int
	resolveErr   liberr.Error
	resolution   upstream.Resolution

	notifyCalls []notifyCall
}

type notifyCall struct {
	token      string
	sent, recv uint64
}

func (f *fakeUpstream) Resolve(_ context.Context, _, _ string) (upstream.Resolution, liberr.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	if f.resolveErr != nil {
		return upstream.Resolution{}, f.resolveErr
	}
	return f.resolution, nil
}

func (f *fakeUpstream) Notify(_ context.Context, token string, sent, recv uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyCalls = append(f.notifyCalls, notifyCall{token, sent, recv})
	return nil
}

func (f *fakeUpstream) calls() (resolve int, notifies []notifyCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveCalls, append([]notifyCall(nil), f.notifyCalls...)
}

func newTestEngine(up *fakeUpstream, backend net.Conn, allow []string, secret string) (*tunnel.Engine, *stats.Registry, *srcfilter.Filter) {
	reg := stats.NewRegistry()
	filter := srcfilter.New(srcfilter.DefaultAllowedFails, srcfilter.DefaultWindow)
	log := logger.New(io.Discard, logger.DebugLevel)

	e := &tunnel.Engine{
		Cfg: config.Config{
			Allow:      allow,
			Secret:     secret,
			UDSTimeout: time.Second,
			Workers:    128,
		},
		Up:       up,
		Registry: reg,
		Filter:   filter,
		Log:      log,
		Dial: func(_ context.Context, _, _ string) (net.Conn, error) {
			if backend == nil {
				return nil, errors.New("dial refused")
			}
			return backend, nil
		},
	}
	return e, reg, filter
}

var _ = Describe("Engine", func() {
	Describe("TEST command", func() {
		It("replies OK and closes without dialing a backend", func() {
			up := &fakeUpstream{}
			e, _, _ := newTestEngine(up, nil, nil, "")

			clientSide, serverSide := net.Pipe()
			done := make(chan struct{})
			go func() { e.Handle(context.Background(), serverSide); close(done) }()

			_, err := clientSide.Write([]byte("TEST"))
			Expect(err).NotTo(HaveOccurred())

			reply := make([]byte, 3)
			_, err = io.ReadFull(clientSide, reply)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(reply)).To(Equal(tunnel.RespOK + "\n"))

			Eventually(done).Should(BeClosed())
			resolveCalls, _ := up.calls()
			Expect(resolveCalls).To(Equal(0))
		})
	})

	Describe("unknown command", func() {
		It("replies ERROR_COMMAND and records a failure", func() {
			up := &fakeUpstream{}
			e, _, filter := newTestEngine(up, nil, nil, "")

			clientSide, serverSide := net.Pipe()
			go func() { e.Handle(context.Background(), serverSide) }()

			_, err := clientSide.Write([]byte("ZZZZ"))
			Expect(err).NotTo(HaveOccurred())

			reply, err := io.ReadAll(clientSide)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(reply)).To(Equal(tunnel.RespErrorCommand))
			Expect(filter.Blocked("pipe")).To(BeFalse()) // single failure, below default threshold
		})
	})

	Describe("OPEN with an invalid ticket", func() {
		It("replies ERROR_TICKET without calling upstream", func() {
			up := &fakeUpstream{}
			e, _, _ := newTestEngine(up, nil, nil, "")

			clientSide, serverSide := net.Pipe()
			go func() { e.Handle(context.Background(), serverSide) }()

			badTicket := strings.Repeat("A", 47) + "-"
			_, err := clientSide.Write(append([]byte("OPEN"), []byte(badTicket)...))
			Expect(err).NotTo(HaveOccurred())

			reply, err := io.ReadAll(clientSide)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(reply)).To(Equal(tunnel.RespErrorTicket))

			resolveCalls, _ := up.calls()
			Expect(resolveCalls).To(Equal(0))
		})
	})

	Describe("OPEN when upstream resolution fails", func() {
		It("replies ERROR_TICKET and never dials a backend", func() {
			up := &fakeUpstream{resolveErr: liberr.New(liberr.UpstreamError, "boom")}
			e, _, _ := newTestEngine(up, nil, nil, "")
			dialed := false
			e.Dial = func(_ context.Context, _, _ string) (net.Conn, error) {
				dialed = true
				return nil, errors.New("dial refused")
			}

			clientSide, serverSide := net.Pipe()
			go func() { e.Handle(context.Background(), serverSide) }()

			ticket := strings.Repeat("A", 48)
			_, err := clientSide.Write(append([]byte("OPEN"), []byte(ticket)...))
			Expect(err).NotTo(HaveOccurred())

			reply, err := io.ReadAll(clientSide)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(reply)).To(Equal(tunnel.RespErrorTicket))
			Expect(dialed).To(BeFalse())
		})
	})

	Describe("OPEN happy path", func() {
		It("forwards bytes in both directions and notifies exactly once", func() {
			backendClientSide, backendServerSide := net.Pipe()
			up := &fakeUpstream{
				resolution: upstream.Resolution{Host: "10.0.0.9", Port: 5555, Notify: "NTOK"},
			}
			e, reg, _ := newTestEngine(up, backendServerSide, nil, "")

			// echo server standing in for the backend
			go func() {
				buf := make([]byte, 5)
				_, _ = io.ReadFull(backendClientSide, buf)
				_, _ = backendClientSide.Write(buf)
				_ = backendClientSide.Close()
			}()

			clientSide, serverSide := net.Pipe()
			done := make(chan struct{})
			go func() { e.Handle(context.Background(), serverSide); close(done) }()

			ticket := strings.Repeat("A", 48)
			_, err := clientSide.Write(append([]byte("OPEN"), []byte(ticket)...))
			Expect(err).NotTo(HaveOccurred())

			okBuf := make([]byte, 2)
			_, err = io.ReadFull(clientSide, okBuf)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(okBuf)).To(Equal(tunnel.RespOK))

			Eventually(reg.Detailed, time.Second).Should(HaveLen(1))

			_, err = clientSide.Write([]byte("hello"))
			Expect(err).NotTo(HaveOccurred())

			echoed := make([]byte, 5)
			_, err = io.ReadFull(clientSide, echoed)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(echoed)).To(Equal("hello"))

			_ = clientSide.Close()
			Eventually(done, time.Second).Should(BeClosed())

			_, notifies := up.calls()
			Expect(notifies).To(HaveLen(1))
			Expect(notifies[0].token).To(Equal("NTOK"))
			Expect(notifies[0].sent).To(Equal(uint64(5)))
			Expect(notifies[0].recv).To(Equal(uint64(5)))

			Expect(reg.Detailed()).To(BeEmpty())
		})
	})

	Describe("admin commands", func() {
		It("forbids STAT from a source outside allow", func() {
			up := &fakeUpstream{}
			e, _, filter := newTestEngine(up, nil, []string{"10.0.0.1"}, "s3cret")

			clientSide, serverSide := net.Pipe()
			go func() { e.Handle(context.Background(), serverSide) }()

			_, err := clientSide.Write([]byte("STAT"))
			Expect(err).NotTo(HaveOccurred())

			reply, err := io.ReadAll(clientSide)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(reply)).To(Equal(tunnel.RespForbidden))
			_ = filter
		})

		It("forbids STAT with the wrong password from an allowed source", func() {
			// net.Pipe conns report RemoteAddr().String() == "pipe", which
			// HostOnly() passes through unchanged (no ":" to split on), so
			// "pipe" in allow exercises the allowed-source branch here.
			up := &fakeUpstream{}
			e, _, _ := newTestEngine(up, nil, []string{"pipe"}, "rightpassword")

			clientSide, serverSide := net.Pipe()
			go func() { e.Handle(context.Background(), serverSide) }()

			payload := append([]byte("STAT"), []byte(strings.Repeat("x", tunnel.PasswordLength))...)
			_, err := clientSide.Write(payload)
			Expect(err).NotTo(HaveOccurred())

			reply, err := io.ReadAll(clientSide)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(reply)).To(Equal(tunnel.RespForbidden))
		})

		It("returns a summary line to INFO from an allowed source with the right password", func() {
			secret := "rightpassword"
			up := &fakeUpstream{}
			e, _, _ := newTestEngine(up, nil, []string{"pipe"}, secret)

			clientSide, serverSide := net.Pipe()
			go func() { e.Handle(context.Background(), serverSide) }()

			padded := make([]byte, tunnel.PasswordLength)
			copy(padded, secret)
			payload := append([]byte("INFO"), padded...)
			_, err := clientSide.Write(payload)
			Expect(err).NotTo(HaveOccurred())

			reply, err := io.ReadAll(clientSide)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(reply)).To(ContainSubstring("sessions:0"))
		})
	})
})
