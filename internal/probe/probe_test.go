package probe

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/postalsys/udpecho/internal/udp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startResponder binds a loopback endpoint that answers one datagram with reply.
func startResponder(t *testing.T, reply udp.ReplyFunc) *udp.Endpoint {
	t.Helper()

	ep, err := udp.Listen(udp.Config{BindAddress: "127.0.0.1", Port: 0, BufferSize: udp.DefaultBufferSize})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ep.EchoOnce(ctx, reply)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		ep.Close()
	})
	return ep
}

func TestProbe_ReferenceExchange(t *testing.T) {
	ep := startResponder(t, udp.Fixed([]byte("Hello from server.")))

	result := Probe(context.Background(), Options{Address: ep.LocalAddr().String()})
	if !result.Success {
		t.Fatalf("Probe() failed: %v (%s)", result.Error, result.ErrorDetail)
	}
	if got := string(result.Reply); got != "Hello from server." {
		t.Errorf("Reply = %q, want %q", got, "Hello from server.")
	}
	if result.Sent != len(DefaultPayload) {
		t.Errorf("Sent = %d, want %d", result.Sent, len(DefaultPayload))
	}
	if result.Target != ep.LocalAddr() {
		t.Errorf("Target = %v, want %v", result.Target, ep.LocalAddr())
	}
	if result.RTT <= 0 {
		t.Errorf("RTT = %v, want positive", result.RTT)
	}
	if result.Truncated {
		t.Error("Truncated = true, want false")
	}
}

func TestProbe_EchoesCustomPayload(t *testing.T) {
	ep := startResponder(t, udp.Echo)

	result := Probe(context.Background(), Options{
		Address: ep.LocalAddr().String(),
		Payload: []byte("ping 42"),
	})
	if !result.Success {
		t.Fatalf("Probe() failed: %v", result.Error)
	}
	if got := string(result.Reply); got != "ping 42" {
		t.Errorf("Reply = %q, want %q", got, "ping 42")
	}
}

func TestProbe_HostnameResolution(t *testing.T) {
	ep := startResponder(t, udp.Echo)

	addr := "localhost:" + strings.TrimPrefix(ep.LocalAddr().String(), "127.0.0.1:")
	result := Probe(context.Background(), Options{Address: addr, Timeout: 2 * time.Second})
	if !result.Success {
		t.Skipf("localhost did not resolve to 127.0.0.1 here: %v", result.Error)
	}
	if !result.Target.Addr().Is4() {
		t.Errorf("Target = %v, want IPv4 preferred", result.Target)
	}
}

func TestProbe_TruncatedReply(t *testing.T) {
	ep := startResponder(t, udp.Fixed([]byte("Hello from server.")))

	result := Probe(context.Background(), Options{
		Address:    ep.LocalAddr().String(),
		BufferSize: 4,
	})
	if !result.Success {
		t.Fatalf("Probe() failed: %v", result.Error)
	}
	if !result.Truncated {
		t.Error("Truncated = false, want true")
	}
	if got := string(result.Reply); got != "Hell" {
		t.Errorf("Reply = %q, want %q", got, "Hell")
	}
	if !errors.Is(result.Error, udp.ErrTruncatedMessage) {
		t.Errorf("Error = %v, want ErrTruncatedMessage", result.Error)
	}
}

func TestProbe_Timeout(t *testing.T) {
	silent, err := udp.Listen(udp.Config{BindAddress: "127.0.0.1", Port: 0, BufferSize: 64})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer silent.Close()

	result := Probe(context.Background(), Options{
		Address: silent.LocalAddr().String(),
		Timeout: 100 * time.Millisecond,
	})
	if result.Success {
		t.Fatal("Probe() succeeded against a silent endpoint")
	}
	if !errors.Is(result.Error, context.DeadlineExceeded) {
		t.Errorf("Error = %v, want context.DeadlineExceeded", result.Error)
	}
	if !strings.Contains(result.ErrorDetail, "No reply") {
		t.Errorf("ErrorDetail = %q, want timeout description", result.ErrorDetail)
	}
}

func TestProbe_InvalidAddress(t *testing.T) {
	tests := []string{
		"no-port",
		"127.0.0.1:0",
	}

	for _, addr := range tests {
		t.Run(addr, func(t *testing.T) {
			result := Probe(context.Background(), Options{Address: addr, Timeout: time.Second})
			if result.Success {
				t.Fatal("Probe() succeeded, want error")
			}
			if result.Error == nil || result.ErrorDetail == "" {
				t.Errorf("Result = %+v, want Error and ErrorDetail", result)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&udp.Error{Kind: udp.ErrReceive, Op: udp.OpReceive, Err: context.DeadlineExceeded}, "No reply"},
		{&udp.Error{Kind: udp.ErrSend, Op: udp.OpSend, Err: udp.ErrPayloadTooLarge}, "Payload too large"},
		{&udp.Error{Kind: udp.ErrBind, Op: udp.OpListen, Err: errors.New("address in use")}, "Could not create local socket"},
		{&udp.Error{Kind: udp.ErrTruncatedMessage, Op: udp.OpReceive, Err: errors.New("big")}, "Reply larger"},
	}

	for _, tc := range tests {
		got := classifyError(tc.err)
		if tc.want == "" {
			if got != "" {
				t.Errorf("classifyError(nil) = %q, want empty", got)
			}
			continue
		}
		if !strings.Contains(got, tc.want) {
			t.Errorf("classifyError(%v) = %q, want it to contain %q", tc.err, got, tc.want)
		}
	}
}
