package tcpevent

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/unikernel-go/netstack/addr"
)

type testHandler struct {
	opens, closes int
	opened, closed FlowEvent
	wg             sync.WaitGroup
}

func (t *testHandler) Opened(ev FlowEvent) {
	t.opens++
	t.opened = ev
	t.wg.Done()
}

func (t *testHandler) Closed(ev FlowEvent) {
	t.closes++
	t.closed = ev
	t.wg.Done()
}

func TestServerAndClient(t *testing.T) {
	dir := t.TempDir()
	sockPath := dir + "/tcpevents.sock"

	srv := New(sockPath).(*server)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srvCtx, srvCancel := context.WithCancel(context.Background())
	defer srvCancel()
	go srv.Serve(srvCtx)

	clientCtx, clientCancel := context.WithCancel(context.Background())
	th := &testHandler{}
	th.wg.Add(2)
	clientDone := make(chan struct{})
	go func() {
		MustRun(clientCtx, sockPath, th)
		close(clientDone)
	}()

	quad := addr.Quadruple{
		Src: addr.Socket4{Addr: addr.NewIPv4(10, 0, 0, 1), Port: 1234},
		Dst: addr.Socket4{Addr: addr.NewIPv4(10, 0, 0, 2), Port: 80},
	}
	srv.FlowOpened(time.Now(), quad)
	srv.FlowClosed(time.Now(), quad)
	th.wg.Wait()

	if th.opens != 1 || th.closes != 1 {
		t.Errorf("opens=%d closes=%d, want 1,1", th.opens, th.closes)
	}

	th.opened.Timestamp = time.Time{}
	if diff := deep.Equal(th.opened, FlowEvent{Opened, time.Time{}, quad}); diff != nil {
		t.Error("opened event differed from expected:", diff)
	}
	th.closed.Timestamp = time.Time{}
	if diff := deep.Equal(th.closed, FlowEvent{Closed, time.Time{}, quad}); diff != nil {
		t.Error("closed event differed from expected:", diff)
	}

	clientCancel()
	<-clientDone
	os.Remove(sockPath)
}

func TestNullServerIsNoOp(t *testing.T) {
	s := NullServer()
	if err := s.Listen(); err != nil {
		t.Errorf("NullServer.Listen() = %v, want nil", err)
	}
	s.FlowOpened(time.Now(), addr.Quadruple{})
	s.FlowClosed(time.Now(), addr.Quadruple{})
}
