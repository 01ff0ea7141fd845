package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"graal-conv/pump"
)

var errNoSuchKernel = errors.New("no such kernel")

type fakeController struct {
	mu       sync.Mutex
	switches []SwitchKernelPayload
	duck     DuckPayload
}

func (f *fakeController) Status() pump.Status {
	return pump.Status{
		Blocks: 42,
		Meters: []pump.Meter{{Peak: 1, RMS: 0.5}, {Peak: 0, RMS: 0}},
		Sources: []pump.SourceStatus{
			{Name: "music", Active: "hall", Slots: []string{"active", "idle"}, Stage: "idle"},
		},
	}
}

func (f *fakeController) NumSources() int { return 1 }

func (f *fakeController) Kernels(source int) []pump.KernelInfo {
	if source != 0 {
		return nil
	}

	return []pump.KernelInfo{
		{Index: 0, Name: "hall", Channels: 2, Length: 4800},
		{Index: 1, Name: "plate", Channels: 2, Length: 2400},
	}
}

func (f *fakeController) RequestKernel(source, index int) error {
	if source != 0 || index > 1 {
		return errNoSuchKernel
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.switches = append(f.switches, SwitchKernelPayload{Source: source, Index: index})

	return nil
}

func (f *fakeController) SetDuck(enabled bool, gain float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.duck = DuckPayload{Enabled: enabled, Gain: gain}
}

func (f *fakeController) snapshot() ([]SwitchKernelPayload, DuckPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]SwitchKernelPayload(nil), f.switches...), f.duck
}

func newTestServer(t *testing.T) (*fakeController, *httptest.Server) {
	t.Helper()

	ctrl := &fakeController{}
	s := NewServer(ctrl, 0)

	handler, err := s.Handler()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Run(ctx)

	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})

	return ctrl, ts
}

func TestAPI(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	tests := []struct {
		path  string
		check func(t *testing.T, body *json.Decoder)
	}{
		{"/api/status", func(t *testing.T, dec *json.Decoder) {
			var st StatusPayload
			if err := dec.Decode(&st); err != nil {
				t.Fatal(err)
			}

			if st.Blocks != 42 || len(st.PeakDB) != 2 || st.PeakDB[0] != 0 || st.PeakDB[1] != -96 {
				t.Errorf("status %+v", st)
			}

			if len(st.Sources) != 1 || st.Sources[0].Active != "hall" {
				t.Errorf("sources %+v", st.Sources)
			}
		}},
		{"/api/kernels", func(t *testing.T, dec *json.Decoder) {
			var list []SourceKernels
			if err := dec.Decode(&list); err != nil {
				t.Fatal(err)
			}

			if len(list) != 1 || list[0].Name != "music" || len(list[0].Kernels) != 2 {
				t.Errorf("kernels %+v", list)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(strings.TrimPrefix(tt.path, "/api/"), func(t *testing.T) {
			t.Parallel()

			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status %d", resp.StatusCode)
			}

			tt.check(t, json.NewDecoder(resp.Body))
		})
	}
}

func TestIndex(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("index: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	resp, err = http.Get(ts.URL + "/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing page: %d", resp.StatusCode)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn, typ string) Message {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}

		if msg.Type == typ {
			return msg
		}
	}
}

func TestWebSocket(t *testing.T) {
	t.Parallel()

	ctrl, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	defer conn.Close()

	var list []SourceKernels
	if err := json.Unmarshal(readMessage(t, conn, "kernels").Payload, &list); err != nil {
		t.Fatal(err)
	}

	if len(list) != 1 || list[0].Kernels[1].Name != "plate" {
		t.Errorf("kernels %+v", list)
	}

	send := func(typ string, payload any) {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}

		if err := conn.WriteJSON(Message{Type: typ, Payload: raw}); err != nil {
			t.Fatal(err)
		}
	}

	send("switch_kernel", SwitchKernelPayload{Source: 0, Index: 1})
	send("set_duck", DuckPayload{Enabled: true, Gain: 0.25})
	send("switch_kernel", SwitchKernelPayload{Source: 0, Index: 7})

	var reply ErrorPayload
	if err := json.Unmarshal(readMessage(t, conn, "error").Payload, &reply); err != nil {
		t.Fatal(err)
	}

	if reply.Request != "switch_kernel" || reply.Error != errNoSuchKernel.Error() {
		t.Errorf("error reply %+v", reply)
	}

	// Messages are handled in order, so the first two are done by now.
	switches, duck := ctrl.snapshot()
	if len(switches) != 1 || switches[0].Index != 1 {
		t.Errorf("switches %+v", switches)
	}

	if !duck.Enabled || duck.Gain != 0.25 {
		t.Errorf("duck %+v", duck)
	}

	// Periodic status keeps arriving.
	var st StatusPayload
	if err := json.Unmarshal(readMessage(t, conn, "status").Payload, &st); err != nil {
		t.Fatal(err)
	}

	if st.Blocks != 42 {
		t.Errorf("status blocks %d", st.Blocks)
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	c := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- c

	for h.ClientCount() != 1 {
		time.Sleep(time.Millisecond)
	}

	h.Broadcast([]byte("a"))
	h.Broadcast([]byte("b"))

	deadline := time.Now().Add(5 * time.Second)
	for h.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was not dropped")
		}

		time.Sleep(time.Millisecond)
	}

	// The send channel is closed after the buffered message.
	if msg := <-c.send; string(msg) != "a" {
		t.Errorf("first message %q", msg)
	}

	if _, ok := <-c.send; ok {
		t.Error("send channel still open")
	}
}

func TestShutdownStopsStart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		shutdownFirst bool
	}{
		{"before start", true},
		{"racing start", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewServer(&fakeController{}, 0)

			if tt.shutdownFirst {
				if err := s.Shutdown(t.Context()); err != nil {
					t.Fatalf("Shutdown: %v", err)
				}
			}

			done := make(chan error, 1)
			go func() { done <- s.Start() }()

			if !tt.shutdownFirst {
				if err := s.Shutdown(t.Context()); err != nil {
					t.Fatalf("Shutdown: %v", err)
				}
			}

			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Start = %v, want nil", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Start still running after Shutdown")
			}
		})
	}
}
