package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"devbridge/internal/event"
	"devbridge/internal/keyboard"
	"devbridge/internal/session"
	"devbridge/internal/wire"
)

type frame struct {
	msgType int
	data    []byte
}

type fakeConn struct {
	in     chan frame
	out    chan frame
	block  chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan frame, 16),
		out:    make(chan frame, 128),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.msgType, f.data, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-c.closed:
			return errors.New("closed")
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.out <- frame{msgType: messageType, data: cp}:
		return nil
	case <-c.closed:
		return errors.New("closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sendText(t *testing.T, event string, payload any) {
	t.Helper()
	msg, err := wire.Encode(event, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.in <- frame{msgType: websocket.TextMessage, data: msg}
}

type consoleSend struct {
	input   string
	raw     bool
	session string
}

type fakeVideo struct{ port int }

func (v fakeVideo) Format() string { return "VNC" }
func (v fakeVideo) URL(host string) string {
	return fmt.Sprintf("ws://%s:%d", host, v.port)
}

type fakeAgent struct {
	version    string
	versionErr error
	dump       string
	dumpErr    error
	video      Video
	kb         keyboard.Driver
	toggle     string
	toggleErr  error
	// onDump runs inside ConsoleDump, before the dump is returned
	onDump func()

	sends   chan consoleSend
	mu      sync.Mutex
	toggles []string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{version: "0.31", dump: "U-Boot 2024.01\r\n", sends: make(chan consoleSend, 16)}
}

func (a *fakeAgent) AgentVersion(ctx context.Context) (string, error) {
	return a.version, a.versionErr
}

func (a *fakeAgent) ConsoleDump(ctx context.Context) (string, error) {
	if a.onDump != nil {
		a.onDump()
	}
	return a.dump, a.dumpErr
}

func (a *fakeAgent) ConsoleSend(ctx context.Context, input string, raw bool, session string) error {
	a.sends <- consoleSend{input: input, raw: raw, session: session}
	return nil
}

func (a *fakeAgent) TargetToggle(ctx context.Context, session string) (string, error) {
	a.mu.Lock()
	a.toggles = append(a.toggles, session)
	a.mu.Unlock()
	return a.toggle, a.toggleErr
}

func (a *fakeAgent) Video() Video {
	return a.video
}

func (a *fakeAgent) Keyboard() keyboard.Driver {
	return a.kb
}

type recordingDriver struct {
	keyboard.Keys
	mu     sync.Mutex
	calls  []string
	result bool
}

func newRecordingDriver() *recordingDriver {
	d := &recordingDriver{result: true}
	d.Keys = keyboard.Keys{PressFunc: func(key keyboard.Key, repeat int) bool {
		d.record(fmt.Sprintf("%s x%d", key, repeat))
		return d.result
	}}
	return d
}

func (d *recordingDriver) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

func (d *recordingDriver) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *recordingDriver) Configure(map[string]string) error { return nil }
func (d *recordingDriver) Probe() bool                       { return true }
func (d *recordingDriver) Idle() bool                        { return true }
func (d *recordingDriver) Write(text string) bool {
	d.record("write " + text)
	return d.result
}

func connect(t *testing.T, b *Bridge, host string) (*fakeConn, *session.Scope) {
	t.Helper()
	conn := newFakeConn()
	scope := &session.Scope{}
	done := make(chan struct{})
	go func() {
		b.ServeConn(conn, Peer{Host: host, Scope: scope})
		close(done)
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		<-done
	})
	return conn, scope
}

func waitClients(t *testing.T, b *Bridge, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, b.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *fakeConn) wire.Frame {
	t.Helper()
	select {
	case f := <-conn.out:
		if f.msgType != websocket.TextMessage {
			t.Fatalf("expected text frame, got %d", f.msgType)
		}
		decoded, err := wire.Decode(f.data)
		if err != nil {
			t.Fatalf("decode %q: %v", f.data, err)
		}
		return decoded
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return wire.Frame{}
}

func expectNoFrame(t *testing.T, conn *fakeConn) {
	t.Helper()
	select {
	case f := <-conn.out:
		t.Fatalf("unexpected frame %s", f.data)
	case <-time.After(50 * time.Millisecond):
	}
}

func payload[T any](t *testing.T, f wire.Frame) T {
	t.Helper()
	var v T
	if err := f.Payload(&v); err != nil {
		t.Fatalf("payload of %s: %v", f.Event, err)
	}
	return v
}

func TestSnapshotOrderWithVideo(t *testing.T) {
	agent := newFakeAgent()
	agent.video = fakeVideo{port: 5901}
	b := New(agent, nil)
	conn, _ := connect(t, b, "board.local:5000")

	f := readFrame(t, conn)
	if f.Event != wire.Version || payload[wire.VersionPayload](t, f).Version != "0.31" {
		t.Fatalf("expected version first, got %s %s", f.Event, f.Data)
	}
	f = readFrame(t, conn)
	if f.Event != wire.ConsoleOutput || payload[wire.OutputPayload](t, f).Output != agent.dump {
		t.Fatalf("expected console dump second, got %s %s", f.Event, f.Data)
	}
	f = readFrame(t, conn)
	video := payload[wire.VideoPayload](t, f)
	if f.Event != wire.VideoInfo || video.Format != "VNC" || video.URL != "ws://board.local:5901" {
		t.Fatalf("unexpected video frame %s %s", f.Event, f.Data)
	}
	expectNoFrame(t, conn)
}

func TestSnapshotWithoutVideo(t *testing.T) {
	b := New(newFakeAgent(), nil)
	conn, _ := connect(t, b, "localhost:5000")
	if f := readFrame(t, conn); f.Event != wire.Version {
		t.Fatalf("expected version, got %s", f.Event)
	}
	if f := readFrame(t, conn); f.Event != wire.ConsoleOutput {
		t.Fatalf("expected console output, got %s", f.Event)
	}
	expectNoFrame(t, conn)
}

func TestSnapshotSkipsFailedAgentCalls(t *testing.T) {
	agent := newFakeAgent()
	agent.versionErr = errors.New("agent busy")
	b := New(agent, nil)
	conn, _ := connect(t, b, "localhost")
	if f := readFrame(t, conn); f.Event != wire.ConsoleOutput {
		t.Fatalf("expected console output only, got %s", f.Event)
	}
	expectNoFrame(t, conn)
}

func TestEventsDuringSnapshotFollowIt(t *testing.T) {
	agent := newFakeAgent()
	b := New(agent, nil)
	agent.onDump = func() {
		b.Write(event.Console, "LATE")
		b.Notify(event.Power, "ON")
	}
	conn, _ := connect(t, b, "localhost")

	want := []string{
		wire.Version + " 0.31",
		wire.ConsoleOutput + " U-Boot 2024.01\r\n",
		wire.ConsoleOutput + " LATE",
		wire.PowerEvent + " ON",
	}
	for i, w := range want {
		f := readFrame(t, conn)
		var got string
		switch f.Event {
		case wire.Version:
			got = f.Event + " " + payload[wire.VersionPayload](t, f).Version
		case wire.ConsoleOutput:
			got = f.Event + " " + payload[wire.OutputPayload](t, f).Output
		case wire.PowerEvent:
			got = fmt.Sprintf("%s %v", f.Event, payload[wire.EventPayload](t, f).Event)
		default:
			got = f.Event
		}
		if got != w {
			t.Fatalf("frame %d: expected %q, got %q", i, w, got)
		}
	}
	expectNoFrame(t, conn)
	waitClients(t, b, 1)
}

func TestBacklogOverflowDuringSnapshotDropsClient(t *testing.T) {
	agent := newFakeAgent()
	b := New(agent, nil, WithQueueSize(4))
	agent.onDump = func() {
		b.Write(event.Console, "one")
		b.Write(event.Console, "two")
	}
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		b.ServeConn(conn, Peer{Host: "localhost"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("client with an overflowing backlog was kept")
	}
	if !conn.isClosed() {
		t.Fatalf("expected connection closed")
	}
	if n := b.Clients(); n != 0 {
		t.Fatalf("expected no clients, have %d", n)
	}
}

func TestNoAgentConnectionStaysSilentButLive(t *testing.T) {
	b := New(nil, nil)
	conn, _ := connect(t, b, "localhost")
	waitClients(t, b, 1)
	expectNoFrame(t, conn)

	b.Notify(event.Power, "ON")
	f := readFrame(t, conn)
	if f.Event != wire.PowerEvent || payload[wire.EventPayload](t, f).Event != "ON" {
		t.Fatalf("unexpected frame %s %s", f.Event, f.Data)
	}
}

func TestConsoleInputCarriesSession(t *testing.T) {
	agent := newFakeAgent()
	b := New(agent, nil)
	conn, scope := connect(t, b, "localhost")
	waitClients(t, b, 1)

	conn.sendText(t, wire.ConsoleInput, wire.InputPayload{Input: "ls\n"})
	select {
	case got := <-agent.sends:
		id, ok := b.Sessions().ID(scope)
		if !ok {
			t.Fatalf("expected a session on the connection scope")
		}
		if got.input != "ls\n" || got.raw || got.session != id {
			t.Fatalf("unexpected console send %+v (session %s)", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("console input never reached the agent")
	}
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	agent := newFakeAgent()
	b := New(agent, nil)
	conn, _ := connect(t, b, "localhost")
	waitClients(t, b, 1)

	conn.in <- frame{msgType: websocket.TextMessage, data: []byte("{not json")}
	conn.in <- frame{msgType: websocket.BinaryMessage, data: []byte("raw")}
	conn.sendText(t, "console-resize", map[string]int{"cols": 80})
	conn.sendText(t, wire.ConsoleInput, wire.InputPayload{Input: "x"})

	select {
	case got := <-agent.sends:
		if got.input != "x" {
			t.Fatalf("unexpected console send %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connection stopped reading after bad frames")
	}
}

func TestNotifyReachesOnlyLiveClients(t *testing.T) {
	b := New(nil, nil)
	a, _ := connect(t, b, "localhost")
	other, _ := connect(t, b, "localhost")
	waitClients(t, b, 2)

	b.Notify(event.Session, "ACTIVE 1")
	for _, conn := range []*fakeConn{a, other} {
		if f := readFrame(t, conn); f.Event != wire.SessionEvent {
			t.Fatalf("expected session event, got %s", f.Event)
		}
	}

	_ = other.Close()
	waitClients(t, b, 1)
	late, _ := connect(t, b, "localhost")
	waitClients(t, b, 2)

	b.Notify(event.Storage, "HOST")
	f := readFrame(t, a)
	if f.Event != wire.StorageEvent || payload[wire.EventPayload](t, f).Event != "HOST" {
		t.Fatalf("unexpected frame %s %s", f.Event, f.Data)
	}
	if f := readFrame(t, late); f.Event != wire.StorageEvent {
		t.Fatalf("late client expected only the later event, got %s", f.Event)
	}
	expectNoFrame(t, late)
	expectNoFrame(t, other)
}

func TestNotifyPreservesOrderPerKind(t *testing.T) {
	b := New(nil, nil)
	first, _ := connect(t, b, "localhost")
	second, _ := connect(t, b, "localhost")
	waitClients(t, b, 2)

	const n = 50
	for i := 0; i < n; i++ {
		b.Notify(event.Power, fmt.Sprintf("E%d", i))
	}
	for _, conn := range []*fakeConn{first, second} {
		for i := 0; i < n; i++ {
			got := payload[wire.EventPayload](t, readFrame(t, conn)).Event
			if got != fmt.Sprintf("E%d", i) {
				t.Fatalf("event %d out of order: %v", i, got)
			}
		}
	}
}

func TestNotifyUnknownKindIgnored(t *testing.T) {
	b := New(nil, nil)
	conn, _ := connect(t, b, "localhost")
	waitClients(t, b, 1)
	b.Notify(event.Kind(99), "x")
	expectNoFrame(t, conn)
}

func TestWriteRelaysConsoleOnly(t *testing.T) {
	b := New(nil, nil)
	conn, _ := connect(t, b, "localhost")
	waitClients(t, b, 1)

	b.Write(event.Monitor, "(qemu) ")
	b.Write(event.Topic("storage"), "x")
	b.Write(event.Console, "login: ")
	f := readFrame(t, conn)
	if f.Event != wire.ConsoleOutput || payload[wire.OutputPayload](t, f).Output != "login: " {
		t.Fatalf("unexpected frame %s %s", f.Event, f.Data)
	}
	expectNoFrame(t, conn)
}

func TestKeyboardInputWithoutAgentDoesNothing(t *testing.T) {
	d := newRecordingDriver()
	b := New(nil, d)
	b.KeyboardInput(context.Background(), "Enter")
	b.KeyboardInput(context.Background(), "a")
	if calls := d.recorded(); len(calls) != 0 {
		t.Fatalf("expected no driver calls without an agent, got %v", calls)
	}

	New(newFakeAgent(), nil).KeyboardInput(context.Background(), "Enter")
}

func TestKeyboardInputDispatch(t *testing.T) {
	d := newRecordingDriver()
	b := New(newFakeAgent(), d)
	b.KeyboardInput(context.Background(), "a")
	b.KeyboardInput(context.Background(), "Caps Lock")
	b.KeyboardInput(context.Background(), "Home")
	b.KeyboardInput(context.Background(), "")

	want := []string{"write a", "capslock x1"}
	got := d.recorded()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("calls %v, expected %v", got, want)
	}

	d.result = false
	b.KeyboardInput(context.Background(), "Tab")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.KeyboardInput(ctx, "b")
	if n := len(d.recorded()); n != 3 {
		t.Fatalf("expected 3 calls, got %d", n)
	}
}

func TestKeyboardFallsBackToAgentDriver(t *testing.T) {
	d := newRecordingDriver()
	agent := newFakeAgent()
	agent.kb = d
	b := New(agent, nil)
	b.KeyboardInput(context.Background(), "Esc")
	if got := d.recorded(); len(got) != 1 || got[0] != "esc x1" {
		t.Fatalf("unexpected calls %v", got)
	}
}

func TestPowerToggle(t *testing.T) {
	if got := New(nil, nil).PowerToggle(context.Background(), "abc"); got != "" {
		t.Fatalf("expected empty result without agent, got %q", got)
	}

	agent := newFakeAgent()
	agent.toggle = "ON"
	b := New(agent, nil)
	if got := b.PowerToggle(context.Background(), "abc"); got != "ON" {
		t.Fatalf("expected ON, got %q", got)
	}
	if got := b.PowerToggle(context.Background(), ""); got != "ON" {
		t.Fatalf("expected ON for an anonymous toggle, got %q", got)
	}
	agent.mu.Lock()
	toggles := append([]string(nil), agent.toggles...)
	agent.mu.Unlock()
	if len(toggles) != 2 || toggles[0] != "abc" || toggles[1] != "" {
		t.Fatalf("unexpected toggle sessions %v", toggles)
	}

	agent.toggleErr = errors.New("relay stuck")
	if got := b.PowerToggle(context.Background(), "abc"); got != "" {
		t.Fatalf("expected empty result on error, got %q", got)
	}
}

func TestConcurrentConnectionsGetDistinctSessions(t *testing.T) {
	b := New(nil, nil)
	const n = 20
	scopes := make([]*session.Scope, n)
	for i := range scopes {
		_, scopes[i] = connect(t, b, "localhost")
	}
	waitClients(t, b, n)
	seen := make(map[string]bool)
	for _, scope := range scopes {
		id, ok := b.Sessions().ID(scope)
		if !ok || seen[id] {
			t.Fatalf("missing or duplicate session %q", id)
		}
		seen[id] = true
	}
}

func TestSlowClientIsDisconnected(t *testing.T) {
	b := New(nil, nil, WithQueueSize(4))
	slow := newFakeConn()
	slow.block = make(chan struct{})
	done := make(chan struct{})
	go func() {
		b.ServeConn(slow, Peer{Host: "localhost"})
		close(done)
	}()
	fast, _ := connect(t, b, "localhost")
	waitClients(t, b, 2)

	for i := 0; i < 10; i++ {
		b.Notify(event.Power, i)
		readFrame(t, fast)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("slow client was never disconnected")
	}
	if !slow.isClosed() {
		t.Fatalf("expected slow connection to be closed")
	}
	waitClients(t, b, 1)
}

func TestCloseDisconnectsClients(t *testing.T) {
	b := New(nil, nil)
	conn, _ := connect(t, b, "localhost")
	waitClients(t, b, 1)
	b.Close()
	waitClients(t, b, 0)
	if !conn.isClosed() {
		t.Fatalf("expected connection closed")
	}
}

func TestServeWSSetsSessionCookie(t *testing.T) {
	agent := newFakeAgent()
	agent.video = fakeVideo{port: 5901}
	b := New(agent, nil)
	srv := httptest.NewServer(http.HandlerFunc(b.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatalf("upgrade response carried no session cookie")
	}

	var events []string
	var videoURL string
	for i := 0; i < 3; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		f, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		events = append(events, f.Event)
		if f.Event == wire.VideoInfo {
			videoURL = payload[wire.VideoPayload](t, f).URL
		}
	}
	if strings.Join(events, ",") != "mtda-version,console-output,video-info" {
		t.Fatalf("unexpected snapshot %v", events)
	}
	if videoURL != "ws://127.0.0.1:5901" {
		t.Fatalf("unexpected video url %q", videoURL)
	}

	msg, _ := wire.Encode(wire.ConsoleInput, wire.InputPayload{Input: "reboot\n"})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := <-agent.sends

	req := httptest.NewRequest(http.MethodGet, "/power-toggle", nil)
	req.AddCookie(cookie)
	id, ok := b.Sessions().FromRequest(req)
	if !ok || id != got.session {
		t.Fatalf("cookie session %q %v does not match console session %q", id, ok, got.session)
	}
}

func TestHostname(t *testing.T) {
	cases := map[string]string{
		"localhost:5000": "localhost",
		"board.local":    "board.local",
		"10.0.0.2:80":    "10.0.0.2",
		"[fe80::1]:5000": "fe80::1",
		"[fe80::1]":      "fe80::1",
		"":               "",
	}
	for in, want := range cases {
		if got := hostname(in); got != want {
			t.Fatalf("hostname(%q) = %q, expected %q", in, got, want)
		}
	}
}
