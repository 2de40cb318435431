package qsys

import (
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// wireRequest is a request as the fake core sees it.
type wireRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`

	// Conn is the 1-based connection the request arrived on.
	Conn int `json:"-"`
}

type coreHandler func(conn int, req wireRequest) (any, *RPCError)

// fakeCore is an in-process QRC server speaking NUL-framed JSON-RPC.
type fakeCore struct {
	t  *testing.T
	ln net.Listener

	mu      sync.Mutex
	calls   []wireRequest
	conns   []net.Conn
	changes [][]map[string]any
	handler coreHandler
}

func newFakeCore(t *testing.T, handler coreHandler) *fakeCore {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeCore{t: t, ln: ln, handler: handler}
	go f.accept()
	t.Cleanup(f.close)
	return f
}

func (f *fakeCore) accept() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		idx := len(f.conns)
		f.mu.Unlock()
		go f.serve(idx, conn)
	}
}

func (f *fakeCore) serve(connIdx int, conn net.Conn) {
	tr := newTCPTransport(conn)
	for {
		data, err := tr.ReadMessage()
		if err != nil {
			return
		}
		var req wireRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		req.Conn = connIdx

		f.mu.Lock()
		f.calls = append(f.calls, req)
		h := f.handler
		f.mu.Unlock()

		var result any
		var rpcErr *RPCError
		if h != nil {
			result, rpcErr = h(connIdx, req)
		}
		if req.Method == methodCGPoll && rpcErr == nil && result == nil {
			result = map[string]any{"Id": "codex-gateway", "Changes": f.nextChanges()}
		}
		if result == nil {
			result = true
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		out, _ := json.Marshal(resp)
		if err := tr.WriteMessage(out); err != nil {
			return
		}
	}
}

func (f *fakeCore) queueChanges(items ...map[string]any) {
	f.mu.Lock()
	f.changes = append(f.changes, items)
	f.mu.Unlock()
}

func (f *fakeCore) nextChanges() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.changes) == 0 {
		return []map[string]any{}
	}
	next := f.changes[0]
	f.changes = f.changes[1:]
	return next
}

// notify pushes a notification on the newest connection.
func (f *fakeCore) notify(method string, params any) {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()

	out, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
	if _, err := conn.Write(Encode(out)); err != nil {
		f.t.Errorf("notify: %v", err)
	}
}

func (f *fakeCore) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close() //nolint:errcheck // test teardown
	}
}

func (f *fakeCore) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeCore) requests(method string) []wireRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wireRequest
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// requestsOn filters requests by method and connection.
func (f *fakeCore) requestsOn(conn int, method string) []wireRequest {
	var out []wireRequest
	for _, r := range f.requests(method) {
		if r.Conn == conn {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeCore) methods() []string {
	var out []string
	for _, r := range f.requests("") {
		out = append(out, r.Method)
	}
	return out
}

func (f *fakeCore) config() Config {
	host, portStr, _ := net.SplitHostPort(f.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return Config{
		Host:           host,
		Port:           port,
		Password:       "secret",
		PollInterval:   20 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
		BackoffBase:    10 * time.Millisecond,
		BackoffMax:     40 * time.Millisecond,
	}
}

func (f *fakeCore) close() {
	f.ln.Close() //nolint:errcheck // test teardown
	f.dropConnections()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
