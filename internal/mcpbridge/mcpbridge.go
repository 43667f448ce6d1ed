// Package mcpbridge is the client side of the MCP (Model Context
// Protocol) bridge: discovering and invoking tools identified by a
// virtual URI over a local TCP bridge daemon. The bridge daemon itself
// is an external collaborator (spec §1 non-goals); this package only
// implements the interface the core consumes (spec §4.7).
//
// Grounded on the teacher's internal/mcp client/transport split
// (NewMCPClient + Transport abstraction, newline-delimited JSON-RPC
// framing in internal/mcp/stdio.go), adapted from a per-server
// subprocess/SSE transport to a single shared TCP connection to the
// bridge daemon named in mcp-bridge.toml, since spec §1 treats the
// bridge daemon process itself as external and only names connecting
// to it as in scope.
package mcpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/anthropics/coreengine/internal/corerr"
)

// callsPerSecond and burst bound how often this process calls into any
// single MCP server through the bridge, so one noisy tool loop can't
// flood a server the bridge daemon fronts (spec's domain-stack note on
// per-server outbound throttling).
const (
	callsPerSecond = 5
	burst          = 10
)

// URI is a virtual identifier naming a server and tool, e.g.
// "mcp://github/create_issue".
type URI string

// Parse splits a URI into its server and tool components.
func (u URI) Parse() (server, tool string, err error) {
	s := strings.TrimPrefix(string(u), "mcp://")
	if s == string(u) {
		return "", "", corerr.New(corerr.InvalidInput, "mcp URI missing mcp:// scheme")
	}
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", corerr.New(corerr.InvalidInput, "mcp URI must be mcp://server/tool")
	}
	return parts[0], parts[1], nil
}

// New builds a virtual URI from its parts.
func New(server, tool string) URI {
	return URI(fmt.Sprintf("mcp://%s/%s", server, tool))
}

// ToolInfo describes one tool discovered through the bridge.
type ToolInfo struct {
	URI         URI             `json:"uri"`
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// request/response are the bridge's newline-delimited JSON-RPC-ish
// framing: one JSON object per line, correlated by id.
type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Bridge is a connection to the local MCP bridge daemon.
type Bridge struct {
	addr string

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	nextID  uint64
	pending map[uint64]chan response
	connMu  sync.Mutex

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// Dial connects to the bridge daemon at addr (host:port, from
// mcp-bridge.toml).
func Dial(ctx context.Context, addr string) (*Bridge, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, corerr.Wrap(corerr.InternalError, err)
	}
	b := &Bridge{
		addr:     addr,
		conn:     conn,
		reader:   bufio.NewReader(conn),
		pending:  make(map[uint64]chan response),
		limiters: make(map[string]*rate.Limiter),
	}
	go b.readLoop()
	return b, nil
}

func (b *Bridge) readLoop() {
	for {
		line, err := b.reader.ReadString('\n')
		if err != nil {
			b.mu.Lock()
			for id, ch := range b.pending {
				close(ch)
				delete(b.pending, id)
			}
			b.mu.Unlock()
			return
		}
		var resp response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			continue
		}
		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		if ok {
			delete(b.pending, resp.ID)
		}
		b.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (b *Bridge) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, corerr.Wrap(corerr.InvalidInput, err)
	}

	id := atomic.AddUint64(&b.nextID, 1)
	req := request{ID: id, Method: method, Params: paramsJSON}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, corerr.Wrap(corerr.InvalidInput, err)
	}
	data = append(data, '\n')

	ch := make(chan response, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()

	b.connMu.Lock()
	_, writeErr := b.conn.Write(data)
	b.connMu.Unlock()
	if writeErr != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, corerr.Wrap(corerr.InternalError, writeErr)
	}

	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, corerr.New(corerr.InternalError, "mcp bridge connection closed")
		}
		if resp.Error != "" {
			return nil, corerr.New(corerr.InternalError, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, corerr.Wrap(corerr.TimedOut, ctx.Err())
	case <-time.After(timeout):
		return nil, corerr.New(corerr.TimedOut, "mcp bridge call "+method+" timed out")
	}
}

// ListTools asks the bridge to enumerate every tool across every
// connected MCP server.
func (b *Bridge) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := b.call(ctx, "list_tools", nil, 30*time.Second)
	if err != nil {
		return nil, err
	}
	var tools []ToolInfo
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, corerr.Wrap(corerr.InvalidData, err)
	}
	return tools, nil
}

// limiterFor returns the per-server rate limiter for server, creating it
// on first use.
func (b *Bridge) limiterFor(server string) *rate.Limiter {
	b.limMu.Lock()
	defer b.limMu.Unlock()
	lim, ok := b.limiters[server]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(callsPerSecond), burst)
		b.limiters[server] = lim
	}
	return lim
}

// CallTool invokes the tool named by uri with the given JSON arguments,
// returning its result text.
func (b *Bridge) CallTool(ctx context.Context, uri URI, arguments json.RawMessage, timeout time.Duration) (string, error) {
	server, tool, err := uri.Parse()
	if err != nil {
		return "", err
	}
	if err := b.limiterFor(server).Wait(ctx); err != nil {
		return "", corerr.Wrap(corerr.TimedOut, err)
	}
	raw, err := b.call(ctx, "call_tool", map[string]any{
		"server":    server,
		"tool":      tool,
		"arguments": json.RawMessage(arguments),
	}, timeout)
	if err != nil {
		return "", err
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", corerr.Wrap(corerr.InvalidData, err)
	}
	return result.Text, nil
}

// Close terminates the bridge connection.
func (b *Bridge) Close() error {
	return b.conn.Close()
}

// ServerConfig is one entry of mcp-bridge.toml: how the bridge daemon
// reaches a given MCP server (spec §6).
type ServerConfig struct {
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	URL     string            `koanf:"url"`
	Headers map[string]string `koanf:"headers"`
}

// AddrFromPort renders a loopback bridge address from a configured port,
// a convenience for callers that only store the daemon's port number.
func AddrFromPort(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
