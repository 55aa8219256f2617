// ABOUTME: Client side of MCP: connects to external MCP servers and adopts their tools.
// ABOUTME: Remote tools are registered in the tool registry and called over the server's session.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/tools"
)

// Remote is a live session with one external MCP server.
type Remote struct {
	name    string
	session *mcpsdk.ClientSession
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// newTransport builds the go-sdk transport for a configured server.
func newTransport(cfg config.MCPServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Protocol {
	case config.MCPProtocolStreamable:
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil
	case config.MCPProtocolSSE:
		return &mcpsdk.SSEClientTransport{Endpoint: cfg.URL}, nil
	case config.MCPProtocolStdio:
		// #nosec G204 -- the command comes from the operator's config file
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Stderr = os.Stderr
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			keys := make([]string, 0, len(cfg.Env))
			for k := range cfg.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				cmd.Env = append(cmd.Env, k+"="+cfg.Env[k])
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	default:
		return nil, fmt.Errorf("unsupported mcp protocol %q", cfg.Protocol)
	}
}

// Dial connects to a configured MCP server.
func Dial(ctx context.Context, cfg config.MCPServerConfig, client config.MCPConfig, logger *slog.Logger) (*Remote, error) {
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: %w", cfg.Name, err)
	}
	return Connect(ctx, cfg.Name, transport, client, logger)
}

// Connect opens a session over an existing transport. client supplies the
// identity sent in initialize. ctx bounds the handshake only; the session
// lives until Close.
func Connect(ctx context.Context, name string, transport mcpsdk.Transport, client config.MCPConfig, logger *slog.Logger) (*Remote, error) {
	if logger == nil {
		logger = slog.Default()
	}
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	impl := mcpsdk.NewClient(&mcpsdk.Implementation{Name: client.Name, Version: client.Version}, nil)
	session, err := impl.Connect(connCtx, transport, nil)
	if !stop() || err != nil {
		cancel()
		if err == nil {
			_ = session.Close()
			err = ctx.Err()
		}
		return nil, fmt.Errorf("connecting to mcp server %s: %w", name, err)
	}
	return &Remote{
		name:    name,
		session: session,
		cancel:  cancel,
		logger:  logger.With("component", "mcp-remote", "server", name),
	}, nil
}

// Name returns the configured server name.
func (r *Remote) Name() string { return r.name }

// Tools lists the server's tools, following pagination.
func (r *Remote) Tools(ctx context.Context) ([]*RemoteTool, error) {
	var out []*RemoteTool
	for tool, err := range r.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("listing tools of %s: %w", r.name, err)
		}
		def := tools.Definition{Name: tool.Name, Description: tool.Description}
		if tool.InputSchema != nil {
			schema, err := json.Marshal(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("tool %s: encoding input schema: %w", tool.Name, err)
			}
			def.InputSchema = schema
		}
		out = append(out, &RemoteTool{def: def, remote: r})
	}
	return out, nil
}

// Close ends the session. For stdio servers this stops the child process.
func (r *Remote) Close() error {
	defer r.cancel()
	return r.session.Close()
}

// RemoteTool is a tools.Tool served by an external MCP server.
type RemoteTool struct {
	def    tools.Definition
	remote *Remote
}

// Definition implements tools.Tool.
func (t *RemoteTool) Definition() tools.Definition { return t.def }

// ServerName returns the name of the server that owns the tool.
func (t *RemoteTool) ServerName() string { return t.remote.name }

// Call implements tools.Tool.
func (t *RemoteTool) Call(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	t.remote.logger.Debug("calling remote tool", "tool", t.def.Name)
	res, err := t.remote.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: t.def.Name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("calling %s on %s: %w", t.def.Name, t.remote.name, err)
	}
	return fromCallToolResult(res), nil
}

// fromCallToolResult keeps text parts as text and encodes any other part as
// its JSON form so nothing the server returned is dropped.
func fromCallToolResult(res *mcpsdk.CallToolResult) *tools.Result {
	out := &tools.Result{Content: []tools.Content{}}
	if res == nil {
		return out
	}
	out.IsError = res.IsError
	for _, c := range res.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			out.Content = append(out.Content, tools.Content{Type: "text", Text: text.Text})
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			continue
		}
		out.Content = append(out.Content, tools.Content{Type: "text", Text: string(raw)})
	}
	if len(out.Content) == 0 && res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			out.Content = append(out.Content, tools.Content{Type: "text", Text: string(raw)})
		}
	}
	return out
}

// Remotes is the set of external servers connected at startup.
type Remotes struct {
	remotes []*Remote
	logger  *slog.Logger
}

// ConnectAll dials every configured server and registers its tools in reg.
// A server that cannot be reached fails startup; sessions already opened are
// closed before returning the error.
func ConnectAll(ctx context.Context, cfg config.MCPConfig, reg *tools.Registry, logger *slog.Logger) (*Remotes, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rs := &Remotes{logger: logger.With("component", "mcp-remotes")}
	for _, srv := range cfg.Servers {
		remote, err := Dial(ctx, srv, cfg, logger)
		if err != nil {
			_ = rs.Close()
			return nil, err
		}
		if err := rs.Adopt(ctx, remote, reg); err != nil {
			_ = remote.Close()
			_ = rs.Close()
			return nil, err
		}
	}
	return rs, nil
}

// Adopt registers remote's tools in reg and takes ownership of the session.
func (rs *Remotes) Adopt(ctx context.Context, remote *Remote, reg *tools.Registry) error {
	list, err := remote.Tools(ctx)
	if err != nil {
		return err
	}
	for _, t := range list {
		reg.Add(t)
	}
	rs.remotes = append(rs.remotes, remote)
	rs.logger.Info("loaded mcp tools", "server", remote.Name(), "tools", len(list))
	return nil
}

// Len returns the number of connected servers.
func (rs *Remotes) Len() int { return len(rs.remotes) }

// Close ends every session.
func (rs *Remotes) Close() error {
	var errs []error
	for _, r := range rs.remotes {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing mcp server %s: %w", r.Name(), err))
		}
	}
	rs.remotes = nil
	return errors.Join(errs...)
}
