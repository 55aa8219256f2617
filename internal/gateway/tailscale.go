// ABOUTME: Tailnet listeners so the gateway can serve only inside a Tailscale network.
// ABOUTME: Builds the tsnet node from config and opens the peer and HTTP ports on it.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/config"
)

// Tailnet ports. server.grpc_addr and server.http_addr do not apply there.
const (
	tailnetPeerAddr = ":50051"
	tailnetHTTPAddr = ":80"
)

// errNoAuthKey means neither tailscale.auth_key nor TS_AUTHKEY is set.
var errNoAuthKey = errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")

// tailnetEnv is where the tailnet node looks up values not in config.
type tailnetEnv struct {
	getenv  func(string) string
	homeDir func() (string, error)
}

var osTailnetEnv = tailnetEnv{getenv: os.Getenv, homeDir: os.UserHomeDir}

// newTailnetNode describes the tsnet node for cfg without starting it. The
// state dir defaults to ~/.local/share/relay-gateway/tailscale.
func newTailnetNode(cfg config.TailscaleConfig, env tailnetEnv) (*tsnet.Server, error) {
	authKey := cfg.AuthKey
	if authKey == "" {
		authKey = env.getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, errNoAuthKey
	}

	dir := cfg.StateDir
	if dir == "" {
		home, err := env.homeDir()
		if err != nil {
			return nil, fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
		}
		dir = filepath.Join(home, ".local", "share", "relay-gateway", "tailscale")
	}

	return &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       dir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   authKey,
	}, nil
}

// tailnetListener is the part of tsnet.Server used to open ports.
type tailnetListener interface {
	Listen(network, addr string) (net.Listener, error)
}

// listenTailnet opens the peer and HTTP ports, closing the first if the
// second fails.
func listenTailnet(node tailnetListener) (peerLn, httpLn net.Listener, err error) {
	peerLn, err = node.Listen("tcp", tailnetPeerAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailnet peer port: %w", err)
	}
	httpLn, err = node.Listen("tcp", tailnetHTTPAddr)
	if err != nil {
		_ = peerLn.Close()
		return nil, nil, fmt.Errorf("listening on tailnet HTTP port: %w", err)
	}
	return peerLn, httpLn, nil
}

// tailnetAttrs summarizes a node's status as log attributes.
func tailnetAttrs(status *ipnstate.Status) []any {
	var ip, dnsName string
	if status != nil {
		if len(status.TailscaleIPs) > 0 {
			ip = status.TailscaleIPs[0].String()
		}
		if status.Self != nil {
			dnsName = status.Self.DNSName
		}
	}
	return []any{"tailscale_ip", ip, "dns_name", dnsName}
}

func (g *Gateway) setupTailscaleListeners(ctx context.Context) (net.Listener, net.Listener, error) {
	srv := g.config.Server
	if srv.GRPCAddr != "" || srv.HTTPAddr != "" {
		g.logger.Warn("server addresses are ignored on the tailnet",
			"grpc_addr", srv.GRPCAddr, "http_addr", srv.HTTPAddr)
	}

	node, err := newTailnetNode(g.config.Tailscale, osTailnetEnv)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(node.Dir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	g.logger.Info("starting tailscale node", "hostname", node.Hostname, "state_dir", node.Dir, "ephemeral", node.Ephemeral)
	status, err := node.Up(ctx)
	if err != nil {
		_ = node.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if status == nil || len(status.TailscaleIPs) == 0 {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	g.logger.Info("tailscale node ready", append([]any{"hostname", node.Hostname}, tailnetAttrs(status)...)...)

	peerLn, httpLn, err := listenTailnet(node)
	if err != nil {
		_ = node.Close()
		return nil, nil, err
	}
	g.tsnetServer = node
	return peerLn, httpLn, nil
}
