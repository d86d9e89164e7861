package integration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/Q1rD/relayproxy/relayproxy"
)

// RunningProxy is a relayproxy server serving on a loopback port
type RunningProxy struct {
	Server *relayproxy.Server
	Addr   string

	done chan error
}

// StartProxy starts a server on 127.0.0.1 with an ephemeral port and waits
// until it listens. config.ListenAddress is overwritten.
func StartProxy(config *relayproxy.Config) (*RunningProxy, error) {
	if config == nil {
		config = relayproxy.DefaultConfig()
	}
	config.ListenAddress = "127.0.0.1:0"

	server, err := relayproxy.New(config, nil)
	if err != nil {
		return nil, err
	}

	rp := &RunningProxy{Server: server, done: make(chan error, 1)}
	go func() { rp.done <- server.ListenAndServe(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if addr := server.Addr(); addr != nil {
			rp.Addr = addr.String()
			return rp, nil
		}
		select {
		case err := <-rp.done:
			_ = server.Close()
			return nil, fmt.Errorf("proxy did not start: %w", err)
		default:
		}
		if time.Now().After(deadline) {
			_ = server.Close()
			return nil, errors.New("proxy did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Stop closes the server and returns what ListenAndServe returned
func (rp *RunningProxy) Stop() error {
	if err := rp.Server.Close(); err != nil {
		return err
	}
	err := <-rp.done
	rp.done <- err
	if errors.Is(err, relayproxy.ErrServerClosed) {
		return nil
	}
	return err
}

// Client returns an HTTP client sending every request through the proxy
func (rp *RunningProxy) Client() *http.Client {
	proxyURL := &url.URL{Scheme: "http", Host: rp.Addr}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
		Timeout: 10 * time.Second,
	}
}

// RawRequest writes request verbatim to the proxy and returns everything
// received until the proxy closes the connection
func (rp *RunningProxy) RawRequest(request string) ([]byte, error) {
	conn, err := rp.Dial()
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	if _, err := io.WriteString(conn, request); err != nil {
		return nil, err
	}
	return io.ReadAll(conn)
}

// Dial opens a raw connection to the proxy with a read deadline
func (rp *RunningProxy) Dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", rp.Addr, time.Second)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn, nil
}
