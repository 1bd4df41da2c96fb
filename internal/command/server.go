// Package command implements the workflow's command channel: an
// authenticated JSON-over-TLS request/response server, plus the reload
// machinery that re-parses the task definition registry on the main loop.
package command

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Dispatcher applies a validated Request on the scheduler's main loop and
// returns the Response to send back. The command channel never mutates
// state itself — every request is handed to the loop and the server only
// does transport and auth, matching the "each command is validated and
// applied on the main loop" rule in spec.md §4.11.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) Response
}

// Server accepts TLS connections, authenticates each with the per-workflow
// bearer token, and decodes/encodes newline-delimited JSON request/response
// pairs.
type Server struct {
	log      *slog.Logger
	listener net.Listener
	issuer   *TokenIssuer
	dispatch Dispatcher

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
}

// Listen binds addr (host:port, use ":0" to let the OS choose) with the
// given TLS config and returns a Server ready to Serve.
func Listen(addr string, tlsConfig *tls.Config, issuer *TokenIssuer, dispatch Dispatcher, log *slog.Logger) (*Server, error) {
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("command: listen %s: %w", addr, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log,
		listener: ln,
		issuer:   issuer,
		dispatch: dispatch,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the bound listener address, used to populate .service/contact.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return fmt.Errorf("command: accept: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handle(ctx, conn)
	}
}

// Close stops accepting new connections and closes connections in flight.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	return s.listener.Close()
}

type wireRequest struct {
	Token   string         `json:"token"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	dec := json.NewDecoder(bufio.NewReader(conn))
	enc := json.NewEncoder(conn)

	for {
		var wr wireRequest
		if err := dec.Decode(&wr); err != nil {
			return
		}
		if err := s.issuer.Verify(wr.Token); err != nil {
			_ = enc.Encode(Err(ErrUser, "unauthenticated: %v", err))
			conn.Close()
			return
		}
		resp := s.dispatch.Dispatch(ctx, Request{Command: wr.Command, Args: wr.Args})
		if err := enc.Encode(resp); err != nil {
			s.log.Warn("command: write response failed", "error", err)
			return
		}
	}
}

// Client is a minimal synchronous client used by the CLI surface and by
// tests; it is not meant for high-throughput use.
type Client struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
	tok  string
}

// Dial opens a TLS connection to a running scheduler's command channel.
func Dial(addr, token string, tlsConfig *tls.Config) (*Client, error) {
	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("command: dial %s: %w", addr, err)
	}
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(bufio.NewReader(conn)),
		tok:  token,
	}, nil
}

// Call sends one request and waits for its response.
func (c *Client) Call(command string, args map[string]any) (Response, error) {
	if err := c.enc.Encode(wireRequest{Token: c.tok, Command: command, Args: args}); err != nil {
		return Response{}, fmt.Errorf("command: send: %w", err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("command: receive: %w", err)
	}
	return resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
