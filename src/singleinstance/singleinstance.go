// Package singleinstance lets a run-once invocation hand its capture to the
// resident app over a loopback TCP socket instead of starting a second
// hotkey hook and tray icon.
package singleinstance

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultAddr is where the resident listens unless SINGLEINSTANCE_ADDR is set.
	DefaultAddr = "127.0.0.1:49500"
	addrEnvVar  = "SINGLEINSTANCE_ADDR"

	pingRequest   = "PING\n"
	pongResponse  = "PONG\n"
	statusSuccess = "SUCCESS\n"
	statusError   = "ERROR\n"

	handshakeTimeout = 3 * time.Second
)

// Mode selects where a delegated result ends up.
type Mode string

const (
	// ModeClipboard asks the resident to copy the text itself.
	ModeClipboard Mode = "CLIPBOARD"
	// ModeStdout asks the resident to send the text back.
	ModeStdout Mode = "STDOUT"
)

// Addr returns the configured resident address.
func Addr() string {
	if v := strings.TrimSpace(os.Getenv(addrEnvVar)); v != "" {
		return v
	}
	return DefaultAddr
}

// Server owns the resident endpoint. Binding it is what makes an instance
// the resident one.
type Server struct {
	lis      net.Listener
	incoming chan *Conn
	once     sync.Once
}

// Listen binds addr and accepts run-once requests until ctx ends or Close.
func Listen(ctx context.Context, addr string) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("singleinstance: bind %s: %w", addr, err)
	}
	s := &Server{lis: lis, incoming: make(chan *Conn, 8)}
	log.Printf("singleinstance: listening on %s", lis.Addr())
	go s.acceptLoop(ctx)
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.lis.Addr().String() }

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.incoming)
	for {
		c, err := s.lis.Accept()
		if err != nil {
			return
		}
		_ = c.SetDeadline(time.Now().Add(handshakeTimeout))
		br := bufio.NewReader(c)
		line, _ := br.ReadString('\n')
		bw := bufio.NewWriter(c)

		var mode Mode
		switch line {
		case pingRequest:
			_, _ = bw.WriteString(pongResponse)
			_ = bw.Flush()
			_ = c.Close()
			continue
		case string(ModeStdout) + "\n":
			mode = ModeStdout
		case string(ModeClipboard) + "\n":
			mode = ModeClipboard
		default:
			log.Printf("singleinstance: bad request %q from %s", line, c.RemoteAddr())
			_ = c.Close()
			continue
		}

		// the capture and the model call may take much longer than the handshake
		_ = c.SetDeadline(time.Time{})
		log.Printf("singleinstance: %s request from %s", mode, c.RemoteAddr())
		select {
		case s.incoming <- &Conn{c: c, mode: mode, w: bw}:
		case <-ctx.Done():
			_ = c.Close()
			return
		}
	}
}

// Next returns the next accepted request. It returns io.EOF once the
// server is closed.
func (s *Server) Next(ctx context.Context) (*Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c, ok := <-s.incoming:
		if !ok {
			return nil, io.EOF
		}
		return c, nil
	}
}

func (s *Server) Close() error {
	var err error
	s.once.Do(func() { err = s.lis.Close() })
	return err
}

// Conn is one delegated request awaiting its answer.
type Conn struct {
	c    net.Conn
	mode Mode
	w    *bufio.Writer
}

func (c *Conn) Mode() Mode { return c.mode }

// RespondSuccess sends the text (empty in clipboard mode) and closes the connection.
func (c *Conn) RespondSuccess(text string) error {
	return c.respond(statusSuccess + text)
}

// RespondError sends a human-readable failure and closes the connection.
func (c *Conn) RespondError(msg string) error {
	return c.respond(statusError + msg)
}

func (c *Conn) respond(payload string) error {
	defer c.c.Close()
	if _, err := c.w.WriteString(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

// Ping reports whether a resident answers at addr.
func Ping(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := io.WriteString(conn, pingRequest); err != nil {
		return false
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	return err == nil && resp == pongResponse
}

// TryRunOnce hands one request to the resident at addr. When nothing is
// listening it returns delegated=false and a nil error so the caller can
// capture by itself.
func TryRunOnce(ctx context.Context, addr string, mode Mode) (delegated bool, text string, err error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return false, "", nil
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := io.WriteString(conn, string(mode)+"\n"); err != nil {
		return true, "", err
	}
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		return true, "", fmt.Errorf("singleinstance: reading status: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return true, "", fmt.Errorf("singleinstance: reading reply: %w", err)
	}
	switch status {
	case statusSuccess:
		return true, string(body), nil
	case statusError:
		return true, "", errors.New(string(body))
	default:
		return true, "", fmt.Errorf("singleinstance: unexpected status %q", strings.TrimSpace(status))
	}
}
