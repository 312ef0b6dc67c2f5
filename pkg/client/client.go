// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package client talks to a clockbox device over any byte stream (serial
// port, WebSocket) using the textual command protocol.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/clockbox/pkg/command"
	"github.com/Thermoquad/clockbox/pkg/si570"
)

// DefaultTimeout bounds each request.
const DefaultTimeout = 3 * time.Second

var (
	// ErrTimeout is returned when the device does not answer in time.
	ErrTimeout = errors.New("timed out waiting for device response")
	// ErrClosed is returned once the underlying stream has failed.
	ErrClosed = errors.New("connection closed")
)

type lineResult struct {
	line string
	err  error
}

// Client issues commands and decodes responses. Requests are serialized.
//
// The protocol carries no request ids. When a request gives up before its
// reply arrived, the lines it is still owed are counted and skipped ahead of
// the next reply, so a late answer is never taken for a newer one.
type Client struct {
	mu      sync.Mutex
	w       io.Writer
	lines   chan lineResult
	timeout time.Duration
	logger  zerolog.Logger
	readErr error
	owed    int
}

// helpLines is the number of lines the device sends for '?'.
var helpLines = strings.Count(command.HelpText, "\n")

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New starts reading response lines from rw.
func New(rw io.ReadWriter, opts ...Option) *Client {
	c := &Client{
		w:       rw,
		lines:   make(chan lineResult, 16),
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop(rw)
	return c
}

func (c *Client) readLoop(r io.Reader) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" && err == nil {
			c.logger.Trace().Str("line", strings.TrimRight(line, "\n")).Msg("received")
			c.lines <- lineResult{line: strings.TrimRight(line, "\r\n")}
			continue
		}
		if err != nil {
			c.lines <- lineResult{err: err}
			close(c.lines)
			return
		}
	}
}

// drain discards lines that are already buffered before a new request.
// Lines still owed to abandoned requests are consumed first.
func (c *Client) drain() {
	for {
		select {
		case lr, ok := <-c.lines:
			if !ok {
				return
			}
			if lr.err != nil {
				c.readErr = lr.err
				return
			}
			if c.owed > 0 {
				c.owed--
			}
			c.logger.Debug().Str("line", lr.line).Msg("discarding stale line")
		default:
			return
		}
	}
}

// resync skips the replies of abandoned requests that have not arrived yet.
func (c *Client) resync(ctx context.Context) error {
	for c.owed > 0 {
		line, err := c.readLine(ctx)
		if err != nil {
			return err
		}
		c.owed--
		c.logger.Debug().Str("line", line).Int("owed", c.owed).Msg("discarding late reply")
	}
	return nil
}

// abandon records that n reply lines will arrive after the request gave up.
func (c *Client) abandon(err error, n int) {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) {
		c.owed += n
	}
}

func (c *Client) readLine(ctx context.Context) (string, error) {
	if c.readErr != nil {
		return "", fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	select {
	case lr, ok := <-c.lines:
		if !ok {
			return "", ErrClosed
		}
		if lr.err != nil {
			c.readErr = lr.err
			return "", fmt.Errorf("%w: %v", ErrClosed, lr.err)
		}
		return lr.line, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", ctx.Err()
	}
}

func (c *Client) send(ctx context.Context, cmd string) (context.Context, context.CancelFunc, error) {
	c.drain()
	if c.readErr != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	c.logger.Debug().Str("command", cmd).Msg("send")
	if _, err := io.WriteString(c.w, cmd); err != nil {
		return nil, nil, fmt.Errorf("send %q: %w", cmd, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return ctx, cancel, nil
}

// Do sends cmd and decodes one response line. A device-reported failure is
// returned as both the response and a *ResponseError.
func (c *Client) Do(ctx context.Context, cmd string) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel, err := c.send(ctx, cmd)
	if err != nil {
		return Response{}, err
	}
	defer cancel()

	if err := c.resync(ctx); err != nil {
		c.abandon(err, 1)
		return Response{}, err
	}
	line, err := c.readLine(ctx)
	if err != nil {
		c.abandon(err, 1)
		return Response{}, err
	}
	resp, err := ParseResponse(line)
	if err != nil {
		return resp, err
	}
	return resp, resp.Err()
}

func (c *Client) registers(ctx context.Context, cmd byte) (si570.Registers, error) {
	resp, err := c.Do(ctx, string(cmd))
	if err != nil {
		return si570.Registers{}, err
	}
	if resp.Command != cmd || !resp.HasRegisters {
		return si570.Registers{}, fmt.Errorf("unexpected response %q to '%c'", resp, cmd)
	}
	return resp.Registers, nil
}

// Info returns the oscillator power-up registers.
func (c *Client) Info(ctx context.Context) (si570.Registers, error) {
	return c.registers(ctx, command.CmdInfo)
}

// Read returns the live oscillator registers.
func (c *Client) Read(ctx context.Context) (si570.Registers, error) {
	return c.registers(ctx, command.CmdRead)
}

// Flash returns the stored registers.
func (c *Client) Flash(ctx context.Context) (si570.Registers, error) {
	return c.registers(ctx, command.CmdFlash)
}

// Write stores regs on the device and applies them to the oscillator. On a
// bus error the device has still stored the block; the error wraps ErrBus.
func (c *Client) Write(ctx context.Context, regs si570.Registers) error {
	resp, err := c.Do(ctx, "w "+regs.Hex())
	if err != nil {
		return err
	}
	if resp.Command != command.CmdWrite || resp.Registers != regs {
		return fmt.Errorf("device echoed %q, expected %s", resp, regs.Hex())
	}
	return nil
}

// Help returns the device's usage text.
func (c *Client) Help(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel, err := c.send(ctx, string(command.CmdHelp))
	if err != nil {
		return "", err
	}
	defer cancel()

	if err := c.resync(ctx); err != nil {
		c.abandon(err, helpLines)
		return "", err
	}

	// The text is framed by blank lines.
	var lines []string
	read := 0
	for {
		line, err := c.readLine(ctx)
		if err != nil {
			c.abandon(err, helpLines-read)
			return strings.Join(lines, "\n"), err
		}
		read++
		if line == "" {
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
			continue
		}
		lines = append(lines, line)
	}
}
