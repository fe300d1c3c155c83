// Package bridge talks to an external worker process over a line-delimited
// JSON protocol on its stdin and stdout. stderr is forwarded to the log.
//
// Each request is one line:
//
//	{"id": 1, "method": "step", "params": {...}}
//
// and is answered by exactly one line:
//
//	{"id": 1, "result": {...}}
//	{"id": 1, "error": {"type": "ValueError", "message": "..."}}
//
// Lines on stdout that are not JSON objects are logged and skipped.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/psantana5/carlarl/pkg/logging"
	"github.com/psantana5/carlarl/pkg/procgroup"
)

// ErrClosed is returned by Call once the worker has exited or a call was
// abandoned mid-response.
var ErrClosed = errors.New("bridge closed")

// Command describes the worker process to start.
type Command struct {
	Path string
	Args []string
	// Env is appended to the current environment.
	Env []string
	Dir string
}

// RemoteError is an error reported by the worker.
type RemoteError struct {
	Method  string `json:"-"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s: %s", e.Method, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

type request struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

type reply struct {
	resp response
	err  error
}

// Client is a running worker. Calls are serialized.
type Client struct {
	*procgroup.Process

	name   string
	log    *logging.Logger
	stdin  io.WriteCloser
	reader *bufio.Reader

	mu     sync.Mutex
	nextID uint64
	broken error
}

// Start launches the worker in its own process group.
func Start(ctx context.Context, c Command, log *logging.Logger) (*Client, error) {
	if c.Path == "" {
		return nil, errors.New("bridge command is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stderr: %w", err)
	}

	proc, err := procgroup.Start(cmd, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", c.Path, err)
	}

	client := &Client{
		Process: proc,
		name:    c.Path,
		log:     log.Component("bridge").WithField("pid", proc.PID()),
		stdin:   stdin,
		reader:  bufio.NewReaderSize(stdout, 1<<20),
	}
	go client.forward(stderr)

	client.log.Info("worker started", logging.Fields{"command": c.Path})
	return client, nil
}

// forward copies worker stderr into the log line by line.
func (c *Client) forward(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		c.log.Info(scanner.Text(), logging.Fields{"stream": "stderr"})
	}
}

// Call sends one request and decodes the result into out (which may be nil).
// If ctx ends before the worker answers, the client is marked closed since
// the stream can no longer be trusted.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return fmt.Errorf("%s: %w", method, c.broken)
	}

	c.nextID++
	id := c.nextID
	line, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		c.broken = fmt.Errorf("%w: write failed: %v", ErrClosed, err)
		return fmt.Errorf("%s: %w", method, c.broken)
	}

	ch := make(chan reply, 1)
	go func() {
		resp, err := c.readResponse()
		ch <- reply{resp: resp, err: err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-ctx.Done():
		c.broken = fmt.Errorf("%w: %s abandoned: %v", ErrClosed, method, ctx.Err())
		return ctx.Err()
	}

	if r.err != nil {
		c.broken = r.err
		return fmt.Errorf("%s: %w", method, r.err)
	}
	if r.resp.ID != id {
		c.broken = fmt.Errorf("%w: response id %d does not match request %d", ErrClosed, r.resp.ID, id)
		return fmt.Errorf("%s: %w", method, c.broken)
	}
	if r.resp.Error != nil {
		r.resp.Error.Method = method
		return r.resp.Error
	}
	if out != nil && len(r.resp.Result) > 0 {
		if err := json.Unmarshal(r.resp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) readResponse() (response, error) {
	for {
		line, err := c.reader.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			var resp response
			if jerr := json.Unmarshal(trimmed, &resp); jerr == nil {
				return resp, nil
			}
		}
		if len(trimmed) > 0 {
			c.log.Debug(string(trimmed), logging.Fields{"stream": "stdout"})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return response{}, fmt.Errorf("%w: worker closed stdout", ErrClosed)
			}
			return response{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}
	}
}

// Close closes the worker's stdin and terminates its process group.
func (c *Client) Close() error {
	c.stdin.Close()
	err := c.Terminate()
	c.log.Info("worker stopped", logging.Fields{"exit": c.Exit().String()})
	return err
}
