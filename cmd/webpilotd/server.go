package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/log"
)

// maxFrameSize caps one inbound request line.
const maxFrameSize = 10 << 20

// JSON-RPC 2.0 error codes.
const (
	codeParse          = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// request is one inbound frame. The id is echoed back verbatim; a
// frame without one is a notification and never gets a response.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// notification is a server-initiated frame without an id.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// methodFunc handles one request's params and returns its result.
type methodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// server dispatches stdio requests onto the method table. Requests run
// concurrently; responses and notifications interleave on the writer
// one frame per line, matched to callers by id.
type server struct {
	logger  *log.Logger
	methods map[string]methodFunc

	writeMu sync.Mutex
	w       io.Writer

	wg sync.WaitGroup
}

func newServer(w io.Writer, methods map[string]methodFunc, logger *log.Logger) *server {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &server{logger: logger, methods: methods, w: w}
}

// serve reads request lines until r is exhausted or ctx ends, then
// waits for in-flight handlers to settle. A clean EOF returns nil.
func (s *server) serve(ctx context.Context, r io.Reader) error {
	lines := make(chan []byte)
	readDone := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64<<10), maxFrameSize)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readDone <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case err := <-readDone:
			s.wg.Wait()
			return err
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			s.dispatch(ctx, line)
		}
	}
}

func (s *server) dispatch(ctx context.Context, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.respond(nil, nil, &rpcError{Code: codeParse, Message: fmt.Sprintf("cannot parse request: %v", err)})
		return
	}
	if req.Method == "" {
		s.respond(req.ID, nil, &rpcError{Code: codeInvalidParams, Message: "missing method"})
		return
	}
	handler, ok := s.methods[req.Method]
	if !ok {
		if req.ID == nil {
			s.logger.Debugf("Daemon:dispatch", "dropping unknown notification %s", req.Method)
			return
		}
		s.respond(req.ID, nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := handler(ctx, req.Params)
		if req.ID == nil {
			if err != nil {
				s.logger.Warnf("Daemon:dispatch", "%s notification failed: %v", req.Method, err)
			}
			return
		}
		if err != nil {
			s.respond(req.ID, nil, asRPCError(err))
			return
		}
		if result == nil {
			result = struct{}{}
		}
		s.respond(req.ID, result, nil)
	}()
}

// Notify pushes a server-initiated notification to the host.
func (s *server) Notify(method string, params any) {
	s.write(notification{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *server) respond(id json.RawMessage, result any, rerr *rpcError) {
	s.write(response{JSONRPC: "2.0", ID: id, Result: result, Error: rerr})
}

func (s *server) write(frame any) {
	buf, err := json.Marshal(frame)
	if err != nil {
		s.logger.Errorf("Daemon:write", "cannot encode frame: %v", err)
		return
	}
	buf = append(buf, '\n')
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.w.Write(buf); err != nil {
		s.logger.Warnf("Daemon:write", "cannot write frame: %v", err)
	}
}

// asRPCError maps handler failures onto the wire. Step-ladder errors
// carry structured data so the host can tell a reissuable step from a
// terminal one.
func asRPCError(err error) *rpcError {
	var invalid *invalidParamsError
	if errors.As(err, &invalid) {
		return &rpcError{Code: codeInvalidParams, Message: invalid.Error()}
	}
	var retry *api.RetryStepError
	if errors.As(err, &retry) {
		return &rpcError{
			Code:    codeServerError,
			Message: retry.Error(),
			Data: map[string]any{
				"stepId": retry.StepID,
				"retry":  true,
			},
		}
	}
	var exhausted *api.ProviderExhaustedError
	if errors.As(err, &exhausted) {
		return &rpcError{
			Code:    codeServerError,
			Message: exhausted.Error(),
			Data: map[string]any{
				"stepId":           exhausted.StepID,
				"retry":            false,
				"fallbackDisabled": exhausted.FallbackDisabled,
			},
		}
	}
	return &rpcError{Code: codeServerError, Message: err.Error()}
}

// invalidParamsError marks a request rejected before any work ran.
type invalidParamsError struct {
	msg string
}

func (e *invalidParamsError) Error() string { return e.msg }

func invalidParams(format string, args ...any) error {
	return &invalidParamsError{msg: fmt.Sprintf(format, args...)}
}
