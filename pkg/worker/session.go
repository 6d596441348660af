package worker

import (
	"context"
	"encoding/json"

	"github.com/zyahav/mcp-skills-hub/pkg/errors"
	"github.com/zyahav/mcp-skills-hub/pkg/protocol"
)

// Session is the locked view of a worker handed to Exchange callbacks.
// It must not be used after the callback returns.
type Session struct {
	w   *Worker
	ctx context.Context
}

// Call writes a request and blocks until its response arrives, the worker
// closes its output or the exchange context ends.
//
// Lines the worker sends in between are handled in place: notifications are
// dropped, requests are answered so the worker does not stall, and responses
// whose id does not match (late replies to an abandoned exchange) are
// discarded. A response with a null id is accepted as the answer.
func (s *Session) Call(method string, params any) (json.RawMessage, error) {
	w := s.w
	id := w.nextID.Add(1)
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "failed to encode request", err).
			WithContext("worker", w.Name()).
			WithContext("method", method)
	}
	if err := w.send(s.ctx, req, method); err != nil {
		return nil, err
	}

	want := protocol.IntID(id)
	for {
		select {
		case line, ok := <-w.lines:
			if !ok {
				w.markDead()
				return nil, errors.New(errors.CodeEmptyResponse, "worker closed its output", w.ExitErr()).
					WithContext("worker", w.Name()).
					WithContext("method", method)
			}

			msg, err := protocol.Decode(line)
			if err != nil {
				return nil, errors.New(errors.CodeMalformedResponse, "failed to decode worker response", err).
					WithContext("worker", w.Name()).
					WithContext("method", method)
			}

			switch msg.Kind() {
			case protocol.KindNotification:
				w.logger.Debug("worker notification ignored", "method", msg.Method)
				continue
			case protocol.KindRequest:
				s.answer(msg.Request())
				continue
			}

			if !protocol.IsNullID(msg.ID) && !protocol.SameID(msg.ID, want) {
				w.logger.Debug("discarding stale worker response", "id", string(msg.ID), "want", id)
				continue
			}
			if msg.Error != nil {
				return nil, errors.New(errors.CodeWorkerError, msg.Error.Message, msg.Error).
					WithContext("worker", w.Name()).
					WithContext("method", method).
					WithContext("rpc_code", msg.Error.Code)
			}
			if len(msg.Result) == 0 {
				return json.RawMessage("null"), nil
			}
			return msg.Result, nil

		case <-s.ctx.Done():
			return nil, w.contextError(s.ctx, "waiting for "+method+" response")
		}
	}
}

// Notify writes a notification. No response is read.
func (s *Session) Notify(method string, params any) error {
	w := s.w
	note, err := protocol.NewNotification(method, params)
	if err != nil {
		return errors.New(errors.CodeInvalidInput, "failed to encode notification", err).
			WithContext("worker", w.Name()).
			WithContext("method", method)
	}
	return w.send(s.ctx, note, method)
}

// answer replies to a request the worker sent to the hub. The hub exposes no
// client features to workers, so only ping succeeds.
func (s *Session) answer(req *protocol.Request) {
	w := s.w
	var resp *protocol.Response
	if req.Method == protocol.MethodPing {
		resp, _ = protocol.NewResult(req.ID, struct{}{})
	} else {
		resp = protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound, "method not supported by hub: "+req.Method)
	}
	if err := w.send(s.ctx, resp, req.Method); err != nil {
		w.logger.Warn("failed to answer worker request", "method", req.Method, "error", err)
	}
}
