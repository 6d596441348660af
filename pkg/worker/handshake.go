package worker

import (
	"context"
	"encoding/json"

	"github.com/zyahav/mcp-skills-hub/pkg/errors"
	"github.com/zyahav/mcp-skills-hub/pkg/protocol"
)

// HandshakeConfig is what the hub announces about itself in initialize.
type HandshakeConfig struct {
	ProtocolVersion string
	ClientInfo      protocol.Implementation
}

// HandshakeResult is what the worker announced back.
type HandshakeResult struct {
	ProtocolVersion string
	ServerInfo      protocol.Implementation
	Capabilities    json.RawMessage
	Instructions    string
}

// Handshake performs initialize followed by notifications/initialized under
// a single hold of the worker's lock. The worker moves to StateReady only
// after both steps succeed.
func Handshake(ctx context.Context, w *Worker, cfg HandshakeConfig) (*HandshakeResult, error) {
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = protocol.DefaultProtocolVersion
	}

	params := protocol.InitializeParams{
		ProtocolVersion: cfg.ProtocolVersion,
		Capabilities:    json.RawMessage(`{}`),
		ClientInfo:      cfg.ClientInfo,
	}

	var result *HandshakeResult
	err := w.Exchange(ctx, func(s *Session) error {
		raw, err := s.Call(protocol.MethodInitialize, params)
		if err != nil {
			return err
		}

		var init protocol.InitializeResult
		if err := json.Unmarshal(raw, &init); err != nil {
			return errors.New(errors.CodeMalformedResponse, "invalid initialize result", err).
				WithContext("worker", w.Name())
		}

		if err := s.Notify(protocol.MethodInitialized, struct{}{}); err != nil {
			return err
		}

		result = &HandshakeResult{
			ProtocolVersion: init.ProtocolVersion,
			ServerInfo:      init.ServerInfo,
			Capabilities:    init.Capabilities,
			Instructions:    init.Instructions,
		}
		return nil
	})
	if err != nil {
		// Timeouts may clear up on a second attempt; everything else means the
		// worker is unusable.
		return nil, errors.New(errors.CodeHandshakeFailed, "handshake failed", err).
			WithContext("worker", w.Name()).
			WithRecoverable(errors.HasCode(err, errors.CodeTimeout))
	}

	w.setState(StateReady)
	w.logger.Info("worker initialized",
		"protocol_version", result.ProtocolVersion,
		"server", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
	)
	return result, nil
}
