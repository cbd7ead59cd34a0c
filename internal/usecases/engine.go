// Package usecases implements the protocol engine behind the streamable
// HTTP transport.
package usecases

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/FreePeak/streamable-mcp-server/internal/domain"
	"github.com/FreePeak/streamable-mcp-server/internal/domain/shared"
	"github.com/FreePeak/streamable-mcp-server/internal/infrastructure/logging"
)

// EngineService executes the core JSON-RPC methods of the protocol:
// the initialize handshake, ping, the initialized notification and
// shutdown. Protocol-level failures (unknown method, bad params) are
// answered in-band as JSON-RPC error responses; a Go error from
// HandleMessage is fatal for the session.
type EngineService struct {
	name         string
	version      string
	instructions string
	sender       domain.NotificationSender
	logger       *logging.Logger
}

// EngineConfig contains configuration for the EngineService.
type EngineConfig struct {
	Name         string
	Version      string
	Instructions string
	Sender       domain.NotificationSender
	Logger       *logging.Logger
}

var _ domain.ProtocolEngine = (*EngineService)(nil)

// NewEngineService creates a new EngineService with the given configuration.
func NewEngineService(config EngineConfig) *EngineService {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &EngineService{
		name:         config.Name,
		version:      config.Version,
		instructions: config.Instructions,
		sender:       config.Sender,
		logger:       logger,
	}
}

// ServerInfo returns the server's display name and version.
func (s *EngineService) ServerInfo() (string, string) {
	return s.name, s.version
}

// HandleMessage implements domain.ProtocolEngine.
func (s *EngineService) HandleMessage(ctx context.Context, session domain.Session, raw []byte) ([]byte, error) {
	var req shared.JSONRPCRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshalResponse(shared.NewErrorResponse(nil, shared.ParseError, "parse error"))
	}
	if req.JSONRPC != shared.JSONRPCVersion {
		return marshalResponse(shared.NewErrorResponse(req.ID, shared.InvalidRequest, "unsupported JSON-RPC version"))
	}

	switch req.Method {
	case shared.MethodInitialize:
		return s.handleInitialize(session, req)

	case shared.MethodPing:
		return marshalResponse(shared.NewResultResponse(req.ID, struct{}{}))

	case shared.MethodShutdown:
		resp, err := marshalResponse(shared.NewResultResponse(req.ID, struct{}{}))
		if err != nil {
			return nil, err
		}
		return resp, domain.ErrEngineShutdown

	case shared.MethodInitialized, shared.MethodCancelled:
		s.logger.Debug("client notification", logging.Fields{
			"method":     req.Method,
			"session_id": session.ID(),
		})
		return nil, nil

	default:
		if req.IsNotification() {
			s.logger.Debug("ignoring unknown notification", logging.Fields{"method": req.Method})
			return nil, nil
		}
		return marshalResponse(shared.NewErrorResponse(req.ID, shared.MethodNotFound, "method not found: "+req.Method))
	}
}

func (s *EngineService) handleInitialize(session domain.Session, req shared.JSONRPCRequest) ([]byte, error) {
	result := shared.InitializeResult{
		ProtocolVersion: shared.ProtocolVersion,
		ServerInfo: shared.ServerInfo{
			Name:    s.name,
			Version: s.version,
		},
		Capabilities: shared.Capabilities{},
		Instructions: s.instructions,
	}

	s.logger.Info("session initializing", logging.Fields{
		"server_name":    s.name,
		"server_version": s.version,
	})

	if req.IsNotification() {
		return nil, nil
	}
	return marshalResponse(shared.NewResultResponse(req.ID, result))
}

// SendNotification pushes a notification to a specific session.
func (s *EngineService) SendNotification(ctx context.Context, sessionID, method string, params interface{}) error {
	if s.sender == nil {
		return errors.New("no notification sender configured")
	}
	return s.sender.SendNotification(ctx, sessionID, shared.NewNotification(method, params))
}

// BroadcastNotification pushes a notification to all bound sessions.
func (s *EngineService) BroadcastNotification(ctx context.Context, method string, params interface{}) error {
	if s.sender == nil {
		return errors.New("no notification sender configured")
	}
	return s.sender.BroadcastNotification(ctx, shared.NewNotification(method, params))
}

func marshalResponse(resp shared.JSONRPCResponse) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling response")
	}
	return data, nil
}
