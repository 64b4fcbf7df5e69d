package dispatch

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/config"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/logging"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/operation"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/router"
)

var ErrAgentIDRejected = errors.New("server rejected the agent id")

// CoreHandler runs pluginless operations.
type CoreHandler struct {
	Routes *router.Router
	// Refresh fetches the route table from the server.
	Refresh func(ctx context.Context) error
	// PersistRoutes saves the route table after it changes.
	PersistRoutes func(ctx context.Context) error
	// SetCheckIn pauses check-in while the server rejects the agent id.
	SetCheckIn func(enabled bool)
	Config     *config.Store
	Logger     log.FieldLogger
}

func (c *CoreHandler) Handle(ctx context.Context, op *operation.Operation) error {
	logger := c.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger = logger.WithField("operation", op.Describe())

	switch op.Type {
	case protocol.RefreshResponseURIs:
		return c.refreshRoutes(ctx, op, logger)

	case protocol.NewAgentID:
		id, _ := op.Data[protocol.KeyAgentID].(string)
		if id == "" {
			return fmt.Errorf("%s: missing %s", op.Type, protocol.KeyAgentID)
		}
		c.Config.Update(func(identity *config.Identity) {
			identity.AgentID = id
		})
		if err := c.Config.Save(); err != nil {
			logging.Exception(logger, err, "failed to save new agent id")
			return err
		}
		logger.WithField("agent_id", id).Info("agent id updated")
		if c.SetCheckIn != nil {
			c.SetCheckIn(true)
		}
		op.Result = map[string]any{protocol.KeySuccess: true}
		return nil

	case protocol.InvalidAgentID:
		logging.Critical(logger.WithField("agent_id", c.Config.AgentID()), "server reports the agent id as invalid")
		if c.SetCheckIn != nil {
			c.SetCheckIn(false)
		}
		return ErrAgentIDRejected

	default:
		return fmt.Errorf("unsupported core operation %s", op.Type)
	}
}

func (c *CoreHandler) refreshRoutes(ctx context.Context, op *operation.Operation, logger log.FieldLogger) error {
	if len(op.Data) == 0 {
		if c.Refresh == nil {
			return errors.New("route refresh is not configured")
		}
		if err := c.Refresh(ctx); err != nil {
			return err
		}
		return ErrNoResult
	}

	entries, err := router.ParseRefresh(op.Data)
	if err != nil {
		return err
	}
	if err := c.Routes.Replace(entries); err != nil {
		return err
	}
	logger.WithField("routes", len(entries)).Info("response uris refreshed")
	if c.PersistRoutes != nil {
		if err := c.PersistRoutes(ctx); err != nil {
			logging.Exception(logger, err, "failed to persist response uris")
		}
	}
	return ErrNoResult
}
