package app

import (
	"github.com/carechat/carechat/internal/bus"
	"github.com/carechat/carechat/internal/conversation"
	"github.com/carechat/carechat/internal/presence"
	"github.com/carechat/carechat/internal/status"
	"github.com/carechat/carechat/internal/store"
	"github.com/carechat/carechat/internal/timeline"
	"github.com/carechat/carechat/internal/transport"
	"github.com/carechat/carechat/internal/typing"
	"go.uber.org/zap"
)

// Client is the surface a front end drives: it reads state from the
// components and acts through the conversation manager.
type Client struct {
	Profile   string
	Identity  transport.Identity
	Bus       *bus.Bus
	Machine   *status.Machine
	Directory *store.DB
	Timeline  *timeline.Engine
	Presence  *presence.Tracker
	Typing    *typing.Coordinator
	Manager   *conversation.Manager
	Logger    *zap.Logger
}

// NewClient bundles the session components for a front end.
func NewClient(
	p Params,
	id transport.Identity,
	b *bus.Bus,
	m *status.Machine,
	db *store.DB,
	engine *timeline.Engine,
	tracker *presence.Tracker,
	typist *typing.Coordinator,
	mgr *conversation.Manager,
	logger *zap.Logger,
) *Client {
	return &Client{
		Profile:   p.Profile,
		Identity:  id,
		Bus:       b,
		Machine:   m,
		Directory: db,
		Timeline:  engine,
		Presence:  tracker,
		Typing:    typist,
		Manager:   mgr,
		Logger:    logger,
	}
}
