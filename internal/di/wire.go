//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"clinicchat/internal/chat/handler"
	"clinicchat/internal/chat/presence"
	"clinicchat/internal/config"
)

var chatSet = wire.NewSet(
	ProvideLogger,
	ProvideAuthenticator,
	ProvidePrometheus,
	ProvideMetrics,
	ProvideStore,
	presence.NewRegistry,
	ProvideSessionManager,
	ProvideNotifier,
	ProvideAttachmentChecker,
	ProvideRelay,
	ProvideHub,
	ProvideChatService,
	ProvideDispatcher,
	ProvideHTTPHandler,
	ProvideWSHandler,
	handler.NewStreamHandler,
)

// InitializeApplication is a declaration; wire generates the body in wire_gen.go
func InitializeApplication(cfg *config.Config) (*Application, func(), error) {
	wire.Build(
		chatSet,
		wire.Struct(new(Application), "*"),
	)
	return nil, nil, nil
}
