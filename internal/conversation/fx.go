package conversation

import (
	"github.com/smallbiznis/tokenledger/internal/conversation/repository"
	"github.com/smallbiznis/tokenledger/internal/conversation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("conversation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
