package tokenusage

import (
	"github.com/smallbiznis/tokenledger/internal/tokenusage/repository"
	"github.com/smallbiznis/tokenledger/internal/tokenusage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tokenusage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
