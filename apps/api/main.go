package main

import (
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/conversation"
	"github.com/smallbiznis/tokenledger/internal/observability"
	"github.com/smallbiznis/tokenledger/internal/server"
	"github.com/smallbiznis/tokenledger/internal/tokenusage"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,

		conversation.Module,
		tokenusage.Module,

		// HTTP only; the sweep runs in apps/scheduler
		server.Module,
	)
	app.Run()
}
