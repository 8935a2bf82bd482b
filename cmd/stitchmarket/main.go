package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/stitchmarket/stitchmarket/internal/clock"
	"github.com/stitchmarket/stitchmarket/internal/config"
	"github.com/stitchmarket/stitchmarket/internal/migration"
	"github.com/stitchmarket/stitchmarket/internal/observability"
	"github.com/stitchmarket/stitchmarket/internal/seed"
	"github.com/stitchmarket/stitchmarket/internal/server"
	"github.com/stitchmarket/stitchmarket/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		seed.Module,
		server.Module,
	)

	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
