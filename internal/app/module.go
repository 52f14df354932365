package app

import (
	"time"

	"github.com/emeroid/billing/internal/app/api/server"
	"github.com/emeroid/billing/internal/app/service/billing"
	"github.com/emeroid/billing/internal/app/service/reporting"
	"github.com/emeroid/billing/internal/app/service/webhooklog"
	"github.com/emeroid/billing/internal/platform/db"
	"github.com/emeroid/billing/internal/platform/store"
	"github.com/emeroid/billing/pkg/config"
	"github.com/emeroid/billing/pkg/logger"

	"go.uber.org/fx"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	store.Module,
	billing.Module,
	fx.Provide(newManager),
	webhooklog.Module,
	reporting.Module,
	server.Module,
)
