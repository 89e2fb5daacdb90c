package alert

import (
	"github.com/smallbiznis/grantway/internal/alert/repository"
	"github.com/smallbiznis/grantway/internal/alert/service"
	"go.uber.org/fx"
)

var Module = fx.Module("alert.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
