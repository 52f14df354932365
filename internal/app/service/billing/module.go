package billing

import "go.uber.org/fx"

// Module exposes the reconciliation engine and the billable surface via Fx.
// The Manager is provided by the app wiring, which owns the driver registry.
var Module = fx.Options(
	SinkModule,
	fx.Provide(NewEngine),
	fx.Provide(NewBillableService),
)
