// Package newrelic provides optional New Relic APM instrumentation
// for the farmer's signage-point dispatch pipeline and pool HTTP
// calls.
package newrelic

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/seanb95531/chia-farmer/internal/config"
	"github.com/seanb95531/chia-farmer/internal/util"
)

// Agent wraps New Relic APM functionality.
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent.
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{
		cfg: cfg,
	}
}

// Start initializes the New Relic agent.
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("New Relic APM disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("New Relic license key not configured, APM disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("New Relic connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("New Relic APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent.
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("Shutting down New Relic agent")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application, for
// middleware that needs direct access.
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled returns true if New Relic is enabled and connected.
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction.
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event.
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric.
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error against a transaction.
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext adds a transaction to a context.
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext gets a transaction from a context.
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// RecordSignagePointDispatch records one OnNewSignagePoint pipeline
// run: how long plot-filter evaluation and harvester broadcast took,
// and how many harvesters received it.
func (a *Agent) RecordSignagePointDispatch(elapsed time.Duration, harvesterCount int) {
	a.RecordCustomEvent("SignagePointDispatch", map[string]interface{}{
		"elapsed_ms":      elapsed.Milliseconds(),
		"harvester_count": harvesterCount,
	})
	a.RecordCustomMetric("Custom/Farmer/SPDispatchLatencyMs", float64(elapsed.Milliseconds()))
}

// RecordProofHandled records one HandleProof outcome: whether the
// proof passed verification and whether it was routed to a pool
// partial or a self-pooled signature request.
func (a *Agent) RecordProofHandled(valid bool, selfPooled bool) {
	status := "valid"
	if !valid {
		status = "invalid"
	}
	route := "pool_partial"
	if selfPooled {
		route = "signature_request"
	}
	a.RecordCustomEvent("ProofHandled", map[string]interface{}{
		"status": status,
		"route":  route,
	})
}

// RecordPoolCall records the outcome of one pool HTTP call (pool_info,
// farmer refresh, POST/PUT farmer, or POST partial).
func (a *Agent) RecordPoolCall(poolURL, operation string, ok bool, elapsed time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	a.RecordCustomEvent("PoolCall", map[string]interface{}{
		"pool":       poolURL,
		"operation":  operation,
		"status":     status,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	a.RecordCustomMetric("Custom/Pool/CallLatencyMs", float64(elapsed.Milliseconds()))
}

// UpdateHarvesterMetrics updates harvester fleet metrics.
func (a *Agent) UpdateHarvesterMetrics(connectedSessions int, totalPlots int64) {
	a.RecordCustomMetric("Custom/Harvester/ConnectedSessions", float64(connectedSessions))
	a.RecordCustomMetric("Custom/Harvester/TotalPlots", float64(totalPlots))
}

// UpdatePeakMetrics updates the most recently observed peak height.
func (a *Agent) UpdatePeakMetrics(height uint32) {
	a.RecordCustomMetric("Custom/Farmer/PeakHeight", float64(height))
}
