// Package execution derives deterministic client order IDs and drives
// the idempotent placement protocol. The same plan always produces the
// same IDs, so a crash-and-retry can never double an order: either the
// Store short-circuits it or the broker rejects the duplicate ID.
package execution

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"intraday_trader/internal/core"
	"intraday_trader/internal/ratelimit"
	"intraday_trader/pkg/apperrors"
	"intraday_trader/pkg/retry"
	"intraday_trader/pkg/telemetry"
)

// TokenRefresher renews broker credentials after an auth failure.
// Brokers without session tokens can leave it nil.
type TokenRefresher interface {
	RefreshToken(ctx context.Context) error
}

// PlanClientID derives the 24-char deterministic plan hash. Prices use
// their canonical decimal form, so equal plans hash equal.
func PlanClientID(sig core.Signal, qty int64) string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s|%s",
		sig.Symbol, sig.Side, sig.Entry.String(), sig.Stop.String(), sig.TP.String(),
		qty, sig.Strategy, sig.ConfigSHA)
	sum := sha1.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])[:24]
}

// OrderClientID appends the order tag and optional group suffix.
func OrderClientID(planID string, tag core.OrderTag, suffix string) string {
	if suffix == "" {
		return planID + ":" + string(tag)
	}
	return planID + ":" + string(tag) + ":" + suffix
}

// Engine implements order placement and cancellation against the
// broker port, behind the rate limiter.
type Engine struct {
	store     core.IStore
	broker    core.IBroker
	throttle  *ratelimit.Throttle
	refresher TokenRefresher
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
}

func NewEngine(store core.IStore, broker core.IBroker, throttle *ratelimit.Throttle,
	refresher TokenRefresher, logger core.ILogger) *Engine {
	return &Engine{
		store:     store,
		broker:    broker,
		throttle:  throttle,
		refresher: refresher,
		logger:    logger.WithField("component", "execution"),
		metrics:   telemetry.GetGlobalMetrics(),
	}
}

// PlaceOrder runs the idempotent placement protocol for o. The returned
// order reflects the post-placement row. Callers must have set
// ClientOrderID via OrderClientID.
func (e *Engine) PlaceOrder(ctx context.Context, o core.Order) (core.Order, error) {
	live := []core.OrderStatus{core.OrderPlaced, core.OrderPartial, core.OrderFilled}
	exists, err := e.store.OrderExists(ctx, o.ClientOrderID, live)
	if err != nil {
		return core.Order{}, fmt.Errorf("idempotency check: %w", err)
	}
	if exists {
		e.logger.Info("order already live, short-circuiting", "client_order_id", o.ClientOrderID)
		return e.store.OrderByClientID(ctx, o.ClientOrderID)
	}

	o.Status = core.OrderNew
	if err := e.store.InsertOrder(ctx, o); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateOrder) {
			// a previous attempt got as far as the row; resume from it
			return e.resume(ctx, o.ClientOrderID)
		}
		return core.Order{}, err
	}
	return e.send(ctx, o)
}

// resume continues placement for a pre-existing NEW row. Terminal and
// live rows are returned as-is.
func (e *Engine) resume(ctx context.Context, coid string) (core.Order, error) {
	o, err := e.store.OrderByClientID(ctx, coid)
	if err != nil {
		return core.Order{}, err
	}
	if o.Status != core.OrderNew {
		return o, nil
	}
	return e.send(ctx, o)
}

func (e *Engine) send(ctx context.Context, o core.Order) (core.Order, error) {
	req := core.OrderRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Qty:           o.Qty,
		Type:          o.Type,
		Price:         o.Price,
		TriggerPrice:  o.TriggerPrice,
	}

	start := time.Now()
	ack, err := e.callBroker(ctx, req)
	e.metrics.Observe(e.metrics.OrderLatencyMs, float64(time.Since(start).Milliseconds()),
		attribute.String("tag", string(o.Tag)))

	if err != nil {
		if apperrors.Classify(err) == apperrors.ClassIntegrity {
			// the broker already knows this ID; the watcher will deliver
			// its real status
			e.logger.Warn("broker reports duplicate id, treating as placed",
				"client_order_id", o.ClientOrderID)
			return e.markPlaced(ctx, o.ClientOrderID, "")
		}
		reason := err.Error()
		updated, _, uerr := e.store.UpdateOrderStatus(ctx, o.ClientOrderID, core.OrderEvent{
			ClientOrderID: o.ClientOrderID,
			Status:        core.OrderRejected,
			Reason:        reason,
			At:            time.Now(),
		})
		if uerr != nil {
			e.logger.Error("failed to mark order rejected", "client_order_id", o.ClientOrderID, "error", uerr)
		}
		e.logger.Error("order placement failed",
			"client_order_id", o.ClientOrderID, "class", apperrors.Classify(err).String(), "error", err)
		return updated, fmt.Errorf("place %s: %w", o.ClientOrderID, err)
	}

	e.metrics.Count(e.metrics.OrdersPlacedTotal, 1, attribute.String("tag", string(o.Tag)))
	return e.markPlaced(ctx, o.ClientOrderID, ack.BrokerID)
}

func (e *Engine) markPlaced(ctx context.Context, coid, brokerID string) (core.Order, error) {
	updated, _, err := e.store.UpdateOrderStatus(ctx, coid, core.OrderEvent{
		ClientOrderID: coid,
		BrokerID:      brokerID,
		Status:        core.OrderPlaced,
		At:            time.Now(),
	})
	if err != nil {
		return core.Order{}, fmt.Errorf("mark placed %s: %w", coid, err)
	}
	return updated, nil
}

// callBroker sends the placement with classified retries. Transient
// errors back off and retry; an auth error gets exactly one token
// refresh before the final attempt; validation and business errors
// fail immediately.
func (e *Engine) callBroker(ctx context.Context, req core.OrderRequest) (core.OrderAck, error) {
	var ack core.OrderAck
	refreshed := false

	err := retry.Do(ctx, retry.BrokerPolicy, func(err error) bool {
		class := apperrors.Classify(err)
		switch class {
		case apperrors.ClassTransient:
			e.metrics.Count(e.metrics.RetriesTotal, 1, attribute.String("type", "transient"))
			return true
		case apperrors.ClassAuth:
			if refreshed || e.refresher == nil {
				return false
			}
			refreshed = true
			if rerr := e.refresher.RefreshToken(ctx); rerr != nil {
				e.logger.Error("token refresh failed", "error", rerr)
				return false
			}
			e.metrics.Count(e.metrics.RetriesTotal, 1, attribute.String("type", "auth"))
			return true
		default:
			return false
		}
	}, func() error {
		if err := e.throttle.Wait(ctx, ratelimit.ClassOrders); err != nil {
			return err
		}
		var err error
		ack, err = e.broker.PlaceOrder(ctx, req)
		return err
	})
	return ack, err
}

// CancelOrder cancels by client order ID. Priority cancels (flatten,
// sibling cancellation) bypass the throttle queue bound.
func (e *Engine) CancelOrder(ctx context.Context, coid string, priority bool) error {
	return retry.Do(ctx, retry.BrokerPolicy, func(err error) bool {
		if apperrors.Classify(err) == apperrors.ClassTransient {
			e.metrics.Count(e.metrics.RetriesTotal, 1, attribute.String("type", "transient"))
			return true
		}
		return false
	}, func() error {
		var err error
		if priority {
			err = e.throttle.WaitPriority(ctx, ratelimit.ClassOrders)
		} else {
			err = e.throttle.Wait(ctx, ratelimit.ClassOrders)
		}
		if err != nil {
			return err
		}
		if err := e.broker.CancelOrder(ctx, coid); err != nil {
			// cancel of an already-gone order is success for our purposes
			if errors.Is(err, apperrors.ErrOrderNotFound) {
				return nil
			}
			return err
		}
		return nil
	})
}

// ModifyOrder rewrites price/trigger/qty on a live order.
func (e *Engine) ModifyOrder(ctx context.Context, coid string, req core.OrderRequest) error {
	return retry.Do(ctx, retry.BrokerPolicy, func(err error) bool {
		return apperrors.Classify(err) == apperrors.ClassTransient
	}, func() error {
		if err := e.throttle.Wait(ctx, ratelimit.ClassOrders); err != nil {
			return err
		}
		return e.broker.ModifyOrder(ctx, coid, req)
	})
}
