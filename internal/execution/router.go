package execution

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tradeforge/engine/internal/market"
	"github.com/tradeforge/engine/pkg/types"
	"go.uber.org/zap"
)

// PlaceOrderRequest is an order submission. Only the execution engine may
// construct one.
type PlaceOrderRequest struct {
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"`
	Volume     float64    `json:"volume"`
	EntryPrice float64    `json:"entryPrice"`
	SL         float64    `json:"sl,omitempty"`
	TP         float64    `json:"tp,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	Magic      int64      `json:"magic,omitempty"`
}

// Validate enforces the order invariants: positive volume, a legal side,
// and stops on the correct side of the entry.
func (r *PlaceOrderRequest) Validate() error {
	if r.Side != types.SideBuy && r.Side != types.SideSell {
		return fmt.Errorf("side must be BUY or SELL, got %q", r.Side)
	}
	if r.Volume <= 0 {
		return errors.New("volume must be positive")
	}
	if r.EntryPrice <= 0 {
		return errors.New("entry price must be positive")
	}
	if r.SL != 0 && r.TP != 0 {
		if r.Side == types.SideBuy && !(r.SL < r.EntryPrice && r.EntryPrice < r.TP) {
			return errors.New("for BUY: SL < entry < TP")
		}
		if r.Side == types.SideSell && !(r.TP < r.EntryPrice && r.EntryPrice < r.SL) {
			return errors.New("for SELL: TP < entry < SL")
		}
	}
	return nil
}

// OrderEvent is the result of a routing operation.
type OrderEvent struct {
	Time         time.Time         `json:"time"`
	Ticket       uint64            `json:"ticket"`
	Symbol       string            `json:"symbol"`
	Side         string            `json:"side"`
	Volume       float64           `json:"volume"`
	EntryPrice   float64           `json:"entryPrice"`
	FilledPrice  float64           `json:"filledPrice"`
	FilledVolume float64           `json:"filledVolume"`
	Status       types.OrderStatus `json:"status"`
	SL           float64           `json:"sl,omitempty"`
	TP           float64           `json:"tp,omitempty"`
	Retcode      int               `json:"retcode,omitempty"`
	Reason       string            `json:"reason,omitempty"`
}

// EventSink receives order events for the journal; nil sinks are ignored.
type EventSink interface {
	InsertOrderEvent(event OrderEvent)
}

// Router abstracts sim and live order placement behind one operation set.
type Router interface {
	PlaceOrder(request PlaceOrderRequest, now time.Time) OrderEvent
	ModifyOrder(ticket uint64, sl, tp float64) bool
	ClosePosition(ticket uint64, volume float64, now time.Time) OrderEvent
	GetPosition(ticket uint64) *types.Position
	GetAllPositions() []*types.Position
}

// SimRouter fills orders through the fill model and tracks them in memory.
// Tickets come from a monotonic counter.
type SimRouter struct {
	logger     *zap.Logger
	fillModel  *FillModel
	tracker    *PositionTracker
	sink       EventSink
	nextTicket uint64
}

// NewSimRouter creates the paper-trading router.
func NewSimRouter(logger *zap.Logger, fillModel *FillModel, tracker *PositionTracker, sink EventSink) *SimRouter {
	return &SimRouter{
		logger:     logger.Named("router-sim"),
		fillModel:  fillModel,
		tracker:    tracker,
		sink:       sink,
		nextTicket: 10000,
	}
}

// PlaceOrder validates, fills through the model, and registers the position.
func (r *SimRouter) PlaceOrder(request PlaceOrderRequest, now time.Time) OrderEvent {
	if err := request.Validate(); err != nil {
		event := rejectedEvent(request, now, err.Error())
		r.logger.Warn("order rejected", zap.Error(err))
		r.emit(event)
		return event
	}

	fill := r.fillModel.CalculateFill(request.EntryPrice, string(request.Side), 0, false, now)

	ticket := r.nextTicket
	r.nextTicket++

	event := OrderEvent{
		Time:       now,
		Ticket:     ticket,
		Symbol:     request.Symbol,
		Side:       string(request.Side),
		Volume:     request.Volume,
		EntryPrice: request.EntryPrice,
		SL:         request.SL,
		TP:         request.TP,
	}
	if fill.Success {
		event.Status = types.OrderFilled
		event.FilledPrice = fill.FilledPrice
		event.FilledVolume = request.Volume
		r.tracker.Add(types.Position{
			Ticket:     ticket,
			Symbol:     request.Symbol,
			Side:       request.Side,
			Volume:     request.Volume,
			EntryPrice: fill.FilledPrice,
			OpenTime:   now,
			SL:         request.SL,
			TP:         request.TP,
			Comment:    request.Comment,
			Magic:      request.Magic,
		})
	} else {
		event.Status = types.OrderRejected
		event.Reason = fill.Reason
	}

	r.emit(event)
	r.logger.Info("order routed",
		zap.Uint64("ticket", ticket),
		zap.String("status", string(event.Status)),
		zap.Float64("filled", event.FilledPrice))
	return event
}

// ModifyOrder updates SL/TP in the tracker.
func (r *SimRouter) ModifyOrder(ticket uint64, sl, tp float64) bool {
	return r.tracker.SetStops(ticket, sl, tp)
}

// ClosePosition closes (possibly partially) through the fill model at the
// last tracked price.
func (r *SimRouter) ClosePosition(ticket uint64, volume float64, now time.Time) OrderEvent {
	position := r.tracker.Get(ticket)
	if position == nil || position.Status != types.PositionOpen {
		return OrderEvent{
			Time:   now,
			Ticket: ticket,
			Status: types.OrderRejected,
			Reason: "position not found",
		}
	}
	closeSide := position.Side.Opposite()
	fill := r.fillModel.CalculateFill(r.tracker.lastPrice[ticket], string(closeSide), 0, false, now)
	event := OrderEvent{
		Time:       now,
		Ticket:     ticket,
		Symbol:     position.Symbol,
		Side:       "CLOSE_" + string(position.Side),
		Volume:     volume,
		EntryPrice: position.EntryPrice,
	}
	if fill.Success {
		event.Status = types.OrderFilled
		event.FilledPrice = fill.FilledPrice
		event.FilledVolume = volume
		r.tracker.Close(ticket, volume, fill.FilledPrice, now)
	} else {
		event.Status = types.OrderRejected
		event.Reason = fill.Reason
	}
	r.emit(event)
	return event
}

// GetPosition returns the tracked position for the ticket.
func (r *SimRouter) GetPosition(ticket uint64) *types.Position { return r.tracker.Get(ticket) }

// GetAllPositions returns every open tracked position.
func (r *SimRouter) GetAllPositions() []*types.Position { return r.tracker.OpenPositions() }

func (r *SimRouter) emit(event OrderEvent) {
	if r.sink != nil {
		r.sink.InsertOrderEvent(event)
	}
}

// LiveRouter delegates to the broker adapter, parsing native retcodes and
// retrying transient errors with bounded exponential backoff.
type LiveRouter struct {
	logger    *zap.Logger
	adapter   market.BrokerAdapter
	tracker   *PositionTracker
	sink      EventSink
	maxElapsed time.Duration
}

// NewLiveRouter creates the live router.
func NewLiveRouter(logger *zap.Logger, adapter market.BrokerAdapter, tracker *PositionTracker, sink EventSink, maxElapsed time.Duration) *LiveRouter {
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}
	return &LiveRouter{
		logger:    logger.Named("router-live"),
		adapter:   adapter,
		tracker:   tracker,
		sink:      sink,
		maxElapsed: maxElapsed,
	}
}

// PlaceOrder submits to the broker, retrying transient failures.
func (r *LiveRouter) PlaceOrder(request PlaceOrderRequest, now time.Time) OrderEvent {
	if err := request.Validate(); err != nil {
		event := rejectedEvent(request, now, err.Error())
		r.emit(event)
		return event
	}

	var result market.OrderResult
	operation := func() error {
		var err error
		result, err = r.adapter.PlaceOrder(request.Symbol, string(request.Side), request.Volume,
			request.EntryPrice, request.SL, request.TP, request.Comment, request.Magic)
		if err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = r.maxElapsed
	if err := backoff.Retry(operation, policy); err != nil {
		event := OrderEvent{
			Time:       now,
			Symbol:     request.Symbol,
			Side:       string(request.Side),
			Volume:     request.Volume,
			EntryPrice: request.EntryPrice,
			Status:     types.OrderError,
			Reason:     err.Error(),
		}
		r.logger.Error("order submission failed", zap.Error(err))
		r.emit(event)
		return event
	}

	event := OrderEvent{
		Time:       now,
		Ticket:     result.Ticket,
		Symbol:     request.Symbol,
		Side:       string(request.Side),
		Volume:     request.Volume,
		EntryPrice: request.EntryPrice,
		SL:         request.SL,
		TP:         request.TP,
		Retcode:    result.Retcode,
		Reason:     result.Reason,
	}
	if result.Retcode == 0 {
		event.Status = types.OrderFilled
		event.FilledPrice = result.FilledPrice
		event.FilledVolume = request.Volume
		r.tracker.Add(types.Position{
			Ticket:     result.Ticket,
			Symbol:     request.Symbol,
			Side:       request.Side,
			Volume:     request.Volume,
			EntryPrice: result.FilledPrice,
			OpenTime:   now,
			SL:         request.SL,
			TP:         request.TP,
			Comment:    request.Comment,
			Magic:      request.Magic,
		})
	} else {
		event.Status = types.OrderRejected
	}
	r.emit(event)
	r.logger.Info("live order",
		zap.Uint64("ticket", event.Ticket),
		zap.Int("retcode", result.Retcode),
		zap.String("status", string(event.Status)))
	return event
}

// ModifyOrder pushes new stops to the broker and mirrors them locally.
func (r *LiveRouter) ModifyOrder(ticket uint64, sl, tp float64) bool {
	result, err := r.adapter.ModifyOrder(ticket, sl, tp)
	if err != nil || result.Retcode != 0 {
		r.logger.Warn("modify failed", zap.Uint64("ticket", ticket), zap.Error(err))
		return false
	}
	return r.tracker.SetStops(ticket, sl, tp)
}

// ClosePosition closes through the broker.
func (r *LiveRouter) ClosePosition(ticket uint64, volume float64, now time.Time) OrderEvent {
	position := r.tracker.Get(ticket)
	if position == nil {
		return OrderEvent{Time: now, Ticket: ticket, Status: types.OrderRejected, Reason: "position not found"}
	}
	result, err := r.adapter.ClosePosition(ticket, volume)
	event := OrderEvent{
		Time:       now,
		Ticket:     ticket,
		Symbol:     position.Symbol,
		Side:       "CLOSE_" + string(position.Side),
		Volume:     volume,
		EntryPrice: position.EntryPrice,
	}
	if err != nil {
		event.Status = types.OrderError
		event.Reason = err.Error()
		r.emit(event)
		return event
	}
	event.Retcode = result.Retcode
	if result.Retcode == 0 {
		event.Status = types.OrderFilled
		event.FilledPrice = result.FilledPrice
		event.FilledVolume = volume
		r.tracker.Close(ticket, volume, result.FilledPrice, now)
	} else {
		event.Status = types.OrderRejected
		event.Reason = result.Reason
	}
	r.emit(event)
	return event
}

// GetPosition returns the tracked position for the ticket.
func (r *LiveRouter) GetPosition(ticket uint64) *types.Position { return r.tracker.Get(ticket) }

// GetAllPositions returns every open tracked position.
func (r *LiveRouter) GetAllPositions() []*types.Position { return r.tracker.OpenPositions() }

func (r *LiveRouter) emit(event OrderEvent) {
	if r.sink != nil {
		r.sink.InsertOrderEvent(event)
	}
}

func rejectedEvent(request PlaceOrderRequest, now time.Time, reason string) OrderEvent {
	return OrderEvent{
		Time:       now,
		Symbol:     request.Symbol,
		Side:       string(request.Side),
		Volume:     request.Volume,
		EntryPrice: request.EntryPrice,
		Status:     types.OrderRejected,
		Reason:     reason,
	}
}

// isTransient classifies broker errors worth retrying.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "temporar", "connection", "unavailable", "busy", "requote"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
