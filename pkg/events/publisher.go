// Package events publishes executed trades to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/xchange/pkg/app/core"
)

// TradeEvent is the wire form of a trade. Amounts are base-10 strings.
type TradeEvent struct {
	ID           uint64 `json:"id"`
	Symbol       string `json:"symbol"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	TakerOrderID uint64 `json:"taker_order_id"`
	MakerOrderID uint64 `json:"maker_order_id"`
	TakerSide    string `json:"taker_side"`
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	Timestamp    int64  `json:"ts"`
}

func NewTradeEvent(t core.Trade) TradeEvent {
	return TradeEvent{
		ID:           t.ID,
		Symbol:       t.Symbol.String(),
		Price:        t.Price.Dec(),
		Qty:          t.Qty.Dec(),
		TakerOrderID: t.TakerOrderID,
		MakerOrderID: t.MakerOrderID,
		TakerSide:    t.TakerSide.String(),
		Buyer:        t.Buyer.Hex(),
		Seller:       t.Seller.Hex(),
		Timestamp:    t.Timestamp,
	}
}

// Publisher delivers trades. PublishTrade must not block on the network.
type Publisher interface {
	PublishTrade(ctx context.Context, t core.Trade) error
	Close() error
}

// KafkaPublisher writes one message per trade, keyed by symbol so a
// symbol's trades stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.SugaredLogger) *KafkaPublisher {
	p := &KafkaPublisher{log: log}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion:   p.completion,
	}
	return p
}

func (p *KafkaPublisher) completion(msgs []kafka.Message, err error) {
	if err != nil {
		p.log.Errorw("trade_publish_failed", "messages", len(msgs), "err", err)
	}
}

func (p *KafkaPublisher) PublishTrade(ctx context.Context, t core.Trade) error {
	msg, err := tradeMessage(t)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func tradeMessage(t core.Trade) (kafka.Message, error) {
	value, err := json.Marshal(NewTradeEvent(t))
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(t.Symbol.String()),
		Value: value,
		Time:  time.UnixMilli(t.Timestamp),
	}, nil
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, t core.Trade) error

func (f PublisherFunc) PublishTrade(ctx context.Context, t core.Trade) error { return f(ctx, t) }
func (f PublisherFunc) Close() error                                          { return nil }

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) PublishTrade(ctx context.Context, t core.Trade) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishTrade(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
