package raft

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gatewaylog/internal/protocol"
	"gatewaylog/internal/transport"

	"github.com/golang/protobuf/proto"
)

// ReliefValve is told when a publication gives up on a back-pressured offer.
type ReliefValve interface {
	OnBackPressure()
}

type ReliefValveFunc func()

func (f ReliefValveFunc) OnBackPressure() { f() }

type noReliefValve struct{}

func (noReliefValve) OnBackPressure() {}

type PublicationConfig struct {
	// MaxClaimAttempts bounds the offers made for one message.
	MaxClaimAttempts int
	Idle             IdleStrategy
	ReliefValve      ReliefValve
}

// Publication offers consensus messages on a transport publication. It never
// queues: a message that cannot be offered within MaxClaimAttempts is reported
// to the relief valve and the caller gets the transport error back.
type Publication struct {
	pub         transport.Publication
	enc         *protocol.ControlEncoder
	maxAttempts int
	idle        IdleStrategy
	valve       ReliefValve
	fails       atomic.Int64
}

func NewPublication(pub transport.Publication, cfg PublicationConfig) *Publication {
	if cfg.MaxClaimAttempts <= 0 {
		cfg.MaxClaimAttempts = 100
	}
	if cfg.Idle == nil {
		cfg.Idle = NoOpIdle{}
	}
	if cfg.ReliefValve == nil {
		cfg.ReliefValve = noReliefValve{}
	}
	return &Publication{
		pub:         pub,
		enc:         protocol.NewControlEncoder(),
		maxAttempts: cfg.MaxClaimAttempts,
		idle:        cfg.Idle,
		valve:       cfg.ReliefValve,
	}
}

// Offer returns the stream position after msg. Transient failures are retried;
// ErrClosed and ErrMessageTooLarge are returned at once.
func (p *Publication) Offer(msg []byte) (int64, error) {
	var err error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		var pos int64
		pos, err = p.pub.Offer(msg)
		if err == nil {
			p.idle.Reset()
			return pos, nil
		}
		if !transport.Retryable(err) {
			return 0, err
		}
		p.idle.Idle(0)
	}
	p.idle.Reset()
	p.fails.Add(1)
	p.valve.OnBackPressure()
	return 0, err
}

// OfferControl encodes a control message into the reusable buffer and offers it.
func (p *Publication) OfferControl(msg proto.Message) (int64, error) {
	templateID, ok := protocol.TemplateFor(msg)
	if !ok {
		return 0, fmt.Errorf("raft: no template for %T", msg)
	}
	buf, err := p.enc.Encode(templateID, msg)
	if err != nil {
		return 0, err
	}
	return p.Offer(buf)
}

// FailCount is the number of messages given up on after exhausting attempts.
func (p *Publication) FailCount() int64 { return p.fails.Load() }

func (p *Publication) Position() int64 { return p.pub.Position() }

func (p *Publication) Close() error {
	if err := p.pub.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		return err
	}
	return nil
}
