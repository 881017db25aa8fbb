package kafka

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"gatewaylog/internal/domain"
	"gatewaylog/internal/logbuffer"
	"gatewaylog/internal/transport"

	"github.com/twmb/franz-go/pkg/kgo"
)

var dataStream = domain.NewStreamIdentifier("aeron:ipc", 2)

func nopLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestConfigDefaultsAndValidate(t *testing.T) {
	cfg := Config{Brokers: []string{"127.0.0.1:9092"}}
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.TopicPrefix != "gatewaylog" || cfg.Partitions != 1 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if got := cfg.Topic(dataStream); got != "gatewaylog-aeron_ipc-2" {
		t.Fatalf("topic=%q", got)
	}
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected missing brokers error")
	}
	bad := Config{Brokers: []string{"x"}, TermBufferLength: 100}
	if err := bad.Validate(); !errors.Is(err, logbuffer.ErrBadTermLength) {
		t.Fatalf("expected bad term length, got %v", err)
	}
}

func TestOfferMapsFullBufferToBackPressure(t *testing.T) {
	buffered := int64(0)
	var produced []*kgo.Record
	p := &publication{
		topic:     "gatewaylog-aeron_ipc-2",
		sessionID: 43,
		limit:     2,
		tracker:   logbuffer.NewTracker(1024, 0),
		buffered:  func() int64 { return buffered },
		produce: func(r *kgo.Record) {
			produced = append(produced, r)
			buffered++
		},
	}
	for i := 0; i < 2; i++ {
		if _, err := p.Offer([]byte("fix")); err != nil {
			t.Fatalf("offer %d: %v", i, err)
		}
	}
	if _, err := p.Offer([]byte("fix")); !errors.Is(err, transport.ErrBackPressured) {
		t.Fatalf("expected back pressure, got %v", err)
	}
	if p.Position() != 32 {
		t.Fatalf("rejected offer advanced position to %d", p.Position())
	}
	buffered = 0
	pos, err := p.Offer([]byte("fix"))
	if err != nil || pos != 48 {
		t.Fatalf("retry pos=%d err=%v", pos, err)
	}
	session, position, err := decodeRecord(produced[2])
	if err != nil || session != 43 || position != 48 {
		t.Fatalf("record headers session=%d position=%d err=%v", session, position, err)
	}
}

func TestClosedPublicationRejectsOffer(t *testing.T) {
	p := &publication{tracker: logbuffer.NewTracker(1024, 0), buffered: func() int64 { return 0 }, produce: func(*kgo.Record) {}}
	p.Close()
	if _, err := p.Offer([]byte("x")); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSubscriptionPollSkipsBadRecordsAndHonoursAbort(t *testing.T) {
	good1 := encodeRecord("t", 0, 43, 16, []byte("one"))
	good2 := encodeRecord("t", 0, 43, 32, []byte("two"))
	bad := &kgo.Record{Topic: "t", Value: []byte("no headers")}
	batches := [][]*kgo.Record{{good1, bad, good2}}
	s := &subscription{
		stream:  dataStream,
		cfg:     Config{TermBufferLength: 1024, InitialTermID: 3},
		log:     nopLogger(),
		maxPoll: 10,
		poll: func(int) ([]*kgo.Record, error) {
			if len(batches) == 0 {
				return nil, nil
			}
			b := batches[0]
			batches = batches[1:]
			return b, nil
		},
	}
	var got []string
	var headers []transport.Header
	n := s.Poll(func(f []byte, h transport.Header) transport.Action {
		if string(f) == "two" && len(got) == 1 {
			got = append(got, "aborted")
			return transport.Abort
		}
		got = append(got, string(f))
		headers = append(headers, h)
		return transport.Continue
	}, 10)
	if n != 1 || s.skipped != 1 {
		t.Fatalf("n=%d skipped=%d", n, s.skipped)
	}
	n = s.Poll(func(f []byte, h transport.Header) transport.Action {
		got = append(got, string(f))
		headers = append(headers, h)
		return transport.Continue
	}, 10)
	if n != 1 || got[2] != "two" {
		t.Fatalf("redelivery n=%d got=%v", n, got)
	}
	if headers[1].Position != 32 || headers[1].SessionID != 43 || headers[1].InitialTermID != 3 {
		t.Fatalf("header=%+v", headers[1])
	}
}
