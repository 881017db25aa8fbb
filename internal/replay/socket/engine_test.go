package socket

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"gatewaylog/internal/archive"
	"gatewaylog/internal/domain"
	"gatewaylog/internal/protocol"
	"gatewaylog/internal/raft"
	"gatewaylog/internal/transport/ipc"
)

var dataKey = domain.SessionKey{Stream: domain.NewStreamIdentifier("aeron:ipc", 2), SessionID: 43}

func nopLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeNode struct {
	id     domain.NodeID
	role   raft.RoleKind
	state  *raft.TermState
	reader *archive.Reader
}

func (n *fakeNode) ID() domain.NodeID       { return n.id }
func (n *fakeNode) RoleKind() raft.RoleKind { return n.role }
func (n *fakeNode) State() *raft.TermState  { return n.state }
func (n *fakeNode) Reader() *archive.Reader { return n.reader }

func ilink(i int) []byte {
	buf := make([]byte, protocol.HeaderLength+protocol.ILinkMessageBlockLength+4)
	if _, err := protocol.EncodeILinkMessage(buf, int64(i), []byte("fill")); err != nil {
		panic(err)
	}
	return buf
}

// archiveNode archives n messages on the data session and returns a node whose
// commit position is the end of message committed (1-based), plus every end.
func archiveNode(t *testing.T, n, committed int) (*fakeNode, []int64) {
	t.Helper()
	dir := archive.NewLogDirectory(t.TempDir())
	md, err := archive.OpenMetaData(dir, nopLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { md.Close() })
	ti, err := archive.OpenTermIndex(dir, nopLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ti.Close() })

	bus, err := ipc.New(ipc.Config{TermBufferLength: 256})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { bus.Close() })
	sub, err := bus.AddSubscription(dataKey.Stream)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := bus.AddPublication(dataKey.Stream, dataKey.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	a := archive.NewArchiver(archive.ArchiverConfig{Directory: dir, MetaData: md, TermIndex: ti, Logger: nopLogger()}, sub)
	t.Cleanup(func() { a.Close() })

	var ends []int64
	for i := 0; i < n; i++ {
		end, err := pub.Offer(ilink(i))
		if err != nil {
			t.Fatalf("offer %d: %v", i, err)
		}
		ends = append(ends, end)
		if _, err := a.Poll(10); err != nil {
			t.Fatal(err)
		}
	}
	r := archive.NewReader(archive.ReaderConfig{Directory: dir, MetaData: md, TermIndex: ti, Logger: nopLogger()})
	t.Cleanup(func() { r.Close() })
	var commit int64
	if committed > 0 {
		commit = ends[committed-1]
	}
	return &fakeNode{id: 1, role: raft.RoleLeader, state: raft.NewTermState(2, commit), reader: r}, ends
}

func connectionOf(body []byte) int64 {
	return int64(binary.LittleEndian.Uint64(body[protocol.HeaderLength:]))
}

func TestReplayStopsAtCommitPosition(t *testing.T) {
	node, ends := archiveNode(t, 12, 9)
	e := NewNodeEngine(node)
	ctx := context.Background()

	res, err := e.Replay(ctx, ReplayQuery{Key: dataKey, From: 0, MaxFragments: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Fragments) != 4 || res.Next != ends[3] || res.Commit != ends[8] {
		t.Fatalf("first page: %d fragments next %d commit %d", len(res.Fragments), res.Next, res.Commit)
	}
	var got []int64
	for _, f := range res.Fragments {
		got = append(got, connectionOf(f.Body))
	}
	for res.Next < res.Commit {
		if res, err = e.Replay(ctx, ReplayQuery{Key: dataKey, From: res.Next, MaxFragments: 4}); err != nil {
			t.Fatal(err)
		}
		for _, f := range res.Fragments {
			if f.TemplateID != protocol.TemplateILinkMessage {
				t.Fatalf("template %d", f.TemplateID)
			}
			got = append(got, connectionOf(f.Body))
		}
	}
	if len(got) != 9 || got[0] != 0 || got[8] != 8 {
		t.Fatalf("replayed connections %v", got)
	}

	res, err = e.Replay(ctx, ReplayQuery{Key: dataKey, From: ends[8]})
	if err != nil || len(res.Fragments) != 0 || res.Next != ends[8] {
		t.Fatalf("at commit: %+v err %v", res, err)
	}
	if _, err := e.Replay(ctx, ReplayQuery{Key: dataKey, From: ends[10]}); !errors.Is(err, archive.ErrOutOfRange) {
		t.Fatalf("beyond commit err = %v", err)
	}
}

func TestReplayUnknownSession(t *testing.T) {
	node, _ := archiveNode(t, 1, 1)
	other := domain.SessionKey{Stream: dataKey.Stream, SessionID: 99}
	if _, err := NewNodeEngine(node).Replay(context.Background(), ReplayQuery{Key: other}); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestStatusAndHealth(t *testing.T) {
	node, ends := archiveNode(t, 2, 2)
	e := NewNodeEngine(node)
	st := e.Status(context.Background())
	if st.NodeID != 1 || st.Role != raft.RoleLeader || st.Term != 2 || st.CommitPosition != ends[1] {
		t.Fatalf("status %+v", st)
	}
	if ok, msg := e.Health(context.Background()); !ok || msg != "leader in term 2" {
		t.Fatalf("health %v %q", ok, msg)
	}
	node.role = raft.RoleCandidate
	if ok, _ := e.Health(context.Background()); ok {
		t.Fatalf("candidate without leader reported healthy")
	}
}
