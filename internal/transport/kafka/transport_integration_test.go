package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gatewaylog/internal/transport"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestKafkaContainerIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	tr, err := New(Config{Brokers: []string{broker}, TopicPrefix: "gatewaylog-it", TermBufferLength: 1024, Logger: nopLogger()})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	defer tr.Close()
	sub, err := tr.AddSubscription(dataStream)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	pub, err := tr.AddPublication(dataStream, 43)
	if err != nil {
		t.Fatalf("publication: %v", err)
	}

	deadline := time.Now().Add(20 * time.Second)
	var got []transport.Header
	for len(got) == 0 && time.Now().Before(deadline) {
		// The consumer joins at the topic end, so keep offering until it is assigned.
		_, _ = pub.Offer([]byte("8=FIX.4.4|35=D|"))
		sub.Poll(func(_ []byte, h transport.Header) transport.Action {
			got = append(got, h)
			return transport.Continue
		}, 10)
		time.Sleep(100 * time.Millisecond)
	}
	if len(got) == 0 {
		t.Fatalf("timed out waiting for consumed fragment")
	}
	if got[0].SessionID != 43 || got[0].Position <= 0 || got[0].Position%8 != 0 {
		t.Fatalf("unexpected header %+v", got[0])
	}
}
