package engine

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"txbridge/internal/transport"
	"txbridge/internal/txn"
	"txbridge/source/kafka"
)

// memorySource replays a fixed set of records once.
type memorySource struct {
	mu      sync.Mutex
	records []string
	next    int
}

func (s *memorySource) Configure(kafka.Config) error { return nil }
func (s *memorySource) Start(context.Context) error { return nil }
func (s *memorySource) Rewind(context.Context) error { return nil }
func (s *memorySource) Close() error { return nil }

func (s *memorySource) GroupToken() (txn.GroupToken, error) {
	return txn.GroupToken{GroupID: "g", MemberID: "m", GenerationID: 1, Epoch: 1}, nil
}

func (s *memorySource) Receive(ctx context.Context, timeout time.Duration) (txn.Message, error) {
	s.mu.Lock()
	if s.next < len(s.records) {
		v := s.records[s.next]
		s.next++
		s.mu.Unlock()
		tok, _ := s.GroupToken()
		return txn.Message{
			Record: txn.NewRecord(nil, []byte(v), nil),
			Topic:  "src", Offset: int64(s.next - 1), Token: tok,
		}, nil
	}
	s.mu.Unlock()
	select {
	case <-time.After(timeout):
		return txn.Message{}, txn.ErrNoRecord
	case <-ctx.Done():
		return txn.Message{}, ctx.Err()
	}
}

func TestEngine_RunsPipelineUntilCancelled(t *testing.T) {
	kafka.Register("memory", func() kafka.Adapter { return &memorySource{records: []string{"a", "b"}} })

	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("source.yml", "schema_version: v1\nbrokers: [unused:9092]\ntopics: [src]\n")
	write("pipeline.yml", `schema_version: v1
name: dry
source: { kind: kafka, driver: memory, config: source.yml }
sink: { kind: stdout }
transformers: [ { name: uppercase } ]
bridge: { batch_size: 2, poll_timeout: 5ms }
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, err := Bootstrap(ctx, Config{PipelineYml: filepath.Join(dir, "pipeline.yml")})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return committed(t, e) >= 1 }, 5*time.Second, 5*time.Millisecond)

	port := e.transport.Addr().(*net.TCPAddr).Port
	cl, err := transport.DialPort(port)
	require.NoError(t, err)
	defer cl.Close()
	ok, err := cl.Check(context.Background(), "dry")
	require.NoError(t, err)
	require.True(t, ok)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func committed(t *testing.T, e *Engine) float64 {
	t.Helper()
	families, err := e.registry.Gather()
	require.NoError(t, err)
	var n float64
	for _, mf := range families {
		if mf.GetName() != "txbridge_transactions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == "committed" {
					n += m.GetCounter().GetValue()
				}
			}
		}
	}
	return n
}
