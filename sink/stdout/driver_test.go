package stdout

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"txbridge/internal/txn"
	"txbridge/sink"
)

func newDriver(t *testing.T, buf *bytes.Buffer) sink.Adapter {
	t.Helper()
	a, err := sink.NewAdapter("stdout")
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Configure(Config{Topic: "dry", PrintOffsets: true, Out: buf}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return a
}

func TestDriver_PrintsOnCommit(t *testing.T) {
	var buf bytes.Buffer
	d := newDriver(t, &buf)
	ctx := context.Background()

	tx, err := d.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, v := range []string{"one", "two"} {
		if err := d.Enqueue(ctx, tx, txn.NewRecord([]byte("k"), []byte(v), nil), ""); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if buf.Len() != 0 {
		t.Fatalf("output before commit: %q", buf.String())
	}
	offs := map[txn.TopicPartition]txn.PartitionOffset{{Topic: "src", Partition: 2}: {Topic: "src", Partition: 2, Offset: 8}}
	if err := d.CommitWithOffsets(ctx, tx, offs, txn.GroupToken{GroupID: "g"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`dry key="k" value="one"`, `value="two"`, "src[2] next=8"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestDriver_AbortDropsRecords(t *testing.T) {
	var buf bytes.Buffer
	d := newDriver(t, &buf)
	ctx := context.Background()

	tx, _ := d.Begin(ctx)
	_ = d.Enqueue(ctx, tx, txn.NewRecord(nil, []byte("gone"), nil), "")
	if err := d.Abort(ctx, tx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if tx.State() != txn.Aborted {
		t.Fatalf("state = %s", tx.State())
	}

	tx2, err := d.Begin(ctx)
	if err != nil {
		t.Fatalf("begin after abort: %v", err)
	}
	if err := d.CommitWithOffsets(ctx, tx2, nil, txn.GroupToken{GroupID: "g"}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if strings.Contains(buf.String(), "gone") {
		t.Fatalf("aborted record printed: %q", buf.String())
	}
}
