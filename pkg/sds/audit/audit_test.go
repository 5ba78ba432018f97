package audit

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/fieldmesh/sds/pkg/sds/log"
)

type recordingSink struct {
	topic   string
	payload []byte
}

func (s *recordingSink) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	s.topic = topic
	s.payload = payload
	return nil
}

func TestRecordLogsLocally(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	tr := New("owner", nil, "")
	tr.Record(context.Background(), Event{Kind: EventTableRegistered, Table: "fleet", TimeMS: 42})

	if buf.Len() == 0 {
		t.Fatal("expected a log line to be written")
	}
}

func TestRecordFansOutToSink(t *testing.T) {
	sink := &recordingSink{}
	tr := New("owner", sink, "sds-audit")
	tr.Record(context.Background(), Event{Kind: EventEviction, Table: "fleet", Detail: "dev-1"})

	if sink.topic != "sds-audit" {
		t.Fatalf("sink topic = %q", sink.topic)
	}
	if len(sink.payload) == 0 {
		t.Fatal("expected payload to be forwarded to sink")
	}
}
