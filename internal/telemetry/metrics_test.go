package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCheckpointOpLabelsResult(t *testing.T) {
	okBefore := testutil.ToFloat64(CheckpointOps.WithLabelValues("save", "ok"))
	errBefore := testutil.ToFloat64(CheckpointOps.WithLabelValues("save", "error"))

	CheckpointOp("save", nil)
	CheckpointOp("save", errors.New("locked"))
	CheckpointOp("save", nil)

	if got := testutil.ToFloat64(CheckpointOps.WithLabelValues("save", "ok")) - okBefore; got != 2 {
		t.Fatalf("ok delta %v", got)
	}
	if got := testutil.ToFloat64(CheckpointOps.WithLabelValues("save", "error")) - errBefore; got != 1 {
		t.Fatalf("error delta %v", got)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestExposeServesMetrics(t *testing.T) {
	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	Expose(ctx, port)
	RecordsShipped.Add(3)

	url := fmt.Sprintf("http://127.0.0.1:%d/metrics", port)
	var body string
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(b)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics endpoint not reachable: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(body, "logferry_records_shipped_total") {
		t.Fatalf("records_shipped missing from exposition")
	}
}
