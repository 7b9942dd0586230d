package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_Workflows(t *testing.T) {
	r := New()

	r.WorkflowStarted()
	r.WorkflowStarted()
	if got := testutil.ToFloat64(r.InFlight); got != 2 {
		t.Errorf("expected 2 in flight, got %v", got)
	}

	r.WorkflowFinished("create", 10*time.Millisecond, nil)
	r.WorkflowFinished("create", 20*time.Millisecond, errors.New("boom"))
	if got := testutil.ToFloat64(r.InFlight); got != 0 {
		t.Errorf("expected 0 in flight, got %v", got)
	}
	if got := testutil.ToFloat64(r.Workflows.WithLabelValues("create", OutcomeSuccess)); got != 1 {
		t.Errorf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(r.Workflows.WithLabelValues("create", OutcomeFailure)); got != 1 {
		t.Errorf("expected 1 failure, got %v", got)
	}
}

func TestRecorder_ObserveRequest(t *testing.T) {
	r := New()
	r.ObserveRequest("create_subject", 5*time.Millisecond, nil)
	r.ObserveRequest("create_subject", 5*time.Millisecond, nil)
	r.ObserveRequest("delete_subject", 5*time.Millisecond, errors.New("404"))

	if got := testutil.ToFloat64(r.RemoteRequests.WithLabelValues("create_subject", OutcomeSuccess)); got != 2 {
		t.Errorf("expected 2 successful create_subject requests, got %v", got)
	}
	if got := testutil.ToFloat64(r.RemoteRequests.WithLabelValues("delete_subject", OutcomeFailure)); got != 1 {
		t.Errorf("expected 1 failed delete_subject request, got %v", got)
	}
	if n := testutil.CollectAndCount(r.RemoteLatency); n != 2 {
		t.Errorf("expected latency series for 2 operations, got %d", n)
	}
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r := New()
	r.WorkflowStarted()
	r.WorkflowFinished("delete", time.Millisecond, nil)

	path := filepath.Join(t.TempDir(), "seeder.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("write textfile: %v", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	want := `tracker_seeder_workflows_total{mode="delete",outcome="success"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("expected %q in textfile, got:\n%s", want, body)
	}
}
