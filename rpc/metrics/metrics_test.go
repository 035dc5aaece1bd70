package metrics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dRESP/rpc/common"
)

func TestRecordCommand(t *testing.T) {
	before := Counter(`dresp_commands_total{cmd="mtest",status="ok"}`)
	RecordCommand("MTEST", time.Millisecond, nil)
	RecordCommand("MTEST", time.Millisecond, fmt.Errorf("wrapped: %w", common.ErrCanceled))
	RecordCommand("MTEST", time.Millisecond, errors.New("boom"))

	if got := Counter(`dresp_commands_total{cmd="mtest",status="ok"}`); got != before+1 {
		t.Errorf("expected ok counter %d, got %d", before+1, got)
	}
	if got := Counter(`dresp_commands_total{cmd="mtest",status="canceled"}`); got != 1 {
		t.Errorf("expected canceled counter 1, got %d", got)
	}
	if got := Counter(`dresp_commands_total{cmd="mtest",status="error"}`); got != 1 {
		t.Errorf("expected error counter 1, got %d", got)
	}
}

func TestWritePrometheus(t *testing.T) {
	RecordRedirect("MOVED")
	ConnectionsChanged(2)
	defer ConnectionsChanged(-2)

	var buf bytes.Buffer
	WritePrometheus(&buf)
	out := buf.String()

	for _, want := range []string{`dresp_redirects_total{kind="moved"}`, "dresp_connections"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %s:\n%s", want, out)
		}
	}
}
