package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecorders(t *testing.T) {
	m := getMetrics()

	before := testutil.ToFloat64(m.activation.WithLabelValues("started"))
	RecordActivation("started")
	assert.Equal(t, before+1, testutil.ToFloat64(m.activation.WithLabelValues("started")))

	SetActiveSessions(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeSessions))

	RecordQueuePush("activations", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueSize.WithLabelValues("activations")))
	RecordQueuePop("activations", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueSize.WithLabelValues("activations")))

	errBefore := testutil.ToFloat64(m.tokenRequests.WithLabelValues("renew", "error"))
	RecordTokenRequest("renew", 10*time.Millisecond, false)
	assert.Equal(t, errBefore+1, testutil.ToFloat64(m.tokenRequests.WithLabelValues("renew", "error")))

	storeErrBefore := testutil.ToFloat64(m.storeErrors.WithLabelValues("save"))
	RecordStoreOp("save", time.Millisecond, false)
	RecordStoreOp("save", time.Millisecond, true)
	assert.Equal(t, storeErrBefore+1, testutil.ToFloat64(m.storeErrors.WithLabelValues("save")))
}

func TestMetricsHandler(t *testing.T) {
	RecordStreamMessage()

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "streamrelay_stream_messages_total")
}
