package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/matst80/rfbrelay/internal/admin"
	"github.com/matst80/rfbrelay/internal/handshake"
)

func testConfig() Config {
	cfg := defaultConfig()
	cfg.ProducerAddr = "127.0.0.1:0"
	cfg.ConsumerAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.Workers = 2
	return cfg
}

func TestAppGraphValidates(t *testing.T) {
	require.NoError(t, fx.ValidateApp(appOptions(testConfig())...))
}

func TestAppRelaysBetweenRoles(t *testing.T) {
	var rs *relayServer
	app := fxtest.New(t, append(appOptions(testConfig()), fx.Populate(&rs))...)
	app.RequireStart()
	defer app.RequireStop()
	require.Eventually(t, rs.Ready, 2*time.Second, 10*time.Millisecond)

	prod, err := net.Dial("tcp", rs.producer.Addr().String())
	require.NoError(t, err)
	defer prod.Close()
	_, err = prod.Write(handshake.EncodeID("desk", ""))
	require.NoError(t, err)
	_, err = io.WriteString(prod, "RFB 003.008\n")
	require.NoError(t, err)

	cons, err := net.Dial("tcp", rs.consumer.Addr().String())
	require.NoError(t, err)
	defer cons.Close()
	_ = cons.SetDeadline(time.Now().Add(5 * time.Second))
	greeting := make([]byte, handshake.VersionSize)
	_, err = io.ReadFull(cons, greeting)
	require.NoError(t, err)
	assert.Equal(t, handshake.GenericVersion, string(greeting))

	_, err = cons.Write(handshake.EncodeID("DESK", ""))
	require.NoError(t, err)
	banner := make([]byte, handshake.VersionSize)
	_, err = io.ReadFull(cons, banner)
	require.NoError(t, err)
	assert.Equal(t, "RFB 003.008\n", string(banner))

	_, err = io.WriteString(cons, "ping")
	require.NoError(t, err)
	_ = prod.SetDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, 4)
	_, err = io.ReadFull(prod, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	st, err := rs.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Matched)
	assert.Equal(t, 2, st.Workers)
}

func TestAppServesAdmin(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsAddr = "127.0.0.1:0"
	var srv *admin.Server
	var rs *relayServer
	app := fxtest.New(t, append(appOptions(cfg), fx.Populate(&srv, &rs))...)
	app.RequireStart()
	defer app.RequireStop()
	require.NotNil(t, srv)
	require.Eventually(t, rs.Ready, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr().String() + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAppLookupFoldsLikeTheHandshake(t *testing.T) {
	var rs *relayServer
	app := fxtest.New(t, append(appOptions(testConfig()), fx.Populate(&rs))...)
	app.RequireStart()
	defer app.RequireStop()

	prod, err := net.Dial("tcp", rs.producer.Addr().String())
	require.NoError(t, err)
	defer prod.Close()
	_, err = prod.Write(handshake.EncodeID("ÄBC", "meta"))
	require.NoError(t, err)
	_, err = io.WriteString(prod, "RFB 003.008\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := rs.Lookup(context.Background(), "producer", "ÄBC")
		return err == nil && got["local"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	got, err := rs.Lookup(context.Background(), "producer", "äbc")
	require.NoError(t, err)
	assert.Empty(t, got, "non-ASCII letters do not fold")
}

func TestAppWiresLimiterOnlyWhenRateSet(t *testing.T) {
	var off *relayServer
	require.NoError(t, fx.New(append(appOptions(testConfig()), fx.Populate(&off))...).Err())
	assert.False(t, off.limiter.Enabled())

	cfg := testConfig()
	cfg.AcceptRate = 3
	var on *relayServer
	require.NoError(t, fx.New(append(appOptions(cfg), fx.Populate(&on))...).Err())
	assert.True(t, on.limiter.Enabled())
}

func TestAppStartFailsWhenAddressTaken(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig()
	cfg.ConsumerAddr = busy.Addr().String()
	app := fx.New(appOptions(cfg)...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = app.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen consumer")
}
