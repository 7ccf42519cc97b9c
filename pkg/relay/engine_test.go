package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"smartguard/pkg/classifier"
	"smartguard/pkg/config"
	"smartguard/pkg/forwarder"
	"smartguard/pkg/logging"
	"smartguard/pkg/storage"
	"smartguard/pkg/telemetry"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// upstream is a fake resolver that records raw datagrams. It answers
// parseable queries with an A record and echoes anything else.
type upstream struct {
	pc       net.PacketConn
	received [][]byte
	silent   bool
	delay    time.Duration
	done     chan struct{}
	mu       sync.Mutex
}

func newUpstream(t *testing.T, silent bool) *upstream {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	u := &upstream{pc: pc, silent: silent, done: make(chan struct{})}
	go u.serve()
	t.Cleanup(func() {
		_ = pc.Close()
		<-u.done
	})
	return u
}

func (u *upstream) serve() {
	defer close(u.done)
	buf := make([]byte, 1024)
	for {
		n, addr, err := u.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		raw := append([]byte(nil), buf[:n]...)
		u.mu.Lock()
		u.received = append(u.received, raw)
		u.mu.Unlock()

		if u.silent {
			continue
		}
		go func() {
			if u.delay > 0 {
				time.Sleep(u.delay)
			}
			_, _ = u.pc.WriteTo(answer(raw), addr)
		}()
	}
}

func (u *upstream) Received() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.received...)
}

func answer(raw []byte) []byte {
	req := new(dns.Msg)
	if err := req.Unpack(raw); err != nil || len(req.Question) == 0 {
		return raw
	}
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Answer = append(resp.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP("93.184.216.34"),
	})
	packed, err := resp.Pack()
	if err != nil {
		return raw
	}
	return packed
}

// recordingStorage keeps events and system events in memory.
type recordingStorage struct {
	*storage.NoOpStorage
	delay  time.Duration
	events []*storage.DnsEvent
	system []string
	mu     sync.Mutex
}

func newRecordingStorage() *recordingStorage {
	return &recordingStorage{NoOpStorage: storage.NewNoOpStorage()}
}

func (r *recordingStorage) RecordEvent(_ context.Context, event *storage.DnsEvent) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := *event
	r.events = append(r.events, &ev)
	return nil
}

func (r *recordingStorage) RecordSystemEvent(_ context.Context, eventType, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.system = append(r.system, eventType)
	return nil
}

func (r *recordingStorage) Events() []*storage.DnsEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*storage.DnsEvent(nil), r.events...)
}

func (r *recordingStorage) SystemEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.system...)
}

type fakeVerdicts map[string]classifier.Category

func (f fakeVerdicts) Lookup(domain string) (*classifier.Verdict, bool) {
	c, ok := f[domain]
	if !ok {
		return nil, false
	}
	return &classifier.Verdict{Domain: domain, Category: c, Confidence: 0.85}, true
}

type fakeQueue struct {
	submitted []string
	mu        sync.Mutex
}

func (f *fakeQueue) Submit(domain string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, domain)
	return true
}

func (f *fakeQueue) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{BindAddress: "127.0.0.1", BindPort: 0, ShutdownTimeout: time.Second}
}

// startEngine binds and serves an engine relaying to up, stopping it on
// test cleanup.
func startEngine(t *testing.T, up *upstream, timeout time.Duration, opts ...Option) *Engine {
	t.Helper()
	return startEngineWithConfig(t, testServerConfig(), up, timeout, opts...)
}

func startEngineWithConfig(t *testing.T, cfg config.ServerConfig, up *upstream, timeout time.Duration, opts ...Option) *Engine {
	t.Helper()
	fwd := forwarder.New(&config.UpstreamConfig{Address: up.pc.LocalAddr().String(), Timeout: timeout}, logging.NewDiscard())
	e := New(cfg, fwd, logging.NewDiscard(), opts...)
	require.NoError(t, e.Listen())

	serveErr := make(chan error, 1)
	go func() { serveErr <- e.Serve(context.Background()) }()
	require.Eventually(t, e.IsRunning, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
		assert.NoError(t, <-serveErr)
	})
	return e
}

func packQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	raw, err := m.Pack()
	require.NoError(t, err)
	return raw
}

// sendAndWait sends raw from a fresh socket bound to localIP and waits for
// one reply. A read timeout yields a nil reply and no error.
func sendAndWait(localIP string, relay net.Addr, raw []byte, wait time.Duration) ([]byte, error) {
	pc, err := net.ListenPacket("udp", net.JoinHostPort(localIP, "0"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = pc.Close() }()

	if _, err := pc.WriteTo(raw, relay); err != nil {
		return nil, err
	}
	if err := pc.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil, err
	}

	buf := make([]byte, 1024)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

func exchange(t *testing.T, localIP string, relay net.Addr, raw []byte, wait time.Duration) []byte {
	t.Helper()
	reply, err := sendAndWait(localIP, relay, raw, wait)
	require.NoError(t, err)
	return reply
}

func TestEngine_RelaysAndPersists(t *testing.T) {
	up := newUpstream(t, false)
	store := newRecordingStorage()
	e := startEngine(t, up, time.Second, WithStorage(store))

	query := packQuery(t, "Example.COM", dns.TypeAAAA)
	reply := exchange(t, "127.0.0.1", e.Addr(), query, 2*time.Second)
	require.NotNil(t, reply, "client must receive the upstream reply")

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(reply))
	req := new(dns.Msg)
	require.NoError(t, req.Unpack(query))
	assert.Equal(t, req.Id, resp.Id)
	require.Len(t, resp.Answer, 1)

	received := up.Received()
	require.Len(t, received, 1)
	assert.Equal(t, query, received[0], "query must reach upstream unmodified")

	events := store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "example.com", events[0].Domain)
	assert.Equal(t, "AAAA", events[0].QueryType)
	assert.Equal(t, "127.0.0.1", events[0].ClientIP)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestEngine_DistinctClients(t *testing.T) {
	up := newUpstream(t, false)
	store := newRecordingStorage()
	e := startEngine(t, up, time.Second, WithStorage(store))

	query := packQuery(t, "example.com", dns.TypeA)

	var wg sync.WaitGroup
	replies := make([][]byte, 2)
	for i, ip := range []string{"127.0.0.1", "127.0.0.2"} {
		i, ip := i, ip
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies[i], _ = sendAndWait(ip, e.Addr(), query, 2*time.Second)
		}()
	}
	wg.Wait()

	if replies[1] == nil && len(store.Events()) < 2 {
		t.Skip("127.0.0.2 is not routable on this host")
	}

	assert.NotNil(t, replies[0])
	assert.NotNil(t, replies[1])
	assert.Len(t, up.Received(), 2, "each query is forwarded independently")

	clients := map[string]bool{}
	for _, ev := range store.Events() {
		assert.Equal(t, "example.com", ev.Domain)
		clients[ev.ClientIP] = true
	}
	assert.Equal(t, map[string]bool{"127.0.0.1": true, "127.0.0.2": true}, clients)
}

func TestEngine_UnparseableForwarded(t *testing.T) {
	garbage := []byte{0xAB, 0xCD, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0x01}

	t.Run("logged", func(t *testing.T) {
		up := newUpstream(t, false)
		store := newRecordingStorage()
		e := startEngine(t, up, time.Second, WithStorage(store), WithLogUnparsed(true))

		reply := exchange(t, "127.0.0.1", e.Addr(), garbage, 2*time.Second)
		assert.Equal(t, garbage, reply, "upstream echo must come back verbatim")
		require.Len(t, up.Received(), 1)
		assert.Equal(t, garbage, up.Received()[0])

		events := store.Events()
		require.Len(t, events, 1)
		assert.Empty(t, events[0].Domain)
		assert.Equal(t, "A", events[0].QueryType)
	})

	t.Run("not logged", func(t *testing.T) {
		up := newUpstream(t, false)
		store := newRecordingStorage()
		e := startEngine(t, up, time.Second, WithStorage(store), WithLogUnparsed(false))

		short := []byte{0x00, 0x01, 0x02}
		reply := exchange(t, "127.0.0.1", e.Addr(), short, 2*time.Second)
		assert.Equal(t, short, reply)
		assert.Empty(t, store.Events())
	})
}

func TestEngine_UpstreamFailureDrops(t *testing.T) {
	up := newUpstream(t, true)
	store := newRecordingStorage()
	e := startEngine(t, up, 100*time.Millisecond, WithStorage(store))

	reply := exchange(t, "127.0.0.1", e.Addr(), packQuery(t, "example.com", dns.TypeA), 500*time.Millisecond)
	assert.Nil(t, reply, "no reply is sent when upstream times out")

	events := store.Events()
	require.Len(t, events, 1, "the event is persisted even though forwarding failed")
	assert.Equal(t, "example.com", events[0].Domain)

	// The listener keeps serving
	assert.True(t, e.IsRunning())
	require.Eventually(t, func() bool { return len(up.Received()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestEngine_ClassificationHooks(t *testing.T) {
	up := newUpstream(t, false)
	store := newRecordingStorage()
	queue := &fakeQueue{}
	verdicts := fakeVerdicts{"khanacademy.org": classifier.Educational}
	e := startEngine(t, up, time.Second, WithStorage(store), WithClassifier(verdicts, queue))

	require.NotNil(t, exchange(t, "127.0.0.1", e.Addr(), packQuery(t, "khanacademy.org", dns.TypeA), 2*time.Second))
	require.NotNil(t, exchange(t, "127.0.0.1", e.Addr(), packQuery(t, "roblox.com", dns.TypeA), 2*time.Second))

	byDomain := map[string]*storage.DnsEvent{}
	for _, ev := range store.Events() {
		byDomain[ev.Domain] = ev
	}
	require.Len(t, byDomain, 2)
	assert.Equal(t, "educational", byDomain["khanacademy.org"].Category)
	assert.Empty(t, byDomain["roblox.com"].Category)
	assert.Equal(t, []string{"roblox.com"}, queue.Submitted())
}

func TestEngine_BoundedConcurrency(t *testing.T) {
	up := newUpstream(t, false)
	up.delay = 50 * time.Millisecond

	cfg := testServerConfig()
	cfg.MaxConcurrent = 1
	e := startEngineWithConfig(t, cfg, up, time.Second)

	query := packQuery(t, "example.com", dns.TypeA)
	addr := e.Addr()

	var wg sync.WaitGroup
	got := make([]bool, 4)
	for i := range got {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := sendAndWait("127.0.0.1", addr, query, 3*time.Second)
			got[i] = err == nil && reply != nil
		}()
	}
	wg.Wait()

	for i, ok := range got {
		assert.True(t, ok, "query %d must be answered", i)
	}
}

func TestEngine_BindFailure(t *testing.T) {
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = taken.Close() }()

	port := taken.LocalAddr().(*net.UDPAddr).Port
	e := New(config.ServerConfig{BindAddress: "127.0.0.1", BindPort: port}, nil, nil)

	err = e.Listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bind")
	assert.Nil(t, e.Addr())
	assert.False(t, e.IsRunning())

	assert.Error(t, e.Serve(context.Background()))
}

func TestEngine_Lifecycle(t *testing.T) {
	up := newUpstream(t, false)
	store := newRecordingStorage()
	fwd := forwarder.New(&config.UpstreamConfig{Address: up.pc.LocalAddr().String(), Timeout: time.Second}, nil)
	e := New(testServerConfig(), fwd, logging.NewDiscard(), WithStorage(store))

	assert.Nil(t, e.Addr())
	require.NoError(t, e.Listen())
	assert.ErrorIs(t, e.Listen(), ErrAlreadyRunning)
	require.NotNil(t, e.Addr())

	serveErr := make(chan error, 1)
	go func() { serveErr <- e.Serve(context.Background()) }()
	require.Eventually(t, e.IsRunning, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, e.Serve(context.Background()), ErrAlreadyRunning)

	addr := e.Addr()
	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, <-serveErr)
	assert.False(t, e.IsRunning())
	assert.Nil(t, e.Addr())
	assert.Equal(t, []string{storage.SystemEventStart, storage.SystemEventStop}, store.SystemEvents())

	// The socket is released
	pc, err := net.ListenPacket("udp", addr.String())
	require.NoError(t, err)
	_ = pc.Close()

	assert.NoError(t, e.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestEngine_StartStopsOnCancel(t *testing.T) {
	up := newUpstream(t, false)
	fwd := forwarder.New(&config.UpstreamConfig{Address: up.pc.LocalAddr().String(), Timeout: time.Second}, nil)
	e := New(testServerConfig(), fwd, logging.NewDiscard())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(ctx) }()

	require.Eventually(t, e.IsRunning, time.Second, 5*time.Millisecond)
	require.NotNil(t, exchange(t, "127.0.0.1", e.Addr(), packQuery(t, "example.com", dns.TypeA), 2*time.Second))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.False(t, e.IsRunning())
}

func TestEngine_ShutdownAbandonsSlowHandlers(t *testing.T) {
	up := newUpstream(t, true)
	fwd := forwarder.New(&config.UpstreamConfig{Address: up.pc.LocalAddr().String(), Timeout: 10 * time.Second}, nil)
	e := New(testServerConfig(), fwd, logging.NewDiscard())
	require.NoError(t, e.Listen())

	serveErr := make(chan error, 1)
	go func() { serveErr <- e.Serve(context.Background()) }()
	require.Eventually(t, e.IsRunning, time.Second, 5*time.Millisecond)

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = client.WriteTo(packQuery(t, "slow.example", dns.TypeA), e.Addr())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(up.Received()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, e.Shutdown(ctx))
	assert.Less(t, time.Since(start), 5*time.Second, "in-flight forward must be cancelled")
	require.NoError(t, <-serveErr)
}

func TestClientAddress(t *testing.T) {
	assert.Equal(t, "192.168.1.20", clientAddress(&net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 5353}))
	assert.Equal(t, "::1", clientAddress(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 53}))
	assert.Equal(t, "unknown", clientAddress(nil))
}

func TestDropReason(t *testing.T) {
	assert.Equal(t, "upstream_timeout", dropReason(forwarder.ErrUpstreamTimeout))
	assert.Equal(t, "upstream_network", dropReason(forwarder.ErrUpstreamNetwork))
	assert.Equal(t, "upstream", dropReason(errors.New("other")))
}

func TestEngine_ForwardDurationExcludesPersistence(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()
	metrics, err := telemetry.NewMetrics(provider)
	require.NoError(t, err)

	up := newUpstream(t, false)
	store := newRecordingStorage()
	store.delay = 300 * time.Millisecond
	e := startEngine(t, up, time.Second, WithStorage(store), WithMetrics(metrics))

	require.NotNil(t, exchange(t, "127.0.0.1", e.Addr(), packQuery(t, "example.com", dns.TypeA), 3*time.Second))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var hist *metricdata.Histogram[float64]
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "relay.forward.duration" {
				h, ok := m.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				hist = &h
			}
		}
	}
	require.NotNil(t, hist, "forward duration must be recorded")
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.Less(t, hist.DataPoints[0].Sum, 250.0, "slow persistence is not part of the upstream round trip")
}

func TestEngine_ShutdownDeliversInFlightReplies(t *testing.T) {
	up := newUpstream(t, false)
	up.delay = 300 * time.Millisecond
	fwd := forwarder.New(&config.UpstreamConfig{Address: up.pc.LocalAddr().String(), Timeout: 2 * time.Second}, logging.NewDiscard())
	e := New(testServerConfig(), fwd, logging.NewDiscard())
	require.NoError(t, e.Listen())

	serveErr := make(chan error, 1)
	go func() { serveErr <- e.Serve(context.Background()) }()
	require.Eventually(t, e.IsRunning, time.Second, 5*time.Millisecond)

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.WriteTo(packQuery(t, "example.com", dns.TypeA), e.Addr())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(up.Received()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
	require.NoError(t, <-serveErr)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	n, _, err := client.ReadFrom(buf)
	require.NoError(t, err, "reply finished inside the deadline must be delivered")

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(buf[:n]))
	assert.Len(t, resp.Answer, 1)
	assert.Nil(t, e.Addr())
}

func TestEngine_ServeCancelDeliversInFlightReplies(t *testing.T) {
	up := newUpstream(t, false)
	up.delay = 300 * time.Millisecond
	fwd := forwarder.New(&config.UpstreamConfig{Address: up.pc.LocalAddr().String(), Timeout: 2 * time.Second}, logging.NewDiscard())
	store := newRecordingStorage()
	e := New(testServerConfig(), fwd, logging.NewDiscard(), WithStorage(store))
	require.NoError(t, e.Listen())
	addr := e.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- e.Serve(ctx) }()
	require.Eventually(t, e.IsRunning, time.Second, 5*time.Millisecond)

	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.WriteTo(packQuery(t, "example.com", dns.TypeA), addr)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(up.Received()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	_, _, err = client.ReadFrom(buf)
	require.NoError(t, err)

	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.False(t, e.IsRunning())
	assert.Nil(t, e.Addr(), "socket is released after the drain")
	assert.Equal(t, []string{storage.SystemEventStart, storage.SystemEventStop}, store.SystemEvents())

	// The port is free again
	pc, err := net.ListenPacket("udp", addr.String())
	require.NoError(t, err)
	_ = pc.Close()
}
