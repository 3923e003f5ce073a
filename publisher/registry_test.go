package publisher

import (
	"sync"
	"testing"
	"time"

	"github.com/maxpert/ldapnotify/cfg"
	"github.com/maxpert/ldapnotify/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	registrySinksMu sync.Mutex
	registrySinks   = map[string]*mockSink{}
)

func init() {
	// Registered here to avoid an import cycle with the sink and transformer packages
	RegisterSink("test", func(config cfg.SinkConfiguration) (Sink, error) {
		s := &mockSink{}
		registrySinksMu.Lock()
		registrySinks[config.Name] = s
		registrySinksMu.Unlock()
		return s, nil
	})
	RegisterTransformer("test", func() Transformer {
		return &mockTransformer{}
	})
}

func registrySink(name string) *mockSink {
	registrySinksMu.Lock()
	defer registrySinksMu.Unlock()
	return registrySinks[name]
}

func sinkConfig(name string) cfg.SinkConfiguration {
	return cfg.SinkConfiguration{
		Name:           name,
		Type:           "test",
		Format:         "test",
		TopicPrefix:    "ldap.changes",
		PollIntervalMS: 10,
	}
}

func TestNewRegistry(t *testing.T) {
	l := newTestLog(t)

	_, err := NewRegistry(RegistryConfig{Cursors: l.cursors})
	assert.Error(t, err)

	_, err = NewRegistry(RegistryConfig{Reader: l.store})
	assert.Error(t, err)

	r, err := NewRegistry(RegistryConfig{Reader: l.store, Cursors: l.cursors})
	require.NoError(t, err)
	assert.Empty(t, r.Cursors())
}

func TestRegistryAddSinkErrors(t *testing.T) {
	l := newTestLog(t)
	r, err := NewRegistry(RegistryConfig{Reader: l.store, Cursors: l.cursors})
	require.NoError(t, err)

	bad := sinkConfig("unknown-type")
	bad.Type = "carrier-pigeon"
	assert.ErrorContains(t, r.AddSink(bad), "unknown sink type")

	bad = sinkConfig("unknown-format")
	bad.Format = "xml"
	assert.ErrorContains(t, r.AddSink(bad), "unknown format")
	assert.True(t, registrySink("unknown-format").closed.Load())

	bad = sinkConfig("bad-filter")
	bad.FilterDNs = []string{"uid=user["}
	assert.ErrorContains(t, r.AddSink(bad), "filter")
}

func TestNewRegistryFailsOnBadSink(t *testing.T) {
	l := newTestLog(t)
	bad := sinkConfig("broken")
	bad.Format = "xml"

	_, err := NewRegistry(RegistryConfig{
		Reader:      l.store,
		Cursors:     l.cursors,
		SinkConfigs: []cfg.SinkConfiguration{sinkConfig("first"), bad},
	})
	require.Error(t, err)
	assert.True(t, registrySink("first").closed.Load())
}

func TestRegistryLifecycle(t *testing.T) {
	l := newTestLog(t)
	hub := notify.NewHub()
	r, err := NewRegistry(RegistryConfig{
		Reader:      l.store,
		Cursors:     l.cursors,
		Hub:         hub,
		SinkConfigs: []cfg.SinkConfiguration{sinkConfig("life-a"), sinkConfig("life-b")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Subscribers())

	require.NoError(t, r.Start())
	assert.Error(t, r.Start())

	r.Stop()
	r.Stop()
	assert.Equal(t, 0, hub.Subscribers())
	assert.True(t, registrySink("life-a").closed.Load())
	assert.True(t, registrySink("life-b").closed.Load())
}

func TestRegistryIntegration(t *testing.T) {
	l := newTestLog(t)
	hub := notify.NewHub()

	people := sinkConfig("int-people")
	people.FilterDNs = []string{"**,ou=people,dc=x"}

	r, err := NewRegistry(RegistryConfig{
		Reader:      l.store,
		Cursors:     l.cursors,
		Hub:         hub,
		SinkConfigs: []cfg.SinkConfiguration{sinkConfig("int-all"), people},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Stop()

	l.commit(t, modify("uid=a,ou=people,dc=x"))
	l.commit(t, modify("cn=g,ou=groups,dc=x"))
	hub.Signal("listener", l.store.LastID())

	waitForEvents(t, registrySink("int-all"), 2, 2*time.Second)
	require.Eventually(t, func() bool {
		c := r.Cursors()
		return c["int-all"] == 2 && c["int-people"] == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, registrySink("int-people").eventCount())
	assert.Equal(t, uint64(2), l.cursors.Get("int-people"))
}
