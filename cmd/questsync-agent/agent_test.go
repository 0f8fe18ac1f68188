package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questsync/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Agent: config.AgentConfig{
			ServerURL: "ws://127.0.0.1:1", // nothing listens here
			ProjectID: "proj-1",
			RootPath:  t.TempDir(),
		},
		Watcher: config.WatcherConfig{DebounceMs: 50},
	}
}

func TestStopClosesDoneAndRunReturns(t *testing.T) {
	agent, err := NewAgent(testConfig(t), "token", nil)
	require.NoError(t, err)

	ran := make(chan struct{})
	go func() {
		defer close(ran)
		agent.Run()
	}()

	agent.Stop()

	select {
	case <-agent.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Stop")
	}
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	agent, err := NewAgent(testConfig(t), "token", nil)
	require.NoError(t, err)

	agent.Stop()
	agent.Stop()

	select {
	case <-agent.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestWSEndpointNormalization(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://host:8080", "ws://host:8080/ws"},
		{"https://host", "wss://host/ws"},
		{"ws://host/ws", "ws://host/ws"},
		{"wss://host/", "wss://host/ws"},
	}
	for _, tc := range cases {
		a := &Agent{cfg: &config.Config{Agent: config.AgentConfig{ServerURL: tc.in}}}
		assert.Equal(t, tc.want, a.wsEndpoint(), "input %s", tc.in)
	}
}
