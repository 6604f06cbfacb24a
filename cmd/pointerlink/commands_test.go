package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pointerlink/internal/events"
	"pointerlink/internal/handoff"
	"pointerlink/internal/peer"
)

var somePeers = []peer.Record{
	{ID: "3f2a9c10-aaaa", Name: "Desk", Address: "10.0.0.2", ControlPort: 8765},
	{ID: "3f2b0000-bbbb", Name: "Laptop", Address: "10.0.0.3", ControlPort: 8765},
	{ID: "77000000-cccc", Name: "desk-2", Address: "10.0.0.4", ControlPort: 9000},
}

func TestMatchPeer(t *testing.T) {
	for _, tc := range []struct {
		query string
		want  peer.ID
	}{
		{"3f2a9c10-aaaa", "3f2a9c10-aaaa"},
		{"10.0.0.3", "3f2b0000-bbbb"},
		{"desk", "3f2a9c10-aaaa"},
		{"77", "77000000-cccc"},
	} {
		rec, err := matchPeer(somePeers, tc.query)
		require.NoError(t, err, tc.query)
		assert.Equal(t, tc.want, rec.ID, tc.query)
	}

	_, err := matchPeer(somePeers, "3f2")
	assert.ErrorContains(t, err, "matches 2 peers")
	assert.NotErrorIs(t, err, handoff.ErrUnknownPeer)

	_, err = matchPeer(somePeers, "printer")
	assert.ErrorIs(t, err, handoff.ErrUnknownPeer)
}

func TestParseMove(t *testing.T) {
	x, y, err := parseMove("120 -40")
	require.NoError(t, err)
	assert.Equal(t, [2]int{120, -40}, [2]int{x, y})

	x, y, err = parseMove(" 5,6 ")
	require.NoError(t, err)
	assert.Equal(t, [2]int{5, 6}, [2]int{x, y})

	for _, bad := range []string{"", "1", "1 2 3", "a 2", "1 b"} {
		_, _, err := parseMove(bad)
		assert.Error(t, err, bad)
	}
}

func TestPrintPeers(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printPeers(&buf, somePeers[:1], false))
	assert.Contains(t, buf.String(), "NAME")
	assert.Contains(t, buf.String(), "3f2a9c10")
	assert.Contains(t, buf.String(), "10.0.0.2")

	buf.Reset()
	require.NoError(t, printPeers(&buf, nil, true))
	assert.JSONEq(t, "[]", buf.String())

	buf.Reset()
	require.NoError(t, printPeers(&buf, nil, false))
	assert.Equal(t, "No peers found.\n", buf.String())
}

func TestAwaitOutcome(t *testing.T) {
	bus := events.NewBus(zaptest.NewLogger(t).Sugar())
	defer bus.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := bus.Subscribe(8)
	go func() {
		bus.Publish(events.ResponseAccepted{Nonce: 1, ResponderID: "other", Host: "10.0.0.9", Port: 1})
		bus.Publish(events.ResponseAccepted{Nonce: 2, ResponderID: "desk", Host: "10.0.0.2", Port: 8765})
	}()
	var out bytes.Buffer
	require.NoError(t, awaitOutcome(ctx, sub, 2, &out))
	assert.Equal(t, "Accepted by desk: relay at 10.0.0.2:8765\n", out.String())

	go bus.Publish(events.ResponseDeclined{Nonce: 3, ResponderID: "desk", Reason: "busy"})
	assert.EqualError(t, awaitOutcome(ctx, sub, 3, &out), "declined by desk: busy")

	go bus.Publish(events.RequestAbandoned{Nonce: 4})
	assert.Error(t, awaitOutcome(ctx, sub, 4, &out))
}

func TestUnknownCommand(t *testing.T) {
	assert.Error(t, run([]string{"frobnicate"}))
	assert.NoError(t, run([]string{"version"}))
}
