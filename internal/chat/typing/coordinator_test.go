package typing

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicchat/internal/chat/presence"
	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/common"
)

var (
	doctor  = common.NewIdentity("doctor-1", common.RoleDoctor)
	patient = common.NewIdentity("patient-9", common.RolePatient)
)

const conv = "doctor.doctor-1~patient.patient-9"

type sent struct {
	conversationID string
	except         presence.Handle
	payload        protocol.UserTypingPayload
}

type recorder struct {
	mu    sync.Mutex
	calls []sent
}

func (r *recorder) Broadcast(_ context.Context, conversationID string, except presence.Handle, frame protocol.Frame) {
	var p protocol.UserTypingPayload
	_ = frame.Decode(&p)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sent{conversationID: conversationID, except: except, payload: p})
}

func (r *recorder) snapshot() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.calls...)
}

func newTestCoordinator(idle time.Duration) (*Coordinator, *recorder) {
	rec := &recorder{}
	return NewCoordinator(rec, idle, slog.New(slog.NewTextHandler(io.Discard, nil))), rec
}

func TestCoordinator_ExpiresWithoutStop(t *testing.T) {
	c, rec := newTestCoordinator(30 * time.Millisecond)
	defer c.Stop()

	c.Set("h1", conv, doctor, true)
	assert.True(t, c.IsTyping(conv, doctor))

	assert.Eventually(t, func() bool { return !c.IsTyping(conv, doctor) }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	calls := rec.snapshot()
	assert.True(t, calls[0].payload.IsTyping)
	assert.False(t, calls[1].payload.IsTyping)
	assert.Equal(t, presence.Handle("h1"), calls[1].except)
	assert.Equal(t, "doctor-1", calls[1].payload.UserID)
}

func TestCoordinator_RepeatRefreshesOnly(t *testing.T) {
	c, rec := newTestCoordinator(time.Hour)
	defer c.Stop()

	c.Set("h1", conv, doctor, true)
	c.Set("h1", conv, doctor, true)
	c.Set("h1", conv, doctor, true)
	require.Len(t, rec.snapshot(), 1)

	c.Set("h1", conv, doctor, false)
	c.Set("h1", conv, doctor, false)
	calls := rec.snapshot()
	require.Len(t, calls, 2)
	assert.False(t, calls[1].payload.IsTyping)
}

func TestCoordinator_RefreshPostponesExpiry(t *testing.T) {
	c, _ := newTestCoordinator(80 * time.Millisecond)
	defer c.Stop()

	c.Set("h1", conv, doctor, true)
	time.Sleep(50 * time.Millisecond)
	c.Set("h1", conv, doctor, true)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, c.IsTyping(conv, doctor), "refresh should restart the idle window")

	assert.Eventually(t, func() bool { return !c.IsTyping(conv, doctor) }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_ClearIdentity(t *testing.T) {
	c, rec := newTestCoordinator(time.Hour)
	defer c.Stop()

	c.Set("h1", conv, doctor, true)
	c.Set("h1", "doctor.doctor-1~patient.patient-2", doctor, true)
	c.Set("h2", conv, patient, true)

	c.ClearIdentity(doctor)
	assert.False(t, c.IsTyping(conv, doctor))
	assert.True(t, c.IsTyping(conv, patient))

	stops := 0
	for _, call := range rec.snapshot() {
		if !call.payload.IsTyping {
			stops++
			assert.Equal(t, "doctor-1", call.payload.UserID)
		}
	}
	assert.Equal(t, 2, stops)
}

func TestCoordinator_StopSilencesTimers(t *testing.T) {
	c, rec := newTestCoordinator(20 * time.Millisecond)
	c.Set("h1", conv, doctor, true)
	c.Stop()
	c.Set("h1", conv, patient, true)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}
