package presence

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicchat/internal/common"
)

var (
	doctor  = common.NewIdentity("doctor-1", common.RoleDoctor)
	patient = common.NewIdentity("patient-9", common.RolePatient)
)

const room = "doctor.doctor-1~patient.patient-9"

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistry_JoinLeave(t *testing.T) {
	r := newTestRegistry()
	var events []Event
	r.Subscribe(func(ev Event) { events = append(events, ev) })

	require.NoError(t, r.Join("h1", doctor))
	require.NoError(t, r.Join("h2", doctor))
	require.NoError(t, r.Join("h1", doctor), "rejoin is a no-op")

	assert.True(t, r.IsOnline(doctor))
	assert.Equal(t, []Handle{"h1", "h2"}, r.HandlesOf(doctor))
	assert.Equal(t, 1, r.OnlineCount())

	assert.True(t, r.Leave("h1"))
	assert.True(t, r.IsOnline(doctor), "second connection keeps identity online")
	assert.True(t, r.Leave("h2"))
	assert.False(t, r.IsOnline(doctor))
	assert.False(t, r.Leave("h2"))

	assert.Equal(t, []Event{
		{Identity: doctor, Online: true},
		{Identity: doctor, Online: false},
	}, events)
}

func TestRegistry_JoinValidation(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name   string
		handle Handle
		ident  common.Identity
	}{
		{name: "empty handle", handle: "", ident: doctor},
		{name: "bad role", handle: "h1", ident: common.NewIdentity("x", common.Role("nurse"))},
		{name: "bad id", handle: "h1", ident: common.NewIdentity("a b", common.RoleDoctor)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Join(tt.handle, tt.ident)
			assert.ErrorIs(t, err, common.ErrValidation)
		})
	}

	require.NoError(t, r.Join("h1", doctor))
	assert.ErrorIs(t, r.Join("h1", patient), common.ErrValidation)
}

func TestRegistry_Rooms(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Join("d", doctor))
	require.NoError(t, r.Join("p", patient))

	assert.ErrorIs(t, r.EnterRoom("ghost", room), common.ErrNotFound)

	require.NoError(t, r.EnterRoom("d", room))
	require.NoError(t, r.EnterRoom("p", room))
	require.NoError(t, r.EnterRoom("p", room))

	assert.Equal(t, []Handle{"d", "p"}, r.MembersOf(room))
	assert.True(t, r.InRoom("p", room))
	assert.Equal(t, []string{room}, r.RoomsOf("p"))

	r.LeaveRoom("p", room)
	assert.False(t, r.InRoom("p", room))
	assert.Equal(t, []Handle{"d"}, r.MembersOf(room))

	r.Leave("d")
	assert.Empty(t, r.MembersOf(room))
	_, ok := r.IdentityOf("d")
	assert.False(t, ok)

	ident, ok := r.IdentityOf("p")
	assert.True(t, ok)
	assert.Equal(t, patient, ident)
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := Handle(fmt.Sprintf("h-%d", i))
			ident := common.NewIdentity(fmt.Sprintf("p-%d", i%5), common.RolePatient)
			conv := fmt.Sprintf("room-%d", i%3)
			for j := 0; j < 20; j++ {
				assert.NoError(t, r.Join(h, ident))
				assert.NoError(t, r.EnterRoom(h, conv))
				_ = r.MembersOf(conv)
				r.Leave(h)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, r.OnlineCount())
	for i := 0; i < 3; i++ {
		assert.Empty(t, r.MembersOf(fmt.Sprintf("room-%d", i)))
	}
}

func TestRegistry_LeaveRacingRejoinOfSameHandle(t *testing.T) {
	r := newTestRegistry()
	h := Handle("conn-reused")

	for i := 0; i < 200; i++ {
		require.NoError(t, r.Join(h, patient))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Leave(h)
		}()
		go func() {
			defer wg.Done()
			_ = r.Join(h, patient)
		}()
		wg.Wait()

		// a registered connection always means the identity is online
		online := r.IsOnline(patient)
		known := r.Leave(h)
		require.Equal(t, known, online, "iteration %d", i)
		require.False(t, r.IsOnline(patient))
	}
}
