package notif

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/mock/gomock"

	"clinicchat/internal/chat/presence"
	"clinicchat/internal/chat/protocol"
	"clinicchat/internal/chat/store"
	"clinicchat/internal/chat/store/mocks"
	"clinicchat/internal/common"
)

type MockPusher struct {
	mock.Mock
}

func (m *MockPusher) Push(ctx context.Context, h presence.Handle, frame protocol.Frame) error {
	args := m.Called(h, frame)
	return args.Error(0)
}

type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) Broadcast(ctx context.Context, conversationID string, except presence.Handle, frame protocol.Frame) {
	m.Called(conversationID, except, frame)
}

type staticHandles map[string][]presence.Handle

func (s staticHandles) HandlesOf(ident common.Identity) []presence.Handle {
	return s[ident.Key()]
}

var (
	doctor  = common.NewIdentity("doctor-1", common.RoleDoctor)
	patient = common.NewIdentity("patient-9", common.RolePatient)
)

func TestBadgeObserver_Update(t *testing.T) {
	tests := []struct {
		name      string
		event     Event
		handles   staticHandles
		setup     func(st *mocks.MockStore, p *MockPusher)
		expectErr bool
	}{
		{
			name:    "pushes count to every connection",
			event:   Event{Type: UnreadChanged, Identity: patient},
			handles: staticHandles{patient.Key(): {"tab-1", "tab-2"}},
			setup: func(st *mocks.MockStore, p *MockPusher) {
				st.EXPECT().UnreadCount(gomock.Any(), patient).Return(int64(3), nil)
				frame := protocol.MustNew(protocol.TypeUnreadCount, "", protocol.UnreadCountPayload{Count: 3})
				p.On("Push", presence.Handle("tab-1"), frame).Return(nil)
				p.On("Push", presence.Handle("tab-2"), frame).Return(errors.New("gone"))
			},
		},
		{
			name:    "offline identity skips the count",
			event:   Event{Type: UnreadChanged, Identity: patient},
			handles: staticHandles{},
			setup:   func(st *mocks.MockStore, p *MockPusher) {},
		},
		{
			name:    "ignores presence events",
			event:   Event{Type: PresenceChanged, Identity: patient, Online: true},
			handles: staticHandles{patient.Key(): {"tab-1"}},
			setup:   func(st *mocks.MockStore, p *MockPusher) {},
		},
		{
			name:    "store failure",
			event:   Event{Type: UnreadChanged, Identity: patient},
			handles: staticHandles{patient.Key(): {"tab-1"}},
			setup: func(st *mocks.MockStore, p *MockPusher) {
				st.EXPECT().UnreadCount(gomock.Any(), patient).Return(int64(0), common.Persistence("unread count", errors.New("down")))
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			st := mocks.NewMockStore(ctrl)
			pusher := &MockPusher{}
			tt.setup(st, pusher)

			obs := NewBadgeObserver(st, tt.handles, pusher, time.Second)
			err := obs.Update(context.Background(), tt.event)
			if tt.expectErr {
				assert.ErrorIs(t, err, common.ErrPersistence)
			} else {
				assert.NoError(t, err)
			}
			pusher.AssertExpectations(t)
		})
	}
}

func TestPresenceObserver_Update(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	out := &MockBroadcaster{}

	st.EXPECT().Conversations(gomock.Any(), doctor).Return([]store.ConversationSummary{
		{ConversationID: "doctor.doctor-1~patient.patient-9", Peer: patient},
		{ConversationID: "doctor.doctor-1~patient.patient-2"},
	}, nil)

	frame := protocol.MustNew(protocol.TypePresenceChanged, "", protocol.PresenceChangedPayload{
		UserID: "doctor-1",
		Role:   common.RoleDoctor,
		Online: false,
	})
	out.On("Broadcast", "doctor.doctor-1~patient.patient-9", presence.Handle(""), frame).Return()
	out.On("Broadcast", "doctor.doctor-1~patient.patient-2", presence.Handle(""), frame).Return()

	obs := NewPresenceObserver(st, out)
	assert.NoError(t, obs.Update(context.Background(), Event{Type: PresenceChanged, Identity: doctor, Online: false}))
	assert.NoError(t, obs.Update(context.Background(), Event{Type: UnreadChanged, Identity: doctor}))
	out.AssertExpectations(t)
}

func TestPresenceObserver_StoreError(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	out := &MockBroadcaster{}

	st.EXPECT().Conversations(gomock.Any(), doctor).Return(nil, errors.New("boom"))

	err := NewPresenceObserver(st, out).Update(context.Background(), Event{Type: PresenceChanged, Identity: doctor, Online: true})
	assert.Error(t, err)
	out.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything, mock.Anything)
}
