package socket

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	writes  []Message
	failAll bool
	closed  bool
}

func (f *fakeSession) WriteJSON(v any) error {
	if f.failAll {
		return errors.New("write failed")
	}
	f.writes = append(f.writes, v.(Message))
	return nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func TestSendToUserFansOutToAllSessions(t *testing.T) {
	require := require.New(t)

	h := New()
	s1, s2 := &fakeSession{}, &fakeSession{}
	h.Attach(1, s1)
	h.Attach(1, s2)

	h.SendToUser(1, Message{Type: "resource_updated", Data: map[string]any{"resource_id": int64(7)}})

	require.Len(s1.writes, 1)
	require.Len(s2.writes, 1)
}

func TestSendToUserDetachesFailingSessionOnly(t *testing.T) {
	require := require.New(t)

	h := New()
	good, bad := &fakeSession{}, &fakeSession{failAll: true}
	h.Attach(1, good)
	h.Attach(1, bad)

	h.SendToUser(1, Message{Type: "waitlist_offer"})

	require.Len(good.writes, 1)
	require.True(bad.closed)
	require.Equal(1, h.ConnectionCount())
}

func TestDetachRemovesEmptyUserEntry(t *testing.T) {
	require := require.New(t)

	h := New()
	s := &fakeSession{}
	h.Attach(5, s)
	h.Detach(5, s)

	require.Equal(0, h.ConnectionCount())
}

func TestBroadcastReachesEveryUser(t *testing.T) {
	require := require.New(t)

	h := New()
	s1, s2 := &fakeSession{}, &fakeSession{}
	h.Attach(1, s1)
	h.Attach(2, s2)

	h.Broadcast(Message{Type: "system_announcement"})

	require.Len(s1.writes, 1)
	require.Len(s2.writes, 1)
}
