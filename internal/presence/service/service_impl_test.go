package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnergate/internal/clock"
	presencedomain "github.com/smallbiznis/partnergate/internal/presence/domain"
	"github.com/smallbiznis/partnergate/internal/presence/hub"
	"github.com/smallbiznis/partnergate/internal/presence/repository"
	"github.com/smallbiznis/partnergate/pkg/db"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&presencedomain.Record{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: fake,
		Hub:   hub.New(),
	}).(*Service), fake
}

func liveUsers(records []presencedomain.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.UserID)
	}
	return out
}

func TestListLiveWindowBoundaries(t *testing.T) {
	svc, fake := newTestService(t)
	ctx := context.Background()
	start := fake.Now()

	_, err := svc.Heartbeat(ctx, presencedomain.HeartbeatRequest{CommunityID: "c_1", UserID: "stale", Status: "live"})
	require.NoError(t, err)

	fake.Set(start.Add(2 * time.Second))
	_, err = svc.Heartbeat(ctx, presencedomain.HeartbeatRequest{CommunityID: "c_1", UserID: "fresh", Status: "live"})
	require.NoError(t, err)

	// stale is 46s old, fresh is 44s old.
	fake.Set(start.Add(46 * time.Second))
	records, err := svc.ListLive(ctx, "c_1", presencedomain.LivenessWindow)
	require.NoError(t, err)
	require.Equal(t, []string{"fresh"}, liveUsers(records))
}

func TestListLiveScenario(t *testing.T) {
	svc, fake := newTestService(t)
	ctx := context.Background()
	start := fake.Now()

	_, err := svc.Heartbeat(ctx, presencedomain.HeartbeatRequest{CommunityID: "c_1", UserID: "u_1", Status: "live", ClientPlatform: "ios"})
	require.NoError(t, err)

	fake.Set(start.Add(30 * time.Second))
	records, err := svc.ListLive(ctx, "c_1", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"u_1"}, liveUsers(records))
	require.Equal(t, "ios", records[0].ClientPlatform)

	fake.Set(start.Add(60 * time.Second))
	records, err = svc.ListLive(ctx, "c_1", 0)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestDisconnectRecordsOfflineAndBroadcasts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sub, _, err := svc.Subscribe("c_1")
	require.NoError(t, err)
	defer sub.Close()

	_, err = svc.Heartbeat(ctx, presencedomain.HeartbeatRequest{CommunityID: "c_1", UserID: "u_1", Status: "live"})
	require.NoError(t, err)
	require.NoError(t, svc.Disconnect(ctx, "c_1", "u_1"))

	require.Equal(t, "live", (<-sub.Events()).Status)
	require.Equal(t, "offline", (<-sub.Events()).Status)

	records, err := svc.ListLive(ctx, "c_1", 0)
	require.NoError(t, err)
	require.Empty(t, records)

	var count int64
	require.NoError(t, svc.db.Model(&presencedomain.Record{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestHeartbeatRejectsUnknownStatus(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Heartbeat(context.Background(), presencedomain.HeartbeatRequest{CommunityID: "c_1", UserID: "u_1", Status: "away"})
	require.ErrorIs(t, err, presencedomain.ErrInvalidStatus)
}
