package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	codedomain "github.com/smallbiznis/partnergate/internal/accesscode/domain"
	"github.com/smallbiznis/partnergate/internal/accesscode/repository"
	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/gatewayerr"
	"github.com/smallbiznis/partnergate/pkg/db"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAppID = snowflake.ID(7001)

func newTestService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&codedomain.Intent{}, &codedomain.Code{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: fake,
	}).(*Service)
	return svc, fake
}

func TestIntentIsSingleUse(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.StartIntent(ctx, testAppID, codedomain.StartIntentRequest{
		ExternalUserID: "ext_1",
		Email:          " a@example.com ",
	})
	require.NoError(t, err)
	require.Len(t, issued.Token, 43)
	require.NotEqual(t, issued.Token, issued.Intent.TokenHash)

	intent, err := svc.ConsumeIntent(ctx, testAppID, issued.Token)
	require.NoError(t, err)
	require.Equal(t, "a@example.com", intent.Email)
	require.NotNil(t, intent.ConsumedAt)

	_, err = svc.ConsumeIntent(ctx, testAppID, issued.Token)
	require.ErrorIs(t, err, codedomain.ErrIntentConsumed)
	require.Equal(t, gatewayerr.KindStateConflict, gatewayerr.KindOf(err))
}

func TestIntentForAnotherAppIsNotConsumed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.StartIntent(ctx, testAppID, codedomain.StartIntentRequest{ExternalUserID: "ext_1"})
	require.NoError(t, err)

	_, err = svc.ConsumeIntent(ctx, snowflake.ID(9009), issued.Token)
	require.ErrorIs(t, err, codedomain.ErrIntentNotFound)

	intent, err := svc.ConsumeIntent(ctx, testAppID, issued.Token)
	require.NoError(t, err)
	require.Equal(t, "ext_1", intent.ExternalUserID)
}

func TestIntentExpiryAndUnknown(t *testing.T) {
	svc, fake := newTestService(t)
	ctx := context.Background()

	issued, err := svc.StartIntent(ctx, testAppID, codedomain.StartIntentRequest{})
	require.NoError(t, err)

	fake.Advance(codedomain.IntentTTL + time.Second)
	_, err = svc.ConsumeIntent(ctx, testAppID, issued.Token)
	require.ErrorIs(t, err, codedomain.ErrIntentExpired)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.True(t, ge.Gone)

	_, err = svc.ConsumeIntent(ctx, testAppID, "not-a-token")
	require.ErrorIs(t, err, codedomain.ErrIntentNotFound)
}

func TestRedeemExactlyOnceUnderConcurrency(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testAppID, "user_1")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Redeem(ctx, issued.Code, testAppID)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, codedomain.ErrCodeRedeemed):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, successes.Load())
	require.EqualValues(t, 9, conflicts.Load())
}

func TestRedeemExpiredCode(t *testing.T) {
	svc, fake := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testAppID, "user_1")
	require.NoError(t, err)

	fake.Advance(codedomain.CodeTTL)
	_, err = svc.Redeem(ctx, issued.Code, testAppID)
	require.ErrorIs(t, err, codedomain.ErrCodeExpired)

	var status codedomain.CodeStatus
	require.NoError(t, svc.db.Raw(`SELECT status FROM integration_access_codes WHERE id = ?`, issued.Record.ID).Scan(&status).Error)
	require.Equal(t, codedomain.CodeStatusExpired, status)
}

func TestRedeemIsScopedToApp(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testAppID, "user_1")
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, issued.Code, snowflake.ID(9999))
	require.ErrorIs(t, err, codedomain.ErrCodeNotFound)

	_, err = svc.Redeem(ctx, issued.Code, 0)
	require.NoError(t, err)
}

func TestLookupDoesNotConsume(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testAppID, "user_1")
	require.NoError(t, err)

	record, err := svc.Lookup(ctx, issued.Code, testAppID)
	require.NoError(t, err)
	require.Equal(t, "user_1", record.UserID)

	_, err = svc.Redeem(ctx, issued.Code, testAppID)
	require.NoError(t, err)

	_, err = svc.Lookup(ctx, issued.Code, testAppID)
	require.ErrorIs(t, err, codedomain.ErrCodeRedeemed)

	_, err = svc.Lookup(ctx, " ", testAppID)
	require.ErrorIs(t, err, codedomain.ErrCodeRequired)
}

func TestExpireIssuedForUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Issue(ctx, testAppID, "user_1")
	require.NoError(t, err)
	second, err := svc.Issue(ctx, testAppID, "user_1")
	require.NoError(t, err)
	other, err := svc.Issue(ctx, testAppID, "user_2")
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, second.Code, testAppID)
	require.NoError(t, err)

	count, err := svc.ExpireIssuedForUser(ctx, testAppID, "user_1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	_, err = svc.Redeem(ctx, first.Code, testAppID)
	require.ErrorIs(t, err, codedomain.ErrCodeExpired)

	_, err = svc.Redeem(ctx, other.Code, testAppID)
	require.NoError(t, err)
}
