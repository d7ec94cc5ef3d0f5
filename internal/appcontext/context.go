// Package appcontext carries the authenticated integration app through a request.
package appcontext

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// AppContext is attached by gateway authentication.
type AppContext struct {
	IntegrationAppID snowflake.ID
	// AppSpaceID is the community the app belongs to.
	AppSpaceID  string
	PublicAppID string
	KeyID       string
}

type appContextKey struct{}

func With(ctx context.Context, app AppContext) context.Context {
	return context.WithValue(ctx, appContextKey{}, app)
}

func From(ctx context.Context) (AppContext, bool) {
	if ctx == nil {
		return AppContext{}, false
	}
	app, ok := ctx.Value(appContextKey{}).(AppContext)
	if !ok || app.IntegrationAppID == 0 {
		return AppContext{}, false
	}
	return app, true
}
