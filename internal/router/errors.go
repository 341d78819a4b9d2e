package router

import "campuschat/pkg/types"

// Field-level payload errors surfaced as validation_failed
var (
	ErrNoTarget        = types.NewValidationError("target", "exactly one of roomId, channelId, conversationId is required")
	ErrMultipleTargets = types.NewValidationError("target", "only one of roomId, channelId, conversationId may be set")
	ErrMissingID       = types.NewValidationError("id", "required")
)
