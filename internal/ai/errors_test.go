package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
		msg  string
	}{
		{"503", errors.New("googleapi: Error 503"), KindTransient, MsgTransient},
		{"overloaded", errors.New(`529 {"type":"overloaded_error"}`), KindTransient, MsgTransient},
		{"service unavailable", errors.New("Service Unavailable"), KindTransient, MsgTransient},
		{"invalid key", errors.New("API key not valid. Please pass a valid API key."), KindAuth, MsgAuth},
		{"anthropic auth", errors.New(`401 {"type":"authentication_error"}`), KindAuth, MsgAuth},
		{"quota", errors.New("You exceeded your current quota"), KindQuota, MsgQuota},
		{"missing", fmt.Errorf("build provider: %w", ErrMissingCredential), KindMissingCredential, MsgMissingCredential},
		{"deadline", fmt.Errorf("gemini generate: %w", context.DeadlineExceeded), KindTimeout, MsgTimeout},
		{"unknown", errors.New("content blocked by safety filter"), KindUnknown, "content blocked by safety filter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))

			wrapped := classify(tt.err)
			assert.Equal(t, tt.want, wrapped.Kind)
			assert.Equal(t, tt.msg, wrapped.Error())
			assert.ErrorIs(t, wrapped, tt.err)
		})
	}
}

func TestClassify_KeepsExistingError(t *testing.T) {
	orig := &Error{Kind: KindQuota, Message: "custom"}
	assert.Same(t, orig, classify(fmt.Errorf("wrapped: %w", orig)))
	assert.Equal(t, KindQuota, Classify(orig))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("400 bad request")))
	assert.True(t, IsTransient(errors.New("HTTP 503")))
}
