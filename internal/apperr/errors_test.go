package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	err := &Error{Code: CodeEngineFailure, Op: "transcoder.ladder", Message: "ffmpeg exited 1", Err: errors.New("exit status 1")}
	assert.Equal(t, "transcoder.ladder: [ENGINE_FAILURE] ffmpeg exited 1: exit status 1", err.Error())

	assert.Equal(t, "[NOT_FOUND]", New(CodeNotFound, "", "").Error())
}

func TestWrapPreservesCode(t *testing.T) {
	inner := New(CodeNotFound, "storage.download", "no such key")
	outer := Wrap(fmt.Errorf("download input: %w", inner), CodeStorage, "worker.download", "")

	assert.Equal(t, CodeNotFound, CodeOf(outer))
	assert.True(t, HasCode(outer, CodeNotFound))
	assert.ErrorIs(t, outer, inner)

	plain := Wrap(errors.New("connection reset"), CodeStorage, "worker.upload", "")
	assert.Equal(t, CodeStorage, CodeOf(plain))

	assert.Nil(t, Wrap(nil, CodeStorage, "x", ""))
}

func TestCodeOfUncoded(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Action
		kind string
	}{
		{"success", nil, Ack, ""},
		{"malformed", New(CodeMalformedEvent, "decode", "bad json"), Drop, "permanent"},
		{"missing input", Wrap(New(CodeNotFound, "", ""), CodeStorage, "download", ""), Drop, "permanent"},
		{"storage outage", New(CodeStorage, "upload", "connection refused"), Requeue, "transient"},
		{"engine failure", New(CodeEngineFailure, "ladder", ""), Requeue, "transient"},
		{"engine timeout", New(CodeEngineTimeout, "ladder", ""), Requeue, "transient"},
		{"missing output", New(CodeMissingOutput, "validate", ""), Requeue, "transient"},
		{"locked", New(CodeLocked, "lock", ""), Requeue, "transient"},
		{"uncoded", errors.New("boom"), Requeue, "transient"},
		{"cancelled", fmt.Errorf("ladder: %w", context.Canceled), Requeue, "cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
			if tt.err != nil {
				assert.Equal(t, tt.kind, Kind(tt.err))
			}
		})
	}
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "drop", Drop.String())
	assert.Equal(t, "requeue", Requeue.String())
	assert.Equal(t, "unknown", Action(42).String())
}
