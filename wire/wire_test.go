// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modryn/go-dispatch/errors"
)

func TestClientMessageDecode(t *testing.T) {
	var msg ClientMessage
	err := json.Unmarshal([]byte(`{"msg":"method","method":"pool.create","params":[{"name":"tank"}],"id":7}`), &msg)
	require.NoError(t, err)
	assert.Equal(t, "method", msg.Msg)
	assert.Equal(t, "pool.create", msg.Method)
	assert.Len(t, msg.Params, 1)
	// Correlation ids stay opaque; JSON numbers decode as float64.
	assert.Equal(t, float64(7), msg.ID)
}

func TestResultAlwaysCarriesResultField(t *testing.T) {
	raw, err := json.Marshal(Result{Msg: "result", ID: "abc", Result: nil})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"result","id":"abc","result":null}`, string(raw))
}

func TestFromErrorCallError(t *testing.T) {
	wireErr := FromError(errors.NewCallError(errors.ENOENT, "no such pool"), false)
	assert.Equal(t, errors.ENOENT, wireErr.Errno)
	assert.Equal(t, "CallError", wireErr.Type)
	assert.Equal(t, "no such pool", wireErr.Reason)
	assert.Nil(t, wireErr.Trace)
}

func TestFromErrorValidation(t *testing.T) {
	var errs errors.ValidationErrors
	errs.Add("create.name", "name is required", errors.EINVAL)
	wireErr := FromError(errs, false)
	assert.Equal(t, errors.EAGAIN, wireErr.Errno)
	assert.Equal(t, "VALIDATION", wireErr.Type)
	extra, ok := wireErr.Extra.([][]interface{})
	require.True(t, ok)
	require.Len(t, extra, 1)
	assert.Equal(t, "create.name", extra[0][0])
}

func TestFromErrorInternalTraceOptIn(t *testing.T) {
	internal := &errors.InternalError{Err: assert.AnError, Stack: "goroutine 1 [running]:"}

	hidden := FromError(internal, false)
	assert.Nil(t, hidden.Trace)

	shown := FromError(internal, true)
	require.NotNil(t, shown.Trace)
	assert.Equal(t, "InternalError", shown.Trace.Class)
	assert.Contains(t, shown.Trace.Formatted, "goroutine 1")
}

func TestEventMessageOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(EventMessage{Msg: "removed", Collection: "core.get_jobs", ID: 4})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"removed","collection":"core.get_jobs","id":4}`, string(raw))
}
