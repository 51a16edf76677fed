// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrname(t *testing.T) {
	assert.Equal(t, "ENOMETHOD", Errname(ENOMETHOD))
	assert.Equal(t, "EACCES", Errname(EACCES))
	assert.Equal(t, "EUNKNOWN", Errname(12345))
}

func TestCallErrorFormatting(t *testing.T) {
	err := NewCallError(ENOENT, "volume %q does not exist", "tank")
	assert.Equal(t, `volume "tank" does not exist`, err.Error())
	assert.Equal(t, ENOENT, Errno(err))
}

func TestValidationErrorsJoin(t *testing.T) {
	var errs ValidationErrors
	errs.Add("name", "value is required", EINVAL)
	errs.Add("", "at least one field must be set", EINVAL)
	assert.Equal(t, "[EINVAL] name: value is required\n[EINVAL] ALL: at least one field must be set", errs.Error())
	assert.Equal(t, EAGAIN, Errno(errs))
}

func TestErrnoDiscrimination(t *testing.T) {
	assert.Equal(t, ETOOMANYREFS, Errno(&TooManyCallsError{Limit: 20}))
	assert.Equal(t, ENOMETHOD, Errno(&MethodNotFoundError{Service: "pool", Method: "create"}))
	assert.Equal(t, EINVAL, Errno(fmt.Errorf("boom")))
	assert.Equal(t, EINVAL, Errno(&InternalError{Err: fmt.Errorf("boom"), Stack: "stack"}))
}

func TestMethodNotFoundMessage(t *testing.T) {
	err := &MethodNotFoundError{Service: "pool", Method: "create"}
	assert.Equal(t, `Method "create" not found in "pool"`, err.Error())
}
