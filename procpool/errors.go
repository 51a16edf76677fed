// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package procpool

import stderrors "errors"

// asError aliases the standard errors.As, since this package's error
// taxonomy import shadows the stdlib name.
func asError(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
