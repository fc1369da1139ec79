package rpc

import (
	"github.com/pkg/errors"

	"github.com/openraid/raidbdev/internal/hostapi"
	"github.com/openraid/raidbdev/internal/types"
)

// Errno codes are the standard negative-errno values spec.md §6 mandates for
// the control contract's error path.
const (
	errnoEINVAL   = -22
	errnoENODEV   = -19
	errnoEEXIST   = -17
	errnoEBUSY    = -16
	errnoENOMEM   = -12
	errnoEPERM    = -1
	errnoEALREADY = -114
	errnoEIO      = -5
)

// errnoFor classifies an error returned by the engines into the control
// contract's errno taxonomy (spec.md §6/§7), matching one typed error per
// case rather than string matching.
func errnoFor(err error) (code int, msg string) {
	cause := errors.Cause(err)
	switch e := cause.(type) {
	case *types.NotFoundError:
		return errnoENODEV, e.Error()
	case *types.ExistsError:
		return errnoEEXIST, e.Error()
	case *types.ValidationError:
		return errnoEINVAL, e.Error()
	case *types.AlreadyInProgressError:
		return errnoEALREADY, e.Error()
	case *types.IncompatibleMetadataError:
		return errnoEPERM, e.Error()
	}
	if cause == hostapi.ErrNoMem {
		return errnoENOMEM, cause.Error()
	}
	return errnoEIO, err.Error()
}
