// Package errors provides structured error handling with machine-readable codes.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request validation errors
	CodeClientIDRequired Code = "CLIENT_ID_REQUIRED"
	CodeReservedField    Code = "RESERVED_FIELD"
	CodeUnknownModule    Code = "UNKNOWN_MODULE"
	CodeUnknownStrategy  Code = "UNKNOWN_STRATEGY"

	// Registry errors
	CodeRegistryInvalid Code = "REGISTRY_INVALID"

	// Storage errors
	CodeRecordNotFound     Code = "RECORD_NOT_FOUND"
	CodeStoreWriteRejected Code = "STORE_WRITE_REJECTED"
	CodeStoreUnavailable   Code = "STORE_UNAVAILABLE"
	CodeClientExists       Code = "CLIENT_ALREADY_REGISTERED"

	// Resolution errors
	CodeConflictAmbiguous Code = "CONFLICT_RESOLUTION_AMBIGUOUS"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeClientIDRequired,
		CodeReservedField,
		CodeUnknownModule,
		CodeUnknownStrategy:
		return codes.InvalidArgument

	// FailedPrecondition - configuration does not allow the operation
	case CodeRegistryInvalid:
		return codes.FailedPrecondition

	// NotFound - resource doesn't exist
	case CodeRecordNotFound:
		return codes.NotFound

	// AlreadyExists - unique resource constraint
	case CodeClientExists:
		return codes.AlreadyExists

	// Aborted - the propagation transaction was rolled back
	case CodeStoreWriteRejected:
		return codes.Aborted

	// Unavailable - a module store cannot be reached
	case CodeStoreUnavailable:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
