package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := New(CodeUnknownModule, "module dental is not registered")
	if !stderrors.Is(err, New(CodeUnknownModule, "other message")) {
		t.Fatal("expected errors with the same code to match")
	}
	if stderrors.Is(err, New(CodeRecordNotFound, "module dental is not registered")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("disk full")
	err := Wrap(CodeStoreWriteRejected, "apply housing update", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable via errors.Is")
	}
	if err.Error() != "apply housing update" {
		t.Fatalf("message = %q, want %q", err.Error(), "apply housing update")
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		code Code
		want codes.Code
	}{
		{CodeClientIDRequired, codes.InvalidArgument},
		{CodeReservedField, codes.InvalidArgument},
		{CodeUnknownModule, codes.InvalidArgument},
		{CodeUnknownStrategy, codes.InvalidArgument},
		{CodeRegistryInvalid, codes.FailedPrecondition},
		{CodeRecordNotFound, codes.NotFound},
		{CodeClientExists, codes.AlreadyExists},
		{CodeStoreWriteRejected, codes.Aborted},
		{CodeStoreUnavailable, codes.Unavailable},
		{CodeConflictAmbiguous, codes.Internal},
		{CodeUnknown, codes.Internal},
	}
	for _, tc := range testCases {
		if got := tc.code.GRPCCode(); got != tc.want {
			t.Fatalf("GRPCCode(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestToGRPCStatusCarriesErrorInfo(t *testing.T) {
	t.Parallel()

	err := WithMetadata(CodeConflictAmbiguous, "no winner for conflicted field", map[string]string{
		"field": "housing_status",
	})
	st, ok := status.FromError(err.ToGRPCStatus())
	if !ok {
		t.Fatal("expected a gRPC status error")
	}
	if st.Code() != codes.Internal {
		t.Fatalf("status code = %v, want %v", st.Code(), codes.Internal)
	}
	if st.Message() != "no winner for conflicted field" {
		t.Fatalf("status message = %q", st.Message())
	}
	if len(st.Details()) == 0 {
		t.Fatal("expected error details")
	}
}
