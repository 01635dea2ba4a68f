package credits

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{name: "nil", err: nil, expected: ""},
		{name: "invalid amount", err: fmt.Errorf("%w: zero", ErrInvalidAmount), expected: KindInvalidInput},
		{name: "invalid limit", err: ErrInvalidLimit, expected: KindInvalidInput},
		{name: "unknown topup", err: WrapError("store", "topup", "get", ErrUnknownTopup), expected: KindNotFound},
		{name: "duplicate topup", err: ErrTopupExists, expected: KindDuplicate},
		{name: "nothing", err: fmt.Errorf("%w: %w", ErrNothingToUnlock, ErrNoLockedCredits), expected: KindNothingToUnlock},
		{name: "read", err: ReadFailure("awarded_credit", "list", errors.New("timeout")), expected: KindLedgerUnavailable},
		{name: "write", err: WriteFailure("awarded_credit", "update", errors.New("timeout")), expected: KindLedgerUnavailable},
		{name: "conflict", err: ErrLedgerConflict, expected: KindLedgerUnavailable},
		{name: "other", err: errors.New("boom"), expected: KindInternal},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if kind := Classify(testCase.err); kind != testCase.expected {
				test.Fatalf("expected %q, got %q", testCase.expected, kind)
			}
		})
	}
}

func TestOperationErrorFormatsAndUnwraps(test *testing.T) {
	test.Parallel()
	cause := errors.New("connection refused")
	err := ReadFailure("awarded_credit", "list_unlockable", cause)
	var operationError OperationError
	if !errors.As(err, &operationError) {
		test.Fatalf("expected OperationError, got %T", err)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "awarded_credit" || operationError.Code() != "list_unlockable" {
		test.Fatalf("unexpected segments: %s", operationError.Error())
	}
	if !errors.Is(err, cause) || !errors.Is(err, ErrLedgerRead) {
		test.Fatalf("expected both causes in chain: %v", err)
	}
	if WrapError("op", "subject", "code", nil) != nil || WriteFailure("s", "c", nil) != nil {
		test.Fatalf("nil errors must stay nil")
	}
}
