package apperr_test

import (
	"errors"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/apperr"
)

func TestErrorString(t *testing.T) {
	g := NewWithT(t)

	withMessage := apperr.New(apperr.CodeLockHeld, "held by another tick", nil)
	g.Expect(withMessage.Error()).To(Equal("LOCK_HELD: held by another tick"))

	bare := apperr.New(apperr.CodePaused, "", nil)
	g.Expect(bare.Error()).To(Equal("PAUSED"))
}

func TestIsMatchesByCodeOnly(t *testing.T) {
	g := NewWithT(t)

	err := apperr.New(apperr.CodeRevisionMismatch, "expected 3, got 4", map[string]any{"expected": 3})
	g.Expect(errors.Is(err, apperr.Sentinel(apperr.CodeRevisionMismatch))).To(BeTrue())
	g.Expect(errors.Is(err, apperr.Sentinel(apperr.CodeLockHeld))).To(BeFalse())
}

func TestFromWrapsPlainErrorsAsDriverError(t *testing.T) {
	g := NewWithT(t)

	plain := errors.New("disk full")
	result := apperr.From[string](plain)
	g.Expect(result.OK).To(BeFalse())
	g.Expect(result.Error.Code).To(Equal(apperr.CodeDriverError))
	g.Expect(result.Error.Details["cause"]).To(Equal("disk full"))
}

func TestFromPassesThroughTypedErrors(t *testing.T) {
	g := NewWithT(t)

	typed := apperr.New(apperr.CodeGateBlocked, "gate C failing", nil)
	result := apperr.From[int](typed)
	g.Expect(result.Error).To(Equal(typed))
}

func TestFromSuccessYieldsZeroErrorOk(t *testing.T) {
	g := NewWithT(t)

	result := apperr.From[int](nil)
	g.Expect(result.OK).To(BeTrue())
	g.Expect(result.Value).To(Equal(0))
}

func TestOkAndFailHelpers(t *testing.T) {
	g := NewWithT(t)

	ok := apperr.Ok("artifact-written")
	g.Expect(ok.OK).To(BeTrue())
	g.Expect(ok.Value).To(Equal("artifact-written"))

	failed := apperr.Fail[string](apperr.New(apperr.CodeInvalidArgs, "bad topic", nil))
	g.Expect(failed.OK).To(BeFalse())
	g.Expect(failed.Error.Code).To(Equal(apperr.CodeInvalidArgs))
}
