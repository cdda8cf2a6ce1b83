package domain_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

func TestTaskNotFoundError(t *testing.T) {
	err := &domain.TaskNotFoundError{TaskID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain task ID, got: %q", err.Error())
	}
}

func TestDuplicateTaskError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("enqueue: %w", &domain.DuplicateTaskError{TaskID: "t-1"})
	assert.ErrorIs(t, err, domain.ErrDuplicateTask)
	assert.Contains(t, err.Error(), "t-1")
}

func TestInvalidTransitionError(t *testing.T) {
	err := &domain.InvalidTransitionError{TaskID: "t-9", From: domain.StateCompleted, To: domain.StateProcessing}
	msg := err.Error()
	assert.Contains(t, msg, "t-9")
	assert.Contains(t, msg, "completed")
	assert.Contains(t, msg, "processing")
}

func TestPermanent_Unwraps(t *testing.T) {
	cause := errors.New("schema rejected")
	err := domain.Permanent(cause)

	var perm *domain.PermanentError
	assert.True(t, errors.As(err, &perm))
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, domain.Permanent(nil))
}

func TestQAFailedError(t *testing.T) {
	var err error = &domain.QAFailedError{Issues: "3 lint errors"}
	var qa *domain.QAFailedError
	assert.True(t, errors.As(fmt.Errorf("verify: %w", err), &qa))
	assert.Equal(t, "3 lint errors", qa.Issues)
}

func TestAllErrorTypesImplementError(t *testing.T) {
	var _ error = &domain.TaskNotFoundError{}
	var _ error = &domain.DuplicateTaskError{}
	var _ error = &domain.InvalidTransitionError{}
	var _ error = &domain.PermanentError{}
	var _ error = &domain.QAFailedError{}
	var _ error = &domain.DeploymentNotFoundError{}
	var _ error = &domain.ConfigError{}
}
