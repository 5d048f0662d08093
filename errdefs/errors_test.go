package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCodes(t *testing.T) {
	code := 2
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"untagged", errors.New("boom"), ExitFailure},
		{"config", Config("bad step %q", "x"), ExitConfig},
		{"session", Session("transition", "illegal"), ExitSession},
		{"storage", Storage("save checkpoint", errors.New("disk full")), ExitStorage},
		{"execution", Execution("run shell", &code, nil), ExitExecution},
		{"workflow", Workflow("step", nil, "failed"), ExitWorkflow},
		{"git", Git("rev-parse", errors.New("not a repo")), ExitGit},
		{"validation", Validation("items[0].id", "empty"), ExitValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ExitCode(tc.err))
		})
	}
}

func TestWrappedKind(t *testing.T) {
	base := errors.New("permission denied")
	err := fmt.Errorf("failed to save: %w", Storage("write", base))

	require.Equal(t, KindStorage, KindOf(err))
	require.True(t, Is(err, KindStorage))
	require.False(t, Is(err, KindGit))
	require.ErrorIs(t, err, base)
	require.Equal(t, ExitStorage, ExitCode(err))
}

func TestExecutionCarriesExitCode(t *testing.T) {
	code := 3
	err := Execution("run shell", &code, nil)
	require.NotNil(t, err.CommandExitCode)
	require.Equal(t, 3, *err.CommandExitCode)
	require.Contains(t, err.Error(), "exited with code 3")
}

func TestValidationList(t *testing.T) {
	err := ValidationList("validate work items", []FieldError{
		{Field: "items[0].id", Message: "must not be empty"},
		{Field: "items[3].data", Message: "must not be null"},
	})
	require.Equal(t, KindValidation, err.Kind)
	require.Contains(t, err.Error(), "2 validation errors")
	require.Contains(t, err.Error(), "items[3].data: must not be null")

	problems := Problems(fmt.Errorf("wrapped: %w", err))
	require.Len(t, problems, 2)
	require.Equal(t, "items[0].id", problems[0].Field)
}

func TestIsTimeout(t *testing.T) {
	require.True(t, IsTimeout(context.DeadlineExceeded))
	require.True(t, IsTimeout(errors.New("command timed out after 5s")))
	require.False(t, IsTimeout(errors.New("exit status 1")))
	require.False(t, IsTimeout(nil))
}
