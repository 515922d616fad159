package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRole_String(t *testing.T) {
	assert.Equal(t, "patient", RolePatient.String())
	assert.Equal(t, "doctor", RoleDoctor.String())
}

func TestRole_IsValid(t *testing.T) {
	assert.True(t, RolePatient.IsValid())
	assert.True(t, RoleDoctor.IsValid())

	invalidRole := Role("nurse")
	assert.False(t, invalidRole.IsValid())
	assert.False(t, Role("").IsValid())
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    Role
		expectError bool
	}{
		{name: "lowercase patient", input: "patient", expected: RolePatient},
		{name: "mixed case doctor", input: "  Doctor ", expected: RoleDoctor},
		{name: "unknown role", input: "admin", expectError: true},
		{name: "empty", input: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, err := ParseRole(tt.input)
			if tt.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, role)
		})
	}
}
