package dto

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/possync/internal/domain/shared"
)

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		code     string
		expected int
	}{
		{ErrCodeInternal, http.StatusInternalServerError},
		{ErrCodeBadRequest, http.StatusBadRequest},
		{ErrCodeValidation, http.StatusUnprocessableEntity},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeDuplicate, http.StatusConflict},
		{ErrCodeInProgress, http.StatusTooManyRequests},
		{ErrCodeUnknownEntity, http.StatusNotFound},
		// Unknown code should return 500
		{"UNKNOWN_CODE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetHTTPStatus(tt.code))
		})
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"not found", shared.ErrNotFound, ErrCodeNotFound},
		{"wrapped duplicate", fmt.Errorf("create: %w", shared.ErrAlreadyExists), ErrCodeDuplicate},
		{"invalid input", shared.NewDomainError("INVALID_INPUT", "code is required"), ErrCodeValidation},
		{"unmapped domain code", shared.NewDomainError("CUSTOM", "custom"), "CUSTOM"},
		{"plain error", errors.New("disk full"), ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := FromError(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.NotEmpty(t, msg)
		})
	}

	_, msg := FromError(errors.New("disk full"))
	assert.NotContains(t, msg, "disk", "internal details are not leaked")
}

func TestResponseEnvelope(t *testing.T) {
	data, err := json.Marshal(NewSuccessResponse(map[string]string{"global_id": "g1"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":{"global_id":"g1"}}`, string(data))

	data, err = json.Marshal(NewErrorResponseWithRequestID(ErrCodeDuplicate, "taken", "req-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":{"code":"DUPLICATE","message":"taken","request_id":"req-1"}}`, string(data))
}
