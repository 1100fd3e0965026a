package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorMessage(t *testing.T) {
	err := New("SOME_CODE", "something happened", http.StatusBadRequest)
	assert.Equal(t, "SOME_CODE: something happened", err.Error())

	wrapped := Wrap(stderrors.New("root cause"), "SOME_CODE", "something happened", http.StatusBadRequest)
	assert.Equal(t, "SOME_CODE: something happened: root cause", wrapped.Error())
}

func TestAppErrorUnwrap(t *testing.T) {
	root := stderrors.New("root cause")
	err := Wrap(root, "CODE", "msg", http.StatusInternalServerError)
	assert.ErrorIs(t, err, root)
}

func TestSentinelMatching(t *testing.T) {
	assert.ErrorIs(t, NotRegistered("account"), ErrNotRegistered)
	assert.ErrorIs(t, InvalidConfig("bad"), ErrInvalidConfig)
}

func TestNotRegisteredShape(t *testing.T) {
	err := NotRegistered("account")
	assert.Equal(t, "ENTITY_NOT_REGISTERED", err.Code)
	assert.Equal(t, http.StatusBadRequest, err.HTTPStatus)
	assert.Contains(t, err.Message, "account")
}

func TestIsAppError(t *testing.T) {
	appErr, ok := IsAppError(fmt.Errorf("wrapped: %w", NotFound("GONE", "missing")))
	require.True(t, ok)
	assert.Equal(t, "GONE", appErr.Code)
	assert.Equal(t, http.StatusNotFound, appErr.HTTPStatus)

	_, ok = IsAppError(stderrors.New("plain"))
	assert.False(t, ok)
}

func TestConstructorStatuses(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, BadRequest("C", "m").HTTPStatus)
	assert.Equal(t, http.StatusNotFound, NotFound("C", "m").HTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, Internal("C", "m").HTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, InvalidConfig("m").HTTPStatus)
}
