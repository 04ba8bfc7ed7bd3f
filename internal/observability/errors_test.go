package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAggregateErrorsSkipsNil(t *testing.T) {
	require.NoError(t, AggregateErrors("fanout", []error{nil, nil}))

	err := AggregateErrors("fanout", []error{nil, errors.New("c1 timeout"), errors.New("c2 rejected")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "fanout failed")
	require.Contains(t, err.Error(), "c1 timeout")
	require.Contains(t, err.Error(), "c2 rejected")
}
