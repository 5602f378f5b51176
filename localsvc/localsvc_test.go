package localsvc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLookupByKey(t *testing.T) {
	r := NewRegistry()
	r.RegisterLocal("Echo", "1.0.0", "", Func(func(method string, params []any) (any, error) {
		return "local:" + method, nil
	}))

	impl := r.Get("Echo_1.0.0_")
	require.NotNil(t, impl)

	got, err := impl.Invoke("Say", nil)
	require.NoError(t, err)
	assert.Equal(t, "local:Say", got)

	assert.Nil(t, r.Get("Echo_2.0.0_"), "different version is a different key")
}

func TestFallbackByName(t *testing.T) {
	r := NewRegistry()
	r.RegisterFallback("Echo", Func(func(method string, params []any) (any, error) {
		return "fallback", nil
	}))

	// No local impl: fallback serves any version of the service.
	impl := r.GetWithFallback("Echo_9.9.9_", "Echo")
	got, err := impl.Invoke("Say", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)
}

func TestLocalPreferredOverFallback(t *testing.T) {
	r := NewRegistry()
	r.RegisterLocal("Echo", "1.0.0", "", Func(func(string, []any) (any, error) {
		return "local", nil
	}))
	r.RegisterFallback("Echo", Func(func(string, []any) (any, error) {
		return "fallback", nil
	}))

	got, err := r.GetWithFallback("Echo_1.0.0_", "Echo").Invoke("Say", nil)
	require.NoError(t, err)
	assert.Equal(t, "local", got)
}

func TestSyntheticDefaultReturnsZero(t *testing.T) {
	r := NewRegistry()
	impl := r.GetWithFallback("Nope_1.0.0_", "Nope")
	require.NotNil(t, impl)

	got, err := impl.Invoke("Anything", []any{1, 2})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFallbackErrorPropagates(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("fallback broken")
	r.RegisterFallback("Echo", Func(func(string, []any) (any, error) {
		return nil, boom
	}))

	_, err := r.GetWithFallback("Echo_1.0.0_", "Echo").Invoke("Say", nil)
	assert.ErrorIs(t, err, boom)
}
